// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
)

//go:generate mockgen -destination=mocks/mock_custodian.go -package=mocks -source=custodian.go Custodian

// Custodian owns signing key material and exposes public verification material.
type Custodian interface {
	// Sign serializes claims as a signed compact JWT with the current key.
	// Failures wrap ErrSigningUnavailable.
	Sign(ctx context.Context, claims any) (*SignedToken, error)

	// PublicKeys returns the public keys that verify credentials issued by
	// this custodian, current signing key first.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)

	// JWKS returns the public keys as a JSON Web Key Set. It always contains
	// the key id of the most recent signatures, except for shared-secret
	// custody which publishes nothing.
	JWKS(ctx context.Context) (*jose.JSONWebKeySet, error)

	// VerificationKey returns the key that verifies signatures carrying kid.
	// Used in-process by the server to check the credentials it issued.
	VerificationKey(ctx context.Context, kid string) (any, error)

	// Close releases any resources held by the custodian.
	Close() error
}

// signCompact signs claims with the given go-jose signing key. The key id is
// taken from the JSONWebKey (or the opaque signer's public key).
func signCompact(key jose.SigningKey, claims any) (string, error) {
	signer, err := jose.NewSigner(key, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	token, err := josejwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign claims: %w", err)
	}
	return token, nil
}

// buildJWKS converts public key data to a JWKS document.
func buildJWKS(pubKeys []*PublicKeyData) *jose.JSONWebKeySet {
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubKeys))}
	for _, pk := range pubKeys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pk.PublicKey,
			KeyID:     pk.KeyID,
			Algorithm: pk.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

// CurrentPublicKeyPEM returns the PEM encoding of the custodian's current
// signing public key. It returns ErrNoPublicKey for shared-secret custody.
func CurrentPublicKeyPEM(ctx context.Context, c Custodian) ([]byte, error) {
	pubKeys, err := c.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(pubKeys) == 0 {
		return nil, ErrNoPublicKey
	}
	der, err := x509.MarshalPKIXPublicKey(pubKeys[0].PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ErrNoPublicKey is returned when the custodian has no publishable public key.
var ErrNoPublicKey = errors.New("no public key available")

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides custody of the credential signing keys.
//
// A Custodian is the only component that can produce signatures. Local
// custodians hold key material loaded from files at startup; remote
// custodians delegate signature computation to a managed key service so the
// private key never materializes in this process. Both expose the public
// verification material as a JWKS document.
package keys

import (
	"crypto"
	"errors"
	"time"
)

// DefaultAlgorithm is the signing algorithm used when none is configured
// and it cannot be derived from the key.
const DefaultAlgorithm = "RS256"

// DefaultHMACAlgorithm is the default algorithm for shared-secret custody.
const DefaultHMACAlgorithm = "HS256"

// MinRSAKeyBits is the minimum accepted RSA modulus size.
const MinRSAKeyBits = 2048

// MinSecretLength is the minimum length in bytes of an HMAC shared secret.
const MinSecretLength = 32

// ErrSigningUnavailable is returned when the signing backend is unreachable
// or the key material is missing or malformed.
var ErrSigningUnavailable = errors.New("signing unavailable")

// ErrUnknownKeyID is returned by VerificationKey for a key id the custodian
// does not hold.
var ErrUnknownKeyID = errors.New("unknown key id")

// SigningKeyData represents a signing key with its metadata.
// This contains private key material and should not be exposed externally.
type SigningKeyData struct {
	// KeyID is the unique identifier for this key (RFC 7638 thumbprint by default).
	KeyID string

	// Algorithm is the JWS algorithm (e.g., "RS256", "ES256", "HS256").
	Algorithm string

	// Key is the private key used for signing. Nil for shared secrets.
	Key crypto.Signer

	// Secret is the shared secret for HMAC algorithms. Nil for asymmetric keys.
	Secret []byte

	// CreatedAt is when this key was loaded.
	CreatedAt time.Time
}

// PublicKeyData represents the public portion of a signing key.
// This is safe to expose via the JWKS endpoint.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

// SignedToken is a compact JWS produced by a Custodian together with the
// header values it was signed with.
type SignedToken struct {
	Token     string
	KeyID     string
	Algorithm string
}

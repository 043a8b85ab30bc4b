// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// LocalConfig configures a LocalCustodian. Exactly one of SigningKeyFile or
// SecretFile must be set.
type LocalConfig struct {
	// KeyDir is the directory containing the key files. Relative file names
	// below are resolved against it.
	KeyDir string `yaml:"key_dir,omitempty"`

	// SigningKeyFile is the PEM private key used for signing new credentials.
	SigningKeyFile string `yaml:"signing_key_file,omitempty"`

	// FallbackKeyFiles are older keys kept in the JWKS so credentials they
	// signed remain verifiable during an external rotation.
	FallbackKeyFiles []string `yaml:"fallback_key_files,omitempty"`

	// SecretFile holds a shared HMAC secret instead of an asymmetric key.
	SecretFile string `yaml:"secret_file,omitempty"`

	// Algorithm overrides the algorithm derived from the key.
	Algorithm string `yaml:"algorithm,omitempty"`

	// KeyID overrides the RFC 7638 thumbprint key id of the signing key.
	KeyID string `yaml:"key_id,omitempty"`
}

// Validate checks that the configuration selects exactly one key source.
func (c *LocalConfig) Validate() error {
	switch {
	case c.SigningKeyFile == "" && c.SecretFile == "":
		return errors.New("either signing_key_file or secret_file is required")
	case c.SigningKeyFile != "" && c.SecretFile != "":
		return errors.New("signing_key_file and secret_file are mutually exclusive")
	case c.SecretFile != "" && len(c.FallbackKeyFiles) > 0:
		return errors.New("fallback_key_files cannot be combined with secret_file")
	case c.SecretFile != "" && c.Algorithm != "" && !isHMACAlgorithm(c.Algorithm):
		return fmt.Errorf("algorithm %s is not an HMAC algorithm", c.Algorithm)
	case c.SigningKeyFile != "" && isHMACAlgorithm(c.Algorithm):
		return fmt.Errorf("algorithm %s requires secret_file", c.Algorithm)
	}
	return nil
}

func (c *LocalConfig) path(name string) string {
	if c.KeyDir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.KeyDir, name)
}

// LocalCustodian signs with key material loaded from files at startup.
// Keys are loaded once; changes require a restart.
type LocalCustodian struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
	logger     *slog.Logger
}

// LocalOption configures a LocalCustodian.
type LocalOption func(*LocalCustodian)

// WithLocalLogger sets the logger.
func WithLocalLogger(l *slog.Logger) LocalOption {
	return func(c *LocalCustodian) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewLocalCustodian loads and validates all configured keys. Any failure
// wraps ErrSigningUnavailable so callers can abort startup.
func NewLocalCustodian(cfg LocalConfig, opts ...LocalOption) (*LocalCustodian, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid local key configuration: %w", ErrSigningUnavailable, err)
	}

	c := &LocalCustodian{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.SecretFile != "" {
		secret, err := LoadHMACSecret(cfg.path(cfg.SecretFile))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
		}
		alg := cfg.Algorithm
		if alg == "" {
			alg = DefaultHMACAlgorithm
		}
		kid := cfg.KeyID
		if kid == "" {
			kid = deriveSecretKeyID(secret)
		}
		c.signingKey = &SigningKeyData{KeyID: kid, Algorithm: alg, Secret: secret, CreatedAt: time.Now()}
		c.allKeys = []*SigningKeyData{c.signingKey}
		c.logger.Info("loaded shared-secret signing key", "algorithm", alg, "key_id", kid)
		return c, nil
	}

	signingKey, err := loadKeyFromFile(cfg.path(cfg.SigningKeyFile), cfg.KeyID, cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load signing key: %w", ErrSigningUnavailable, err)
	}
	c.signingKey = signingKey
	c.allKeys = []*SigningKeyData{signingKey}

	for _, filename := range cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(cfg.path(filename), "", "")
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load fallback key %s: %w", ErrSigningUnavailable, filename, err)
		}
		c.allKeys = append(c.allKeys, key)
	}

	c.logger.Info("loaded signing key",
		"algorithm", signingKey.Algorithm,
		"key_id", signingKey.KeyID,
		"fallback_keys", len(cfg.FallbackKeyFiles),
	)
	return c, nil
}

// NewEphemeralCustodian generates an in-memory RSA key.
// Suitable for development only: credentials become unverifiable after a restart.
func NewEphemeralCustodian(opts ...LocalOption) (*LocalCustodian, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, MinRSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate signing key: %w", ErrSigningUnavailable, err)
	}
	c, err := NewLocalCustodianFromSigner(privateKey, "", "", opts...)
	if err != nil {
		return nil, err
	}
	c.logger.Warn("generated ephemeral signing key - credentials will be invalid after restart",
		"algorithm", c.signingKey.Algorithm,
		"key_id", c.signingKey.KeyID,
	)
	return c, nil
}

// NewLocalCustodianFromSigner wraps an already loaded private key.
func NewLocalCustodianFromSigner(signer crypto.Signer, keyID, algorithm string, opts ...LocalOption) (*LocalCustodian, error) {
	kid, alg, err := DeriveSigningKeyParams(signer.Public(), keyID, algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
	}
	key := &SigningKeyData{KeyID: kid, Algorithm: alg, Key: signer, CreatedAt: time.Now()}
	c := &LocalCustodian{signingKey: key, allKeys: []*SigningKeyData{key}, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func loadKeyFromFile(keyPath, keyID, algorithm string) (*SigningKeyData, error) {
	signer, err := LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}
	kid, alg, err := DeriveSigningKeyParams(signer.Public(), keyID, algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key parameters: %w", err)
	}
	return &SigningKeyData{KeyID: kid, Algorithm: alg, Key: signer, CreatedAt: time.Now()}, nil
}

// Sign implements Custodian.
func (c *LocalCustodian) Sign(_ context.Context, claims any) (*SignedToken, error) {
	key := c.signingKey
	var jwk jose.JSONWebKey
	if key.Secret != nil {
		jwk = jose.JSONWebKey{Key: key.Secret, KeyID: key.KeyID, Algorithm: key.Algorithm}
	} else {
		jwk = jose.JSONWebKey{Key: key.Key, KeyID: key.KeyID, Algorithm: key.Algorithm}
	}

	token, err := signCompact(jose.SigningKey{Algorithm: jose.SignatureAlgorithm(key.Algorithm), Key: jwk}, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
	}
	return &SignedToken{Token: token, KeyID: key.KeyID, Algorithm: key.Algorithm}, nil
}

// PublicKeys implements Custodian. Shared secrets are never returned.
func (c *LocalCustodian) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	pubKeys := make([]*PublicKeyData, 0, len(c.allKeys))
	for _, key := range c.allKeys {
		if key.Key == nil {
			continue
		}
		pubKeys = append(pubKeys, &PublicKeyData{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PublicKey: key.Key.Public(),
			CreatedAt: key.CreatedAt,
		})
	}
	return pubKeys, nil
}

// JWKS implements Custodian.
func (c *LocalCustodian) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	pubKeys, err := c.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	return buildJWKS(pubKeys), nil
}

// VerificationKey implements Custodian.
func (c *LocalCustodian) VerificationKey(_ context.Context, kid string) (any, error) {
	for _, key := range c.allKeys {
		if key.KeyID != kid {
			continue
		}
		if key.Secret != nil {
			return key.Secret, nil
		}
		return key.Key.Public(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
}

// SigningKeyID returns the key id of the current signing key.
func (c *LocalCustodian) SigningKeyID() string {
	return c.signingKey.KeyID
}

// Close implements Custodian. Local keys hold no external resources.
func (*LocalCustodian) Close() error {
	return nil
}

var _ Custodian = (*LocalCustodian)(nil)

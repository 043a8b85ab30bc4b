// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// LoadSigningKey loads a private key from a PEM file.
// Supports RSA (PKCS1 and PKCS8) and ECDSA (SEC1 and PKCS8) formats.
func LoadSigningKey(keyPath string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - keyPath is provided by operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(keyPEM)
}

// ParseSigningKey parses a PEM-encoded private key.
func ParseSigningKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	var signer crypto.Signer
	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		signer = rsaKey
	} else if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		signer = ecKey
	} else {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		s, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("signing key does not implement crypto.Signer")
		}
		signer = s
	}

	if rsaKey, ok := signer.(*rsa.PrivateKey); ok && rsaKey.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key must be at least %d bits, got %d", MinRSAKeyBits, rsaKey.N.BitLen())
	}
	return signer, nil
}

// DeriveKeyID computes a key ID from a public key using the RFC 7638 JWK
// thumbprint, encoded as base64url without padding.
func DeriveKeyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// deriveSecretKeyID returns a stable identifier for a shared secret that does
// not reveal the secret.
func deriveSecretKeyID(secret []byte) string {
	sum := sha256.Sum256(append([]byte("authd-hmac-kid:"), secret...))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

// DeriveAlgorithm determines the JWS algorithm for the given public key.
func DeriveAlgorithm(pub crypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return "RS256", nil
	case *ecdsa.PublicKey:
		return deriveECAlgorithm(k.Curve)
	default:
		return "", fmt.Errorf("unsupported key type: %T", pub)
	}
}

func deriveECAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return "ES256", nil
	case elliptic.P384():
		return "ES384", nil
	case elliptic.P521():
		return "ES512", nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve.Params().Name)
	}
}

// ValidateAlgorithmForKey checks if the algorithm is compatible with the key type.
func ValidateAlgorithmForKey(alg string, pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		switch alg {
		case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
			return nil
		default:
			return fmt.Errorf("algorithm %s is not compatible with RSA key", alg)
		}
	case *ecdsa.PublicKey:
		expected, err := deriveECAlgorithm(k.Curve)
		if err != nil {
			return err
		}
		if alg != expected {
			return fmt.Errorf("algorithm %s is not compatible with EC key using curve %s (expected %s)",
				alg, k.Curve.Params().Name, expected)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type: %T", pub)
	}
}

// DeriveSigningKeyParams derives or validates the key id and algorithm of a key.
// Empty values are derived; provided values are validated against the key.
func DeriveSigningKeyParams(pub crypto.PublicKey, keyID, algorithm string) (kid, alg string, err error) {
	kid = keyID
	if kid == "" {
		kid, err = DeriveKeyID(pub)
		if err != nil {
			return "", "", fmt.Errorf("failed to derive key ID: %w", err)
		}
	}

	if algorithm == "" {
		alg, err = DeriveAlgorithm(pub)
		if err != nil {
			return "", "", fmt.Errorf("failed to derive algorithm: %w", err)
		}
		return kid, alg, nil
	}
	if err := ValidateAlgorithmForKey(algorithm, pub); err != nil {
		return "", "", err
	}
	return kid, algorithm, nil
}

// LoadHMACSecret loads a shared secret from a file.
// The secret must be at least MinSecretLength bytes after trimming whitespace.
func LoadHMACSecret(secretPath string) ([]byte, error) {
	data, err := os.ReadFile(secretPath) // #nosec G304 - secretPath is provided by operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read HMAC secret file: %w", err)
	}

	// Secret mounts often carry a trailing newline.
	secret := []byte(strings.TrimSpace(string(data)))
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d bytes", MinSecretLength, len(secret))
	}
	return secret, nil
}

func isHMACAlgorithm(alg string) bool {
	switch alg {
	case "HS256", "HS384", "HS512":
		return true
	default:
		return false
	}
}

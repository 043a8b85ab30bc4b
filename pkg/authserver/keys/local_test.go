// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClaims struct {
	josejwt.Claims
	Roles []string `json:"roles"`
}

// writePEM writes a PEM block to a temp file and returns the filename.
func writePEM(t *testing.T, dir, filename, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0600))
	return filename
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestLocalCustodian(t *testing.T) {
	t.Parallel()

	t.Run("signs with EC key and verifies against JWKS", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		ecKey := generateECKey(t)
		der, err := x509.MarshalECPrivateKey(ecKey)
		require.NoError(t, err)
		keyFile := writePEM(t, dir, "signing.pem", "EC PRIVATE KEY", der)

		custodian, err := NewLocalCustodian(LocalConfig{KeyDir: dir, SigningKeyFile: keyFile})
		require.NoError(t, err)

		signed, err := custodian.Sign(context.Background(), testClaims{
			Claims: josejwt.Claims{Subject: "github:42", Audience: josejwt.Audience{"svc"}},
			Roles:  []string{"reader"},
		})
		require.NoError(t, err)
		assert.Equal(t, "ES256", signed.Algorithm)
		assert.Equal(t, custodian.SigningKeyID(), signed.KeyID)

		jwks, err := custodian.JWKS(context.Background())
		require.NoError(t, err)
		require.Len(t, jwks.Keys, 1)
		assert.Equal(t, signed.KeyID, jwks.Keys[0].KeyID)

		tok, err := josejwt.ParseSigned(signed.Token, []jose.SignatureAlgorithm{jose.ES256})
		require.NoError(t, err)
		assert.Equal(t, signed.KeyID, tok.Headers[0].KeyID)

		var out testClaims
		require.NoError(t, tok.Claims(jwks.Key(signed.KeyID)[0].Key, &out))
		assert.Equal(t, "github:42", out.Subject)
		assert.Equal(t, []string{"reader"}, out.Roles)
	})

	t.Run("loads PKCS8 RSA key and keeps fallback keys in JWKS", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
		require.NoError(t, err)
		signingFile := writePEM(t, dir, "current.pem", "PRIVATE KEY", der)

		oldKey := generateECKey(t)
		oldDER, err := x509.MarshalECPrivateKey(oldKey)
		require.NoError(t, err)
		oldFile := writePEM(t, dir, "old.pem", "EC PRIVATE KEY", oldDER)

		custodian, err := NewLocalCustodian(LocalConfig{
			KeyDir:           dir,
			SigningKeyFile:   signingFile,
			FallbackKeyFiles: []string{oldFile},
		})
		require.NoError(t, err)

		pubKeys, err := custodian.PublicKeys(context.Background())
		require.NoError(t, err)
		require.Len(t, pubKeys, 2)
		assert.Equal(t, "RS256", pubKeys[0].Algorithm)
		assert.Equal(t, "ES256", pubKeys[1].Algorithm)

		oldKID, err := DeriveKeyID(oldKey.Public())
		require.NoError(t, err)
		key, err := custodian.VerificationKey(context.Background(), oldKID)
		require.NoError(t, err)
		assert.Equal(t, oldKey.Public(), key)
	})

	t.Run("rejects small RSA keys", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
		require.NoError(t, err)
		keyFile := writePEM(t, dir, "weak.pem", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey))

		_, err = NewLocalCustodian(LocalConfig{KeyDir: dir, SigningKeyFile: keyFile})
		require.ErrorIs(t, err, ErrSigningUnavailable)
		assert.Contains(t, err.Error(), "at least 2048 bits")
	})

	t.Run("missing key file is a signing failure", func(t *testing.T) {
		t.Parallel()
		_, err := NewLocalCustodian(LocalConfig{KeyDir: t.TempDir(), SigningKeyFile: "absent.pem"})
		require.ErrorIs(t, err, ErrSigningUnavailable)
	})

	t.Run("malformed key file is a signing failure", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.pem"), []byte("not a key"), 0600))
		_, err := NewLocalCustodian(LocalConfig{KeyDir: dir, SigningKeyFile: "bad.pem"})
		require.ErrorIs(t, err, ErrSigningUnavailable)
	})

	t.Run("algorithm mismatch is rejected", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		der, err := x509.MarshalECPrivateKey(generateECKey(t))
		require.NoError(t, err)
		keyFile := writePEM(t, dir, "signing.pem", "EC PRIVATE KEY", der)

		_, err = NewLocalCustodian(LocalConfig{KeyDir: dir, SigningKeyFile: keyFile, Algorithm: "ES384"})
		require.ErrorIs(t, err, ErrSigningUnavailable)
	})
}

func TestLocalCustodian_SharedSecret(t *testing.T) {
	t.Parallel()

	t.Run("signs with HMAC and publishes no keys", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		secret := strings.Repeat("s", MinSecretLength)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "secret"), []byte(secret+"\n"), 0600))

		custodian, err := NewLocalCustodian(LocalConfig{KeyDir: dir, SecretFile: "secret"})
		require.NoError(t, err)

		signed, err := custodian.Sign(context.Background(), josejwt.Claims{Subject: "mock:alice"})
		require.NoError(t, err)
		assert.Equal(t, "HS256", signed.Algorithm)

		jwks, err := custodian.JWKS(context.Background())
		require.NoError(t, err)
		assert.Empty(t, jwks.Keys)

		_, err = CurrentPublicKeyPEM(context.Background(), custodian)
		assert.ErrorIs(t, err, ErrNoPublicKey)

		key, err := custodian.VerificationKey(context.Background(), signed.KeyID)
		require.NoError(t, err)

		tok, err := josejwt.ParseSigned(signed.Token, []jose.SignatureAlgorithm{jose.HS256})
		require.NoError(t, err)
		var out josejwt.Claims
		require.NoError(t, tok.Claims(key, &out))
		assert.Equal(t, "mock:alice", out.Subject)
	})

	t.Run("rejects short secrets", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "secret"), []byte("short"), 0600))

		_, err := NewLocalCustodian(LocalConfig{KeyDir: dir, SecretFile: "secret"})
		require.ErrorIs(t, err, ErrSigningUnavailable)
	})
}

func TestLocalConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     LocalConfig
		wantErr string
	}{
		{name: "no source", cfg: LocalConfig{}, wantErr: "either signing_key_file or secret_file"},
		{name: "both sources", cfg: LocalConfig{SigningKeyFile: "a", SecretFile: "b"}, wantErr: "mutually exclusive"},
		{name: "fallback with secret", cfg: LocalConfig{SecretFile: "b", FallbackKeyFiles: []string{"c"}}, wantErr: "fallback_key_files"},
		{name: "rsa alg with secret", cfg: LocalConfig{SecretFile: "b", Algorithm: "RS256"}, wantErr: "not an HMAC algorithm"},
		{name: "hmac alg with key", cfg: LocalConfig{SigningKeyFile: "a", Algorithm: "HS256"}, wantErr: "requires secret_file"},
		{name: "valid key", cfg: LocalConfig{SigningKeyFile: "a"}},
		{name: "valid secret", cfg: LocalConfig{SecretFile: "b", Algorithm: "HS512"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEphemeralCustodian(t *testing.T) {
	t.Parallel()

	custodian, err := NewEphemeralCustodian()
	require.NoError(t, err)

	pemBytes, err := CurrentPublicKeyPEM(context.Background(), custodian)
	require.NoError(t, err)

	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	assert.Equal(t, "PUBLIC KEY", block.Type)

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	kid, err := DeriveKeyID(pub)
	require.NoError(t, err)
	assert.Equal(t, custodian.SigningKeyID(), kid)
}

func TestEphemeralCustodian_NilLogger(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		custodian, err := NewEphemeralCustodian(WithLocalLogger(nil))
		require.NoError(t, err)
		assert.NotEmpty(t, custodian.SigningKeyID())
	})
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authd/pkg/authserver/keys"
	"github.com/stacklok/authd/pkg/authserver/keys/mocks"
)

func TestJWKSHandler(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	pubKeys, err := s.custodian.PublicKeys(context.Background())
	require.NoError(t, err)

	for _, path := range []string{"/.well-known/jwks.json", "/keys"} {
		rec := s.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=")

		set := decodeJSON[jose.JSONWebKeySet](t, rec)
		require.Len(t, set.Keys, 1)
		assert.Equal(t, pubKeys[0].KeyID, set.Keys[0].KeyID)
		assert.Equal(t, "sig", set.Keys[0].Use)
		assert.True(t, set.Keys[0].IsPublic())
	}
}

func TestJWKSHandler_Unavailable(t *testing.T) {
	t.Parallel()

	t.Run("not initialized", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, withoutCustodian())
		assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/keys", "").Code)
		assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/.well-known/public_key.pem", "").Code)
	})

	t.Run("key retrieval failure", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		custodian := mocks.NewMockCustodian(ctrl)
		custodian.EXPECT().JWKS(gomock.Any()).
			Return(nil, fmt.Errorf("%w: kms unreachable", keys.ErrSigningUnavailable)).Times(2)

		s := newTestServer(t, withCustodian(custodian))
		for _, path := range []string{"/.well-known/jwks.json", "/keys"} {
			rec := s.do(t, http.MethodGet, path, "")
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.NotContains(t, rec.Body.String(), "kms")
		}
	})
}

// revocableKMS serves a public key until access is revoked.
type revocableKMS struct {
	key     *ecdsa.PrivateKey
	revoked bool
}

func (f *revocableKMS) GetPublicKey(context.Context, *kms.GetPublicKeyInput, ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	if f.revoked {
		return nil, errors.New("AccessDeniedException: access to the key was revoked")
	}
	der, err := x509.MarshalPKIXPublicKey(f.key.Public())
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{
		KeyId:     aws.String("arn:aws:kms:eu-west-1:111122223333:key/authd"),
		KeyUsage:  kmstypes.KeyUsageTypeSignVerify,
		PublicKey: der,
	}, nil
}

func (*revocableKMS) Sign(context.Context, *kms.SignInput, ...func(*kms.Options)) (*kms.SignOutput, error) {
	return nil, errors.New("not used")
}

func TestJWKSHandler_RemoteAccessRevoked(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	fake := &revocableKMS{key: key}

	// A one nanosecond cache makes every request refresh from KMS.
	custodian, err := keys.NewRemoteCustodianWithClient(context.Background(), fake,
		keys.RemoteConfig{KeyID: "alias/authd", PublicKeyCacheTTL: time.Nanosecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = custodian.Close() })

	s := newTestServer(t, withCustodian(custodian))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/keys", "").Code)

	fake.revoked = true
	for _, path := range []string{"/.well-known/jwks.json", "/keys"} {
		rec := s.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		assert.NotContains(t, rec.Body.String(), "AccessDenied")
	}
}

func TestPublicKeyPEMHandler(t *testing.T) {
	t.Parallel()

	t.Run("asymmetric key", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)

		rec := s.do(t, http.MethodGet, "/.well-known/public_key.pem", "")
		require.Equal(t, http.StatusOK, rec.Code)

		block, _ := pem.Decode(rec.Body.Bytes())
		require.NotNil(t, block)
		assert.Equal(t, "PUBLIC KEY", block.Type)
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		require.NoError(t, err)

		pubKeys, err := s.custodian.PublicKeys(context.Background())
		require.NoError(t, err)
		assert.Equal(t, pubKeys[0].PublicKey, pub)
	})

	t.Run("shared secret has no public key", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "secret")
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("s", 48)), 0o600))
		hmac, err := keys.NewLocalCustodian(keys.LocalConfig{SecretFile: path})
		require.NoError(t, err)

		s := newTestServer(t, withCustodian(hmac))
		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/.well-known/public_key.pem", "").Code)

		rec := s.do(t, http.MethodGet, "/keys", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decodeJSON[jose.JSONWebKeySet](t, rec).Keys)
	})
}

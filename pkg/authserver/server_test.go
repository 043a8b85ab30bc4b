// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authd/pkg/authserver/keys"
	"github.com/stacklok/authd/pkg/authserver/rbac"
	"github.com/stacklok/authd/pkg/authserver/storage"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(minimalConfig), nil)
	require.NoError(t, err)
	return cfg
}

func rbacSQLite(t *testing.T) rbac.Config {
	t.Helper()
	return rbac.Config{Backend: storage.TypeSQLite, SQLitePath: filepath.Join(t.TempDir(), "roles.db")}
}

// loginThroughServer drives /login and /callback and returns the issued token.
func loginThroughServer(t *testing.T, h http.Handler) string {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?provider=mock", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "auth.example.org", loc.Host)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, loc.Path+"?"+loc.RawQuery, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.AccessToken
}

func TestNew_MemoryBackends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := New(ctx, newTestConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	token := loginThroughServer(t, s.Handler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	set, err := s.Custodian().JWKS(ctx)
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), set.Keys[0].KeyID)
}

func TestNew_DurableBackends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := newTestConfig(t)
	cfg.Redis = &storage.RedisConfig{Addr: mr.Addr(), KeyPrefix: "authd:test:"}
	cfg.State.Backend = storage.TypeRedis
	cfg.Roles = rbacSQLite(t)
	require.NoError(t, cfg.Validate())

	s, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	loginThroughServer(t, s.Handler())

	stateKeys := mr.Keys()
	require.NotEmpty(t, stateKeys)
	for _, k := range stateKeys {
		assert.True(t, strings.HasPrefix(k, "authd:test:"), k)
	}
}

func TestNew_SharedSecretCustody(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hmac"), []byte(strings.Repeat("z", keys.MinSecretLength)), 0o600))

	cfg := newTestConfig(t)
	cfg.Signing = keys.Config{Type: keys.TypeLocal, Local: &keys.LocalConfig{KeyDir: dir, SecretFile: "hmac"}}
	require.NoError(t, cfg.Validate())

	s, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	token := loginThroughServer(t, s.Handler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: token})
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "the server verifies its own HMAC credentials")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/public_key.pem", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNew_FailsFast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := newTestConfig(t)
	cfg.Signing = keys.Config{Type: keys.TypeLocal, Local: &keys.LocalConfig{SigningKeyFile: "/nonexistent/key.pem"}}
	_, err := New(ctx, cfg)
	require.ErrorIs(t, err, keys.ErrSigningUnavailable)

	cfg = newTestConfig(t)
	cfg.State.Backend = storage.TypeRedis
	cfg.Redis = &storage.RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond}
	_, err = New(ctx, cfg)
	require.Error(t, err)
}

func TestServer_ListenAndServe(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	cfg.ListenAddress = "127.0.0.1:0"
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNew_CookieSecureByDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	callbackCookie := func(t *testing.T, cfg *Config) *http.Cookie {
		t.Helper()
		s, err := New(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?provider=mock", nil))
		require.Equal(t, http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)

		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, loc.Path+"?"+loc.RawQuery, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		return cookies[0]
	}

	assert.True(t, callbackCookie(t, newTestConfig(t)).Secure)

	cfg := newTestConfig(t)
	cfg.Cookie.Insecure = true
	assert.False(t, callbackCookie(t, cfg).Secure)
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/authd/pkg/auth"
	"github.com/stacklok/authd/pkg/authserver/credential"
	"github.com/stacklok/authd/pkg/authserver/keys"
	"github.com/stacklok/authd/pkg/authserver/rbac"
	"github.com/stacklok/authd/pkg/authserver/state"
	"github.com/stacklok/authd/pkg/authserver/upstream"
	"github.com/stacklok/authd/pkg/telemetry"
)

const (
	testIssuer   = "https://auth.example.org"
	testAudience = "datatracker"
	testCallback = testIssuer + "/callback"
)

type testServer struct {
	handler   *Handler
	routes    http.Handler
	states    *state.MemoryStore
	roles     *rbac.Store
	issuer    *credential.Issuer
	verifier  *auth.Verifier
	custodian keys.Custodian
}

type testOption func(*Deps)

func withCustodian(c keys.Custodian) testOption {
	return func(d *Deps) { d.Custodian = c }
}

func withoutCustodian() testOption {
	return func(d *Deps) { d.Custodian = nil }
}

func withLoginLimit(n int) testOption {
	return func(d *Deps) { d.LoginsPerMinute = n }
}

func withAutoApprove(p rbac.AutoApprovePolicy) testOption {
	return func(d *Deps) { d.AutoApprove = p }
}

// newTestServer wires real components around the mock provider. The
// verifier always trusts verifyKeys; signing goes through the custodian
// chosen by the options.
func newTestServer(t *testing.T, opts ...testOption) *testServer {
	t.Helper()
	ctx := context.Background()

	verifyKeys, err := keys.NewEphemeralCustodian()
	require.NoError(t, err)

	states := state.NewMemoryStore()
	t.Cleanup(func() { _ = states.Close() })

	mock := upstream.NewMockProvider(&upstream.ProviderConfig{
		Name: "mock",
		Type: upstream.TypeMock,
		Mock: &upstream.MockConfig{Users: map[string]upstream.MockUser{
			"ok":    {Subject: "u1", Email: "alice@ietf.org", Name: "Alice"},
			"admin": {Subject: "root", Email: "root@example.com", Name: "Root"},
		}},
	}, testCallback)
	unconfigured, err := upstream.NewProvider(ctx, &upstream.ProviderConfig{Name: "github", Type: upstream.TypeGitHub}, testCallback)
	require.NoError(t, err)

	gateway, err := upstream.NewGateway(states, []upstream.Provider{mock, unconfigured}, nil)
	require.NoError(t, err)

	roles := rbac.NewStore(rbac.NewMemoryBackend())

	verifier, err := auth.NewVerifier(auth.NewStaticKeySource(verifyKeys), auth.VerifierConfig{
		Issuer:     testIssuer,
		Audience:   testAudience,
		CookieName: DefaultCookieName,
	})
	require.NoError(t, err)
	require.NoError(t, verifier.WaitReady(ctx))

	metrics, err := telemetry.NewMetrics(telemetry.Config{}, "test")
	require.NoError(t, err)

	deps := Deps{
		Gateway:   gateway,
		States:    states,
		Roles:     roles,
		Custodian: verifyKeys,
		Verifier:  verifier,
		Metrics:   metrics,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	signer := deps.Custodian
	if signer == nil {
		signer = verifyKeys
	}
	issuer, err := credential.NewIssuer(signer, credential.Config{Issuer: testIssuer, Audiences: []string{testAudience}})
	require.NoError(t, err)
	deps.Issuer = issuer

	h, err := NewHandler(deps)
	require.NoError(t, err)

	return &testServer{
		handler:   h,
		routes:    h.Routes(),
		states:    states,
		roles:     roles,
		issuer:    issuer,
		verifier:  verifier,
		custodian: deps.Custodian,
	}
}

func (s *testServer) do(t *testing.T, method, target string, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	s.routes.ServeHTTP(rec, req)
	return rec
}

// credentialFor issues a credential for a user of the mock provider with
// the given approval state.
func (s *testServer) credentialFor(t *testing.T, subject string, status rbac.Status, roles ...string) string {
	t.Helper()
	claim := &upstream.IdentityClaim{Provider: "mock", SubjectID: subject, Email: subject + "@example.com"}
	cred, err := s.issuer.Issue(context.Background(), claim, &rbac.Lookup{
		UserID: claim.Subject(),
		Status: status,
		Roles:  roles,
	})
	require.NoError(t, err)
	return cred.Token
}

// login runs /login then /callback for the mock provider and returns the
// callback response.
func (s *testServer) login(t *testing.T) *httptest.ResponseRecorder {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/login?provider=mock", "")
	require.Equal(t, http.StatusFound, rec.Code)
	return s.do(t, http.MethodGet, callbackTarget(t, rec), "")
}

func callbackTarget(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Path + "?" + loc.RawQuery
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func cookie(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: token})
	}
}

func remoteAddr(addr string) func(*http.Request) {
	return func(r *http.Request) {
		r.RemoteAddr = addr
	}
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/authd/pkg/authserver/state"
)

// recordingProvider records calls so tests can assert capability checks.
type recordingProvider struct {
	name         string
	caps         Capabilities
	gotChallenge string
	gotNonce     string
	gotVerifier  string
	fetchCalls   int
}

func (p *recordingProvider) Name() string { return p.name }
func (*recordingProvider) Type() ProviderType { return TypeGitHub }
func (p *recordingProvider) Capabilities() Capabilities { return p.caps }

func (p *recordingProvider) AuthorizationURL(st, challenge, nonce string) (string, error) {
	p.gotChallenge, p.gotNonce = challenge, nonce
	return "https://idp.example/authorize?state=" + url.QueryEscape(st), nil
}

func (p *recordingProvider) ExchangeCode(_ context.Context, _, verifier string) (*oauth2.Token, error) {
	p.gotVerifier = verifier
	return &oauth2.Token{AccessToken: "t"}, nil
}

func (p *recordingProvider) FetchProfile(context.Context, *oauth2.Token, string) (*IdentityClaim, error) {
	p.fetchCalls++
	return &IdentityClaim{SubjectID: "42"}, nil
}

func newTestGateway(t *testing.T, providers ...Provider) (*Gateway, *state.MemoryStore) {
	t.Helper()
	states := state.NewMemoryStore()
	t.Cleanup(func() { _ = states.Close() })
	g, err := NewGateway(states, providers, nil)
	require.NoError(t, err)
	return g, states
}

func TestGateway_MockRoundTrip(t *testing.T) {
	t.Parallel()
	mock := NewMockProvider(&ProviderConfig{Name: "mock", Type: TypeMock}, "https://auth.example/callback")
	g, states := newTestGateway(t, mock)
	ctx := context.Background()

	authURL, st, err := g.BeginLogin(ctx, "mock")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "auth.example", u.Host)
	assert.Equal(t, "/callback", u.Path)
	assert.Equal(t, "ok", u.Query().Get("code"))
	assert.Equal(t, st.Token, u.Query().Get("state"))

	consumed, err := states.ValidateAndConsume(ctx, st.Token)
	require.NoError(t, err)

	claim, err := g.CompleteLogin(ctx, "mock", "ok", consumed)
	require.NoError(t, err)
	assert.Equal(t, "mock:mock-user", claim.Subject())
	assert.Equal(t, "mock-user@example.com", claim.Email)

	_, err = g.CompleteLogin(ctx, "mock", "not-ok", consumed)
	require.ErrorIs(t, err, ErrInvalidAuthorizationCode)
}

func TestGateway_CapabilityFlags(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pkce and nonce only when advertised", func(t *testing.T) {
		t.Parallel()
		p := &recordingProvider{name: "full", caps: Capabilities{ExchangeCode: true, FetchProfile: true, PKCE: true, Nonce: true}}
		plain := &recordingProvider{name: "plain", caps: Capabilities{ExchangeCode: true, FetchProfile: true}}
		g, _ := newTestGateway(t, p, plain)

		_, st, err := g.BeginLogin(ctx, "full")
		require.NoError(t, err)
		assert.Equal(t, st.CodeChallenge(), p.gotChallenge)
		assert.Equal(t, st.Nonce, p.gotNonce)

		_, err = g.CompleteLogin(ctx, "full", "c", st)
		require.NoError(t, err)
		assert.Equal(t, st.PKCEVerifier, p.gotVerifier)

		_, st, err = g.BeginLogin(ctx, "plain")
		require.NoError(t, err)
		assert.Empty(t, plain.gotChallenge)
		assert.Empty(t, plain.gotNonce)
		_, err = g.CompleteLogin(ctx, "plain", "c", st)
		require.NoError(t, err)
		assert.Empty(t, plain.gotVerifier)
	})

	t.Run("missing profile capability is never called", func(t *testing.T) {
		t.Parallel()
		p := &recordingProvider{name: "partial", caps: Capabilities{ExchangeCode: true}}
		g, _ := newTestGateway(t, p)

		_, _, err := g.BeginLogin(ctx, "partial")
		require.ErrorIs(t, err, ErrUnsupported)

		_, err = g.CompleteLogin(ctx, "partial", "c", &state.CallbackState{Provider: "partial"})
		require.ErrorIs(t, err, ErrUnsupported)
		assert.Zero(t, p.fetchCalls)
	})
}

func TestGateway_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mock := NewMockProvider(&ProviderConfig{Name: "mock", Type: TypeMock}, "https://auth.example/callback")
	unconfigured, err := NewProvider(ctx, &ProviderConfig{Name: "github", Type: TypeGitHub}, "https://auth.example/callback")
	require.NoError(t, err)
	g, _ := newTestGateway(t, mock, unconfigured)

	_, _, err = g.BeginLogin(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, _, err = g.BeginLogin(ctx, "github")
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = g.CompleteLogin(ctx, "mock", "ok", &state.CallbackState{Provider: "github"})
	require.ErrorIs(t, err, ErrProviderMismatch)

	_, err = g.CompleteLogin(ctx, "mock", "ok", nil)
	require.ErrorIs(t, err, ErrProviderMismatch)

	assert.Equal(t, []ProviderInfo{
		{Name: "mock", Type: TypeMock, Configured: true},
		{Name: "github", Type: TypeGitHub, Configured: false},
	}, g.Providers())
}

func TestNewGateway(t *testing.T) {
	t.Parallel()

	_, err := NewGateway(nil, nil, nil)
	require.Error(t, err)

	states := state.NewMemoryStore()
	t.Cleanup(func() { _ = states.Close() })
	a := &recordingProvider{name: "dup"}
	b := &recordingProvider{name: "dup"}
	_, err = NewGateway(states, []Provider{a, b}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate provider name")
}

type failingIssuer struct{}

func (failingIssuer) Issue(context.Context, string) (*state.CallbackState, error) {
	return nil, errors.New("redis down")
}

func TestGateway_StateIssueFailure(t *testing.T) {
	t.Parallel()
	mock := NewMockProvider(&ProviderConfig{Name: "mock", Type: TypeMock}, "https://auth.example/callback")
	g, err := NewGateway(failingIssuer{}, []Provider{mock}, nil)
	require.NoError(t, err)

	_, _, err = g.BeginLogin(context.Background(), "mock")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to issue callback state")
}

func TestMockProvider(t *testing.T) {
	t.Parallel()

	p := NewMockProvider(&ProviderConfig{Name: "dev", Type: TypeMock, Mock: &MockConfig{Users: map[string]MockUser{
		"alice": {Subject: "alice", Email: "alice@example.com", Affiliations: []string{"ietf"}},
		"bob":   {Subject: "bob"},
	}}}, "http://localhost/callback")

	raw, err := p.AuthorizationURL("s", "", "")
	require.NoError(t, err)
	assert.Contains(t, raw, "code=alice")

	tok, err := p.ExchangeCode(context.Background(), "bob", "")
	require.NoError(t, err)
	claim, err := p.FetchProfile(context.Background(), tok, "")
	require.NoError(t, err)
	assert.Equal(t, "dev:bob", claim.Subject())

	_, err = p.ExchangeCode(context.Background(), "ok", "")
	require.ErrorIs(t, err, ErrInvalidAuthorizationCode)

	_, err = p.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "forged"}, "")
	require.ErrorIs(t, err, ErrInvalidAuthorizationCode)
}

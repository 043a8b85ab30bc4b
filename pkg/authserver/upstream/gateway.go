// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/stacklok/authd/pkg/authserver/state"
)

// StateIssuer issues callback states. state.Store satisfies it.
type StateIssuer interface {
	Issue(ctx context.Context, provider string) (*state.CallbackState, error)
}

// Gateway is the registry of configured providers. It owns the capability
// checks so that callers never invoke an operation a provider lacks.
type Gateway struct {
	providers map[string]Provider
	order     []string
	states    StateIssuer
	logger    *slog.Logger
}

// NewGateway registers providers in order. Names must be unique.
func NewGateway(states StateIssuer, providers []Provider, logger *slog.Logger) (*Gateway, error) {
	if states == nil {
		return nil, errors.New("state issuer is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Gateway{
		providers: make(map[string]Provider, len(providers)),
		states:    states,
		logger:    logger,
	}
	for _, p := range providers {
		if _, dup := g.providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name())
		}
		g.providers[p.Name()] = p
		g.order = append(g.order, p.Name())
	}
	return g, nil
}

// Provider returns the named provider.
func (g *Gateway) Provider(name string) (Provider, error) {
	p, ok := g.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Providers lists providers in configuration order without any secrets.
func (g *Gateway) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(g.order))
	for _, name := range g.order {
		p := g.providers[name]
		caps := p.Capabilities()
		out = append(out, ProviderInfo{
			Name:       name,
			Type:       p.Type(),
			Configured: caps.ExchangeCode && caps.FetchProfile,
		})
	}
	return out
}

// BeginLogin issues a callback state and builds the authorization URL.
func (g *Gateway) BeginLogin(ctx context.Context, name string) (string, *state.CallbackState, error) {
	p, err := g.Provider(name)
	if err != nil {
		return "", nil, err
	}
	caps := p.Capabilities()
	if !caps.ExchangeCode || !caps.FetchProfile {
		return "", nil, fmt.Errorf("%w: provider %q is not configured for login", ErrUnsupported, name)
	}

	st, err := g.states.Issue(ctx, name)
	if err != nil {
		return "", nil, fmt.Errorf("failed to issue callback state: %w", err)
	}

	var challenge, nonce string
	if caps.PKCE {
		challenge = st.CodeChallenge()
	}
	if caps.Nonce {
		nonce = st.Nonce
	}
	authURL, err := p.AuthorizationURL(st.Token, challenge, nonce)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build authorization URL: %w", err)
	}

	g.logger.Debug("login started", "provider", name, "pkce", caps.PKCE, "nonce", caps.Nonce)
	return authURL, st, nil
}

// CompleteLogin exchanges the code and resolves the identity. st must be the
// callback state already consumed for this login.
func (g *Gateway) CompleteLogin(ctx context.Context, name, code string, st *state.CallbackState) (*IdentityClaim, error) {
	p, err := g.Provider(name)
	if err != nil {
		return nil, err
	}
	if st == nil || st.Provider != name {
		return nil, ErrProviderMismatch
	}

	caps := p.Capabilities()
	if !caps.ExchangeCode {
		return nil, fmt.Errorf("%w: code exchange", ErrUnsupported)
	}
	var verifier, nonce string
	if caps.PKCE {
		verifier = st.PKCEVerifier
	}
	if caps.Nonce {
		nonce = st.Nonce
	}

	token, err := p.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, err
	}

	if !caps.FetchProfile {
		return nil, fmt.Errorf("%w: profile fetch", ErrUnsupported)
	}
	claim, err := p.FetchProfile(ctx, token, nonce)
	if err != nil {
		return nil, err
	}
	if claim.SubjectID == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrProviderUnavailable)
	}
	claim.Provider = name
	return claim, nil
}

// unconfiguredProvider stands in for a provider whose credentials are
// missing. It advertises no capabilities.
type unconfiguredProvider struct {
	name string
	typ  ProviderType
}

func (p *unconfiguredProvider) Name() string { return p.name }
func (p *unconfiguredProvider) Type() ProviderType { return p.typ }
func (*unconfiguredProvider) Capabilities() Capabilities { return Capabilities{} }

func (*unconfiguredProvider) AuthorizationURL(string, string, string) (string, error) {
	return "", ErrUnsupported
}

func (*unconfiguredProvider) ExchangeCode(context.Context, string, string) (*oauth2.Token, error) {
	return nil, ErrUnsupported
}

func (*unconfiguredProvider) FetchProfile(context.Context, *oauth2.Token, string) (*IdentityClaim, error) {
	return nil, ErrUnsupported
}

// NewProvider validates cfg and builds the matching variant. OIDC providers
// run discovery here, so an unreachable issuer fails startup.
func NewProvider(ctx context.Context, cfg *ProviderConfig, redirectURL string, opts ...Option) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.HasCredentials() {
		buildOptions(opts).logger.Warn("provider has no client credentials and is disabled", "provider", cfg.Name)
		return &unconfiguredProvider{name: cfg.Name, typ: cfg.Type}, nil
	}

	switch cfg.Type {
	case TypeGitHub:
		return NewGitHubProvider(cfg, redirectURL, opts...), nil
	case TypeGoogle:
		p, err := NewGoogleProvider(ctx, cfg, redirectURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case TypeMicrosoft:
		p, err := NewMicrosoftProvider(cfg, redirectURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case TypeDatatracker:
		p, err := NewDatatrackerProvider(ctx, cfg, redirectURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case TypeMock:
		return NewMockProvider(cfg, redirectURL), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// NewProviders builds every configured provider.
func NewProviders(ctx context.Context, cfgs []ProviderConfig, redirectURL string, opts ...Option) ([]Provider, error) {
	providers := make([]Provider, 0, len(cfgs))
	for i := range cfgs {
		p, err := NewProvider(ctx, &cfgs[i], redirectURL, opts...)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

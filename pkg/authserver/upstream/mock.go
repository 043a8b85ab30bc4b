// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/oauth2"
)

const mockTokenPrefix = "mock-token:"

// MockProvider is a deterministic provider that never leaves the process.
// Its authorization URL points straight back at the callback with the first
// configured code, so a browser login completes without an external service.
type MockProvider struct {
	name        string
	redirectURL string
	users       map[string]MockUser
}

// NewMockProvider builds a mock provider.
func NewMockProvider(cfg *ProviderConfig, redirectURL string) *MockProvider {
	users := map[string]MockUser{
		defaultMockCode: {Subject: defaultMockSubject, Email: defaultMockEmail, Name: defaultMockDisplayName},
	}
	if cfg.Mock != nil && len(cfg.Mock.Users) > 0 {
		users = cfg.Mock.Users
	}
	return &MockProvider{name: cfg.Name, redirectURL: redirectURL, users: users}
}

// Name implements Provider.
func (p *MockProvider) Name() string { return p.name }

// Type implements Provider.
func (*MockProvider) Type() ProviderType { return TypeMock }

// Capabilities implements Provider.
func (*MockProvider) Capabilities() Capabilities {
	return Capabilities{ExchangeCode: true, FetchProfile: true}
}

// AuthorizationURL implements Provider.
func (p *MockProvider) AuthorizationURL(state, _, _ string) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}
	q := url.Values{"code": {p.defaultCode()}, "state": {state}}
	return p.redirectURL + "?" + q.Encode(), nil
}

// ExchangeCode accepts only the configured codes.
func (p *MockProvider) ExchangeCode(_ context.Context, code, _ string) (*oauth2.Token, error) {
	if _, ok := p.users[code]; !ok {
		return nil, ErrInvalidAuthorizationCode
	}
	return &oauth2.Token{AccessToken: mockTokenPrefix + code, TokenType: "Bearer"}, nil
}

// FetchProfile returns the user bound to the exchanged code.
func (p *MockProvider) FetchProfile(_ context.Context, token *oauth2.Token, _ string) (*IdentityClaim, error) {
	code, ok := strings.CutPrefix(token.AccessToken, mockTokenPrefix)
	if !ok {
		return nil, ErrInvalidAuthorizationCode
	}
	u, ok := p.users[code]
	if !ok {
		return nil, ErrInvalidAuthorizationCode
	}
	return &IdentityClaim{
		Provider:     p.name,
		SubjectID:    u.Subject,
		Email:        u.Email,
		DisplayName:  u.Name,
		Affiliations: slices.Clone(u.Affiliations),
		RawProfile:   map[string]any{"sub": u.Subject},
	}, nil
}

func (p *MockProvider) defaultCode() string {
	if _, ok := p.users[defaultMockCode]; ok {
		return defaultMockCode
	}
	codes := make([]string, 0, len(p.users))
	for c := range p.users {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	return codes[0]
}

var _ Provider = (*MockProvider)(nil)

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	// ErrNonceMismatch is returned when the ID token nonce differs from the
	// one sent in the authorization request.
	ErrNonceMismatch = errors.New("ID token nonce does not match expected value")

	// ErrNonceMissing is returned when a nonce was sent but the ID token has none.
	ErrNonceMissing = errors.New("ID token missing nonce claim when nonce was expected")

	// ErrUserInfoSubjectMismatch is returned when the userinfo subject differs
	// from the ID token subject (OIDC Core 5.3.4).
	ErrUserInfoSubjectMismatch = errors.New("userinfo subject does not match expected subject")
)

// idTokenClaims are the ID token claims authd reads.
type idTokenClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	HostedDomain  string `json:"hd"`
}

// baseOIDC extends baseOAuth2 with discovery and ID token verification.
type baseOIDC struct {
	baseOAuth2
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// newBaseOIDC runs discovery against issuer. Discovery failures are fatal
// at construction.
func newBaseOIDC(ctx context.Context, cfg *ProviderConfig, redirectURL, issuer string, o *options) (*baseOIDC, error) {
	ctx = oidc.ClientContext(ctx, o.httpClient)
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("provider %q: failed to discover OIDC endpoints: %w", cfg.Name, err)
	}

	base := newBaseOAuth2(cfg, redirectURL, provider.Endpoint(),
		[]string{oidc.ScopeOpenID, "profile", "email"}, o)

	o.logger.Debug("oidc provider discovered", "provider", cfg.Name, "issuer", issuer)

	return &baseOIDC{
		baseOAuth2: base,
		provider:   provider,
		verifier:   provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// verifyIDToken checks the ID token in the token response and its nonce.
func (b *baseOIDC) verifyIDToken(ctx context.Context, token *oauth2.Token, nonce string) (*oidc.IDToken, *idTokenClaims, map[string]any, error) {
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, nil, nil, fmt.Errorf("%w: token response has no ID token", ErrProviderUnavailable)
	}

	idToken, err := b.verifier.Verify(oidc.ClientContext(ctx, b.httpClient), raw)
	if err != nil {
		b.logger.Warn("id token verification failed", "error", err)
		return nil, nil, nil, fmt.Errorf("%w: ID token verification failed", ErrInvalidAuthorizationCode)
	}
	if nonce != "" {
		if idToken.Nonce == "" {
			return nil, nil, nil, fmt.Errorf("%w: %w", ErrInvalidAuthorizationCode, ErrNonceMissing)
		}
		if idToken.Nonce != nonce {
			return nil, nil, nil, fmt.Errorf("%w: %w", ErrInvalidAuthorizationCode, ErrNonceMismatch)
		}
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: malformed ID token claims", ErrProviderUnavailable)
	}
	var rawClaims map[string]any
	if err := idToken.Claims(&rawClaims); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: malformed ID token claims", ErrProviderUnavailable)
	}
	return idToken, &claims, rawClaims, nil
}

// userInfo fetches the userinfo document and checks its subject.
func (b *baseOIDC) userInfo(ctx context.Context, token *oauth2.Token, subject string) (*oidc.UserInfo, error) {
	info, err := b.provider.UserInfo(oidc.ClientContext(ctx, b.httpClient), oauth2.StaticTokenSource(token))
	if err != nil {
		b.logger.Warn("userinfo request failed", "error", err)
		return nil, fmt.Errorf("%w: userinfo request failed", ErrProviderUnavailable)
	}
	if info.Subject != subject {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ErrUserInfoSubjectMismatch)
	}
	return info, nil
}

func (*baseOIDC) Capabilities() Capabilities {
	return Capabilities{ExchangeCode: true, FetchProfile: true, PKCE: true, Nonce: true}
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// DatatrackerProvider logs users in with IETF Datatracker accounts.
type DatatrackerProvider struct {
	*baseOIDC
}

// NewDatatrackerProvider runs discovery against the Datatracker issuer.
func NewDatatrackerProvider(
	ctx context.Context, cfg *ProviderConfig, redirectURL string, opts ...Option,
) (*DatatrackerProvider, error) {
	issuer := DefaultDatatrackerIssuer
	if cfg.Datatracker != nil {
		issuer = orDefault(cfg.Datatracker.Issuer, issuer)
	}
	base, err := newBaseOIDC(ctx, cfg, redirectURL, issuer, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return &DatatrackerProvider{baseOIDC: base}, nil
}

// AuthorizationURL implements Provider.
func (p *DatatrackerProvider) AuthorizationURL(state, codeChallenge, nonce string) (string, error) {
	return p.authCodeURL(state, codeChallenge, nonce)
}

// FetchProfile verifies the ID token and fills email and name from the
// userinfo endpoint, which Datatracker populates more completely.
func (p *DatatrackerProvider) FetchProfile(ctx context.Context, token *oauth2.Token, nonce string) (*IdentityClaim, error) {
	_, claims, raw, err := p.verifyIDToken(ctx, token, nonce)
	if err != nil {
		return nil, err
	}

	info, err := p.userInfo(ctx, token, claims.Subject)
	if err != nil {
		return nil, err
	}
	var extra struct {
		Name string `json:"name"`
	}
	if err := info.Claims(&extra); err != nil {
		return nil, fmt.Errorf("%w: malformed userinfo response", ErrProviderUnavailable)
	}

	claim := &IdentityClaim{
		Provider:    p.name,
		SubjectID:   claims.Subject,
		Email:       claims.Email,
		DisplayName: orDefault(claims.Name, extra.Name),
		RawProfile:  raw,
	}
	if info.EmailVerified && info.Email != "" {
		claim.Email = info.Email
	}
	return claim, nil
}

var _ Provider = (*DatatrackerProvider)(nil)

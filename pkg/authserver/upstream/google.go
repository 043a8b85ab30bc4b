// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// GoogleProvider logs users in with Google accounts.
type GoogleProvider struct {
	*baseOIDC
	hostedDomain string
}

// NewGoogleProvider runs discovery against the Google issuer.
func NewGoogleProvider(ctx context.Context, cfg *ProviderConfig, redirectURL string, opts ...Option) (*GoogleProvider, error) {
	gc := cfg.Google
	if gc == nil {
		gc = &GoogleConfig{}
	}
	base, err := newBaseOIDC(ctx, cfg, redirectURL, orDefault(gc.Issuer, DefaultGoogleIssuer), buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return &GoogleProvider{baseOIDC: base, hostedDomain: gc.HostedDomain}, nil
}

// AuthorizationURL implements Provider.
func (p *GoogleProvider) AuthorizationURL(state, codeChallenge, nonce string) (string, error) {
	var extra []oauth2.AuthCodeOption
	if p.hostedDomain != "" {
		extra = append(extra, oauth2.SetAuthURLParam("hd", p.hostedDomain))
	}
	return p.authCodeURL(state, codeChallenge, nonce, extra...)
}

// FetchProfile verifies the ID token. The hosted domain claim becomes the
// user's affiliation and is enforced when a domain is configured.
func (p *GoogleProvider) FetchProfile(ctx context.Context, token *oauth2.Token, nonce string) (*IdentityClaim, error) {
	_, claims, raw, err := p.verifyIDToken(ctx, token, nonce)
	if err != nil {
		return nil, err
	}
	if p.hostedDomain != "" && claims.HostedDomain != p.hostedDomain {
		p.logger.Info("rejecting login from outside hosted domain")
		return nil, fmt.Errorf("%w: account is not in the allowed domain", ErrInvalidAuthorizationCode)
	}

	claim := &IdentityClaim{
		Provider:    p.name,
		SubjectID:   claims.Subject,
		DisplayName: claims.Name,
		RawProfile:  raw,
	}
	if claims.EmailVerified {
		claim.Email = claims.Email
	}
	if claims.HostedDomain != "" {
		claim.Affiliations = []string{claims.HostedDomain}
	}
	return claim, nil
}

var _ Provider = (*GoogleProvider)(nil)

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// MicrosoftProvider logs users in from a single Entra ID tenant and reads
// the profile from Microsoft Graph.
type MicrosoftProvider struct {
	baseOAuth2
	tenant   string
	graphURL string
}

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// NewMicrosoftProvider builds a tenant-scoped Microsoft provider.
func NewMicrosoftProvider(cfg *ProviderConfig, redirectURL string, opts ...Option) (*MicrosoftProvider, error) {
	mc := cfg.Microsoft
	if mc == nil || mc.Tenant == "" {
		return nil, fmt.Errorf("provider %q: microsoft.tenant is required", cfg.Name)
	}

	endpoint := microsoft.AzureADEndpoint(mc.Tenant)
	endpoint.AuthURL = orDefault(mc.AuthURL, endpoint.AuthURL)
	endpoint.TokenURL = orDefault(mc.TokenURL, endpoint.TokenURL)

	return &MicrosoftProvider{
		baseOAuth2: newBaseOAuth2(cfg, redirectURL, endpoint, []string{"openid", "profile", "email", "User.Read"}, buildOptions(opts)),
		tenant:     mc.Tenant,
		graphURL:   strings.TrimSuffix(orDefault(mc.GraphURL, DefaultMicrosoftGraphURL), "/"),
	}, nil
}

// Capabilities implements Provider. The ID token is not used; Graph is the
// source of identity.
func (*MicrosoftProvider) Capabilities() Capabilities {
	return Capabilities{ExchangeCode: true, FetchProfile: true, PKCE: true}
}

// AuthorizationURL implements Provider.
func (p *MicrosoftProvider) AuthorizationURL(state, codeChallenge, _ string) (string, error) {
	return p.authCodeURL(state, codeChallenge, "")
}

// FetchProfile reads /me from Microsoft Graph.
func (p *MicrosoftProvider) FetchProfile(ctx context.Context, token *oauth2.Token, _ string) (*IdentityClaim, error) {
	var me graphUser
	if err := p.getJSON(ctx, token, p.graphURL+"/me", &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, fmt.Errorf("%w: profile has no user id", ErrProviderUnavailable)
	}

	return &IdentityClaim{
		Provider:     p.name,
		SubjectID:    me.ID,
		Email:        orDefault(me.Mail, me.UserPrincipalName),
		DisplayName:  me.DisplayName,
		Affiliations: []string{p.tenant},
		RawProfile: map[string]any{
			"id":                me.ID,
			"displayName":       me.DisplayName,
			"userPrincipalName": me.UserPrincipalName,
		},
	}, nil
}

var _ Provider = (*MicrosoftProvider)(nil)

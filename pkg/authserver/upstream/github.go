// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// GitHubProvider logs users in with GitHub OAuth apps. GitHub has no ID
// token, so identity comes from the REST API.
type GitHubProvider struct {
	baseOAuth2
	apiURL string
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type githubOrg struct {
	Login string `json:"login"`
}

// NewGitHubProvider builds a GitHub provider.
func NewGitHubProvider(cfg *ProviderConfig, redirectURL string, opts ...Option) *GitHubProvider {
	endpoint := github.Endpoint
	apiURL := DefaultGitHubAPIURL
	if gc := cfg.GitHub; gc != nil {
		endpoint.AuthURL = orDefault(gc.AuthURL, endpoint.AuthURL)
		endpoint.TokenURL = orDefault(gc.TokenURL, endpoint.TokenURL)
		apiURL = orDefault(gc.APIURL, apiURL)
	}
	return &GitHubProvider{
		baseOAuth2: newBaseOAuth2(cfg, redirectURL, endpoint, []string{"read:user", "user:email", "read:org"}, buildOptions(opts)),
		apiURL:     strings.TrimSuffix(apiURL, "/"),
	}
}

// Capabilities implements Provider.
func (*GitHubProvider) Capabilities() Capabilities {
	return Capabilities{ExchangeCode: true, FetchProfile: true, PKCE: true}
}

// AuthorizationURL implements Provider. GitHub ignores the nonce.
func (p *GitHubProvider) AuthorizationURL(state, codeChallenge, _ string) (string, error) {
	return p.authCodeURL(state, codeChallenge, "")
}

// FetchProfile reads /user, falls back to /user/emails for a verified
// primary address, and lists organisation memberships as affiliations.
func (p *GitHubProvider) FetchProfile(ctx context.Context, token *oauth2.Token, _ string) (*IdentityClaim, error) {
	var user githubUser
	if err := p.getJSON(ctx, token, p.apiURL+"/user", &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: profile has no user id", ErrProviderUnavailable)
	}

	email := user.Email
	if email == "" {
		var emails []githubEmail
		if err := p.getJSON(ctx, token, p.apiURL+"/user/emails", &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				email = e.Email
				break
			}
		}
	}

	// Organisation visibility depends on the granted scopes; a failure here
	// only costs the user their affiliations.
	var orgs []githubOrg
	var affiliations []string
	if err := p.getJSON(ctx, token, p.apiURL+"/user/orgs", &orgs); err != nil {
		p.logger.Info("could not list github organisations", "error", err)
	} else {
		for _, o := range orgs {
			affiliations = append(affiliations, o.Login)
		}
	}

	return &IdentityClaim{
		Provider:     p.name,
		SubjectID:    strconv.FormatInt(user.ID, 10),
		Email:        email,
		DisplayName:  orDefault(user.Name, user.Login),
		Affiliations: affiliations,
		RawProfile: map[string]any{
			"id":    user.ID,
			"login": user.Login,
			"name":  user.Name,
		},
	}, nil
}

var _ Provider = (*GitHubProvider)(nil)

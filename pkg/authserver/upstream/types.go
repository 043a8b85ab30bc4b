// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
	"golang.org/x/oauth2"
)

// ProviderType identifies the kind of upstream identity provider.
type ProviderType string

const (
	// TypeGitHub is GitHub OAuth apps.
	TypeGitHub ProviderType = "github"
	// TypeGoogle is Google accounts via OpenID Connect.
	TypeGoogle ProviderType = "google"
	// TypeMicrosoft is a single Microsoft Entra ID tenant.
	TypeMicrosoft ProviderType = "microsoft"
	// TypeDatatracker is the IETF Datatracker OpenID Connect provider.
	TypeDatatracker ProviderType = "datatracker"
	// TypeMock is a deterministic in-process provider for tests and local use.
	TypeMock ProviderType = "mock"
)

var (
	// ErrProviderUnavailable is returned when the provider cannot be reached,
	// answers with a server error, or returns a malformed response.
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	// ErrInvalidAuthorizationCode is returned when the provider rejects the code.
	ErrInvalidAuthorizationCode = errors.New("authorization code rejected by identity provider")

	// ErrUnknownProvider is returned for a provider name that is not configured.
	ErrUnknownProvider = httperr.WithCode(errors.New("unknown provider"), http.StatusBadRequest)

	// ErrUnsupported is returned when a provider lacks the capability an
	// operation needs. The call is never attempted.
	ErrUnsupported = httperr.WithCode(errors.New("operation not supported by provider"), http.StatusBadRequest)

	// ErrProviderMismatch is returned when a callback state was issued for a
	// different provider than the one completing the login.
	ErrProviderMismatch = httperr.WithCode(errors.New("state was issued for another provider"), http.StatusUnauthorized)
)

// Capabilities lists what a provider can do. The Gateway checks these flags
// before every call.
type Capabilities struct {
	// ExchangeCode is set when the provider can redeem authorization codes.
	ExchangeCode bool
	// FetchProfile is set when the provider can resolve the user's identity.
	FetchProfile bool
	// PKCE is set when the provider accepts an S256 code challenge.
	PKCE bool
	// Nonce is set when the provider returns an ID token bound to a nonce.
	Nonce bool
}

// IdentityClaim is the normalized identity a provider vouches for. It lives
// only for the duration of a callback and is never persisted.
type IdentityClaim struct {
	Provider    string
	SubjectID   string
	Email       string
	DisplayName string

	// Affiliations are organisation-level memberships: GitHub organisations,
	// the Google hosted domain or the Microsoft tenant.
	Affiliations []string

	RawProfile map[string]any
}

// Subject returns the stable credential subject "{provider}:{subject_id}".
func (c *IdentityClaim) Subject() string {
	return c.Provider + ":" + c.SubjectID
}

// Provider talks to one upstream identity provider.
type Provider interface {
	// Name is the configured provider name used in /login?provider=.
	Name() string

	Type() ProviderType

	Capabilities() Capabilities

	// AuthorizationURL builds the redirect to the provider. codeChallenge and
	// nonce are empty when the provider lacks the matching capability.
	AuthorizationURL(state, codeChallenge, nonce string) (string, error)

	// ExchangeCode redeems an authorization code. The returned token is used
	// for a single profile fetch and then discarded.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// FetchProfile resolves the identity behind token. nonce is the value sent
	// in the authorization request, if any.
	FetchProfile(ctx context.Context, token *oauth2.Token, nonce string) (*IdentityClaim, error)
}

// ProviderInfo is the public description of a provider.
type ProviderInfo struct {
	Name       string       `json:"name"`
	Type       ProviderType `json:"type"`
	Configured bool         `json:"configured"`
}

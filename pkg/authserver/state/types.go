// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package state provides the single-use login-attempt tokens that protect the
// OAuth callback against CSRF and replay.
//
// A CallbackState is issued when a login starts and carries the nonce and
// PKCE verifier for the upstream exchange. It can be consumed exactly once,
// and only before it expires. The validity window is configured separately
// from the lifetime of the credentials minted after a successful login.
package state

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"time"

	"github.com/stacklok/toolhive-core/httperr"
	"golang.org/x/oauth2"
)

// DefaultTTL is the default validity window of a login attempt.
const DefaultTTL = 10 * time.Minute

// DefaultCleanupInterval is how often the in-memory store drops old records.
const DefaultCleanupInterval = time.Minute

var (
	// ErrInvalidState is returned for a token the store never issued.
	ErrInvalidState = httperr.WithCode(errors.New("invalid state"), http.StatusUnauthorized)

	// ErrExpiredState is returned for a token past its expiry, whether or not
	// it was consumed.
	ErrExpiredState = httperr.WithCode(errors.New("state expired"), http.StatusUnauthorized)

	// ErrStateAlreadyUsed is returned when a token is presented a second time.
	ErrStateAlreadyUsed = httperr.WithCode(errors.New("state already used"), http.StatusUnauthorized)
)

// CallbackState is a single-use login attempt.
type CallbackState struct {
	// Token is the opaque value sent as the OAuth state parameter.
	Token string

	// Provider is the identity provider the login was started against.
	Provider string

	CreatedAt time.Time
	ExpiresAt time.Time

	// Nonce binds the upstream ID token to this login attempt.
	Nonce string

	// PKCEVerifier is the code verifier whose S256 challenge was sent upstream.
	PKCEVerifier string

	// Consumed flips from false to true exactly once.
	Consumed bool
}

// CodeChallenge returns the S256 PKCE challenge for the verifier.
func (s *CallbackState) CodeChallenge() string {
	return oauth2.S256ChallengeFromVerifier(s.PKCEVerifier)
}

// Store issues and consumes callback states.
type Store interface {
	// Issue creates a new state for a login against provider.
	Issue(ctx context.Context, provider string) (*CallbackState, error)

	// ValidateAndConsume atomically marks the state consumed and returns it.
	// Exactly one of any number of concurrent callers presenting the same
	// token succeeds.
	ValidateAndConsume(ctx context.Context, token string) (*CallbackState, error)

	// Close releases resources held by the store.
	Close() error
}

// newCallbackState builds a fresh state with random token, nonce and verifier.
func newCallbackState(provider string, now time.Time, ttl time.Duration) *CallbackState {
	return &CallbackState{
		Token:        rand.Text(),
		Provider:     provider,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Nonce:        rand.Text(),
		PKCEVerifier: oauth2.GenerateVerifier(),
	}
}

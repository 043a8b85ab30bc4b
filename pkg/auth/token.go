// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth verifies credentials issued by authd. Dependent services
// use it to check bearer tokens against the published JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// Common errors
var (
	ErrNoToken          = errors.New("no token provided")
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrInvalidAudience  = errors.New("invalid audience")
	ErrUnknownKeyID     = errors.New("unknown key id")
	ErrNotReady         = errors.New("verification keys not loaded")
	ErrKeysUnavailable  = errors.New("failed to fetch verification keys")
	ErrMissingJWKSURL   = errors.New("missing JWKS URL")
)

// Verifier defaults.
const (
	DefaultRetries            = 5
	DefaultRetryDelay         = 500 * time.Millisecond
	DefaultRefreshMinInterval = 10 * time.Second
	DefaultLeeway             = 30 * time.Second
)

// DefaultAlgorithms are the signature algorithms accepted when none are
// configured. Shared-secret algorithms must be enabled explicitly.
var DefaultAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256"}

// StatusCode maps a verification error to an HTTP status: 503 while keys
// are unavailable, 401 otherwise.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrKeysUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// Claims are the verified contents of a credential.
type Claims struct {
	jwt.RegisteredClaims
	Roles        []string `json:"roles"`
	Affiliations []string `json:"affiliations,omitempty"`
	Email        string   `json:"email,omitempty"`
	Name         string   `json:"name,omitempty"`
	Provider     string   `json:"provider,omitempty"`
}

// HasRole reports whether the credential grants role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// Audience must appear in the aud claim. Empty skips the check.
	Audience string

	// Algorithms lists the accepted signature algorithms.
	Algorithms []string

	// Retries is the number of JWKS fetch attempts made by WaitReady.
	Retries int

	// RetryDelay is the constant delay between fetch attempts.
	RetryDelay time.Duration

	// RefreshMinInterval rate-limits refreshes triggered by unknown key ids.
	RefreshMinInterval time.Duration

	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration

	// CookieName, when set, is read if the request has no Authorization header.
	CookieName string
}

// Verifier checks credential signatures and claims.
type Verifier struct {
	source     KeySource
	issuer     string
	audience   string
	algorithms []string
	retries    int
	retryDelay time.Duration
	leeway     time.Duration
	cookieName string
	limiter    *rate.Limiter
	ready      atomic.Bool
	startOnce  sync.Once
	now        func() time.Time
	logger     *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithClock replaces the time source used for expiry checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a Verifier over source. The verifier is not ready
// until WaitReady succeeds or Start has loaded the keys.
func NewVerifier(source KeySource, cfg VerifierConfig, opts ...VerifierOption) (*Verifier, error) {
	if source == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.Retries < 0 || cfg.RetryDelay < 0 {
		return nil, errors.New("retries and retry delay must not be negative")
	}

	v := &Verifier{
		source:     source,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		algorithms: cfg.Algorithms,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		leeway:     cfg.Leeway,
		cookieName: cfg.CookieName,
		now:        time.Now,
		logger:     slog.New(slog.DiscardHandler),
	}
	if len(v.algorithms) == 0 {
		v.algorithms = DefaultAlgorithms
	}
	if v.retries == 0 {
		v.retries = DefaultRetries
	}
	if v.retryDelay == 0 {
		v.retryDelay = DefaultRetryDelay
	}
	if v.leeway == 0 {
		v.leeway = DefaultLeeway
	}
	interval := cfg.RefreshMinInterval
	if interval <= 0 {
		interval = DefaultRefreshMinInterval
	}
	v.limiter = rate.NewLimiter(rate.Every(interval), 1)

	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Ready reports whether verification keys have been loaded.
func (v *Verifier) Ready() bool {
	return v.ready.Load()
}

// WaitReady loads the keys, retrying with a constant delay. It returns an
// error wrapping ErrKeysUnavailable once every attempt has failed; callers
// treat that as fatal at startup.
func (v *Verifier) WaitReady(ctx context.Context) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, v.source.Refresh(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(v.retryDelay)),
		backoff.WithMaxTries(uint(v.retries)), // #nosec G115 -- validated non-negative
		backoff.WithNotify(func(err error, next time.Duration) {
			v.logger.WarnContext(ctx, "verification keys not available yet",
				"attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		if !errors.Is(err, ErrKeysUnavailable) {
			err = fmt.Errorf("%w: %w", ErrKeysUnavailable, err)
		}
		return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
	}

	v.ready.Store(true)
	v.logger.DebugContext(ctx, "verification keys loaded")
	return nil
}

// Start loads the keys in the background and returns immediately. Until
// the keys are loaded, Verify returns ErrNotReady and Middleware answers
// 503. Rounds of WaitReady repeat until one succeeds or ctx is done.
// Calling Start more than once has no effect.
func (v *Verifier) Start(ctx context.Context) {
	v.startOnce.Do(func() {
		go func() {
			for {
				err := v.WaitReady(ctx)
				if err == nil || ctx.Err() != nil {
					return
				}
				v.logger.ErrorContext(ctx, "failed to load verification keys", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(v.retryDelay):
				}
			}
		}()
	})
}

// Verify checks the token's signature, algorithm, issuer, audience and
// lifetime and returns its claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if !v.Ready() {
		return nil, ErrNotReady
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(parserOpts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	})
	if err != nil {
		return nil, classifyError(err)
	}
	return claims, nil
}

// key resolves kid, refreshing the key source once if kid is unknown and
// the refresh limiter allows it.
func (v *Verifier) key(ctx context.Context, kid string) (any, error) {
	key, err := v.source.Key(ctx, kid)
	if !errors.Is(err, ErrUnknownKeyID) || !v.limiter.Allow() {
		return key, err
	}

	v.logger.DebugContext(ctx, "unknown key id, refreshing verification keys", "kid", kid)
	if rerr := v.source.Refresh(ctx); rerr != nil {
		v.logger.WarnContext(ctx, "failed to refresh verification keys", "error", rerr)
		return nil, err
	}
	return v.source.Key(ctx, kid)
}

func classifyError(err error) error {
	var sentinel error
	switch {
	case errors.Is(err, ErrNotReady):
		return ErrNotReady
	case errors.Is(err, ErrKeysUnavailable):
		sentinel = ErrKeysUnavailable
	case errors.Is(err, ErrUnknownKeyID):
		sentinel = ErrUnknownKeyID
	case errors.Is(err, jwt.ErrTokenMalformed):
		sentinel = ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		sentinel = ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		sentinel = ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		sentinel = ErrInvalidAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		sentinel = ErrInvalidIssuer
	default:
		sentinel = ErrInvalidToken
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// DefaultJWKSFetchTimeout bounds a single JWKS fetch.
const DefaultJWKSFetchTimeout = 5 * time.Second

// KeySource supplies verification keys by key id.
type KeySource interface {
	// Refresh loads the current key material. It blocks until the keys are
	// fetched or the fetch fails.
	Refresh(ctx context.Context) error

	// Key returns the key for kid. It returns ErrNotReady before the first
	// successful Refresh and ErrUnknownKeyID when no key carries kid.
	Key(ctx context.Context, kid string) (any, error)
}

// JWKSKeySource reads keys from a remote JWKS document through a jwk.Cache,
// which also refreshes the document in the background once loaded.
type JWKSKeySource struct {
	url          string
	cache        *jwk.Cache
	fetchTimeout time.Duration
	loaded       atomic.Bool
	cancel       context.CancelFunc
}

// NewJWKSKeySource creates a key source for the JWKS at url. No request is
// made until Refresh is called. httpClient may be nil.
func NewJWKSKeySource(ctx context.Context, url string, httpClient *http.Client) (*JWKSKeySource, error) {
	if url == "" {
		return nil, ErrMissingJWKSURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultJWKSFetchTimeout}
	}

	cacheCtx, cancel := context.WithCancel(ctx)
	cache, err := jwk.NewCache(cacheCtx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	if err := cache.Register(cacheCtx, url, jwk.WithWaitReady(false)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	return &JWKSKeySource{
		url:          url,
		cache:        cache,
		fetchTimeout: DefaultJWKSFetchTimeout,
		cancel:       cancel,
	}, nil
}

// Refresh implements KeySource.
func (s *JWKSKeySource) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	if _, err := s.cache.Refresh(ctx, s.url); err != nil {
		return fmt.Errorf("%w: %w", ErrKeysUnavailable, err)
	}
	s.loaded.Store(true)
	return nil
}

// Key implements KeySource.
func (s *JWKSKeySource) Key(ctx context.Context, kid string) (any, error) {
	if !s.loaded.Load() {
		return nil, ErrNotReady
	}
	set, err := s.cache.Lookup(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeysUnavailable, err)
	}
	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyID, kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key %q: %w", kid, err)
	}
	return raw, nil
}

// Close stops background refreshes.
func (s *JWKSKeySource) Close() error {
	s.cancel()
	return nil
}

// KeyResolver is implemented by anything that can look up a verification
// key in-process, such as the auth server's key custodian.
type KeyResolver interface {
	VerificationKey(ctx context.Context, kid string) (any, error)
}

// StaticKeySource adapts a KeyResolver. It is always ready.
type StaticKeySource struct {
	resolver KeyResolver
}

// NewStaticKeySource wraps resolver.
func NewStaticKeySource(resolver KeyResolver) *StaticKeySource {
	return &StaticKeySource{resolver: resolver}
}

// Refresh implements KeySource.
func (*StaticKeySource) Refresh(context.Context) error {
	return nil
}

// Key implements KeySource.
func (s *StaticKeySource) Key(ctx context.Context, kid string) (any, error) {
	key, err := s.resolver.VerificationKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownKeyID, err)
	}
	return key, nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps callback states in a map guarded by a mutex.
// It is suitable for single-replica deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*CallbackState

	ttl             time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithTTL sets the validity window of issued states.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithCleanupInterval sets how often expired states are dropped.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a MemoryStore and starts its cleanup goroutine.
// Expired states are kept for one extra TTL so a late callback is reported
// as expired rather than unknown.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		states:          make(map[string]*CallbackState),
		ttl:             DefaultTTL,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retention = s.ttl

	go s.cleanupLoop()
	return s
}

// Issue implements Store.
func (s *MemoryStore) Issue(_ context.Context, provider string) (*CallbackState, error) {
	st := newCallbackState(provider, s.now(), s.ttl)

	s.mu.Lock()
	s.states[st.Token] = st
	s.mu.Unlock()

	out := *st
	return &out, nil
}

// ValidateAndConsume implements Store.
func (s *MemoryStore) ValidateAndConsume(_ context.Context, token string) (*CallbackState, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[token]
	if !ok {
		return nil, ErrInvalidState
	}
	if !now.Before(st.ExpiresAt) {
		return nil, ErrExpiredState
	}
	if st.Consumed {
		return nil, ErrStateAlreadyUsed
	}
	st.Consumed = true

	out := *st
	return &out, nil
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// Len reports how many states are currently held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired drops states whose retention window has passed.
func (s *MemoryStore) cleanupExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for token, st := range s.states {
		if now.After(st.ExpiresAt.Add(s.retention)) {
			delete(s.states, token)
		}
	}
}

var _ Store = (*MemoryStore)(nil)

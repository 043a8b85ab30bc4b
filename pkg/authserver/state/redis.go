// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authd/pkg/authserver/storage"
)

const keyTypeState = "state"

// RedisStore keeps callback states as Redis hashes so that every replica
// sees the same login attempts. The key expires one TTL after the state
// itself so late callbacks still report ErrExpiredState.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisTTL sets the validity window of issued states.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRedisClock replaces the time source.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		s.now = now
	}
}

// NewRedisStore creates a RedisStore with a pre-configured client.
// The store takes ownership of the client and closes it on Close.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       DefaultTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(token string) string {
	return storage.Key(s.keyPrefix, keyTypeState, token)
}

// Issue implements Store.
func (s *RedisStore) Issue(ctx context.Context, provider string) (*CallbackState, error) {
	st := newCallbackState(provider, s.now(), s.ttl)
	key := s.key(st.Token)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"provider", st.Provider,
			"created_at", st.CreatedAt.UnixMilli(),
			"expires_at", st.ExpiresAt.UnixMilli(),
			"nonce", st.Nonce,
			"verifier", st.PKCEVerifier,
			"consumed", "0",
		)
		pipe.PExpire(ctx, key, 2*s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store callback state: %w", err)
	}
	return st, nil
}

// consumeScript checks expiry, then the consumed flag, and flips the flag in
// one atomic step. Expiry is checked first so an expired token is always
// reported as expired.
var consumeScript = redis.NewScript(`
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
	return {'missing'}
end
local rec = {}
for i = 1, #fields, 2 do
	rec[fields[i]] = fields[i + 1]
end
if tonumber(rec['expires_at']) <= tonumber(ARGV[1]) then
	return {'expired'}
end
if rec['consumed'] == '1' then
	return {'used'}
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return {'ok', rec['provider'], rec['created_at'], rec['expires_at'], rec['nonce'], rec['verifier']}
`)

// ValidateAndConsume implements Store.
func (s *RedisStore) ValidateAndConsume(ctx context.Context, token string) (*CallbackState, error) {
	if token == "" {
		return nil, ErrInvalidState
	}

	res, err := consumeScript.Run(ctx, s.client, []string{s.key(token)}, s.now().UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to consume callback state: %w", err)
	}

	switch res[0] {
	case "missing":
		return nil, ErrInvalidState
	case "expired":
		return nil, ErrExpiredState
	case "used":
		return nil, ErrStateAlreadyUsed
	case "ok":
	default:
		return nil, fmt.Errorf("unexpected consume result %q", res[0])
	}
	if len(res) != 6 {
		return nil, fmt.Errorf("malformed callback state record")
	}

	createdAt, err := strconv.ParseInt(res[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed created_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(res[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed expires_at: %w", err)
	}

	return &CallbackState{
		Token:        token,
		Provider:     res[1],
		CreatedAt:    time.UnixMilli(createdAt),
		ExpiresAt:    time.UnixMilli(expiresAt),
		Nonce:        res[4],
		PKCEVerifier: res[5],
		Consumed:     true,
	}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)

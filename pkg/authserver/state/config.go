// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/authd/pkg/authserver/storage"
)

// Config selects the state backend and the login-attempt validity window.
type Config struct {
	// Backend is "memory" (default) or "redis".
	Backend storage.Type `yaml:"backend,omitempty"`

	// TTL is how long a login attempt stays valid. It is unrelated to the
	// lifetime of issued credentials.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// Validate checks the backend name and TTL.
func (c *Config) Validate() error {
	if c.Backend != "" {
		if err := storage.ValidateType(c.Backend, storage.TypeMemory, storage.TypeRedis); err != nil {
			return fmt.Errorf("state: %w", err)
		}
	}
	if c.TTL < 0 {
		return fmt.Errorf("state: ttl must not be negative")
	}
	return nil
}

// NewStore builds the configured store. redisCfg is required for the redis
// backend only.
func NewStore(ctx context.Context, cfg Config, redisCfg *storage.RedisConfig) (Store, error) {
	switch cfg.Backend {
	case storage.TypeMemory, "":
		return NewMemoryStore(WithTTL(cfg.TTL)), nil
	case storage.TypeRedis:
		if redisCfg == nil {
			return nil, fmt.Errorf("state: redis backend selected but redis is not configured")
		}
		client, err := storage.NewRedisClient(ctx, *redisCfg)
		if err != nil {
			return nil, fmt.Errorf("state: %w", err)
		}
		return NewRedisStore(client, redisCfg.KeyPrefix, WithRedisTTL(cfg.TTL)), nil
	default:
		return nil, fmt.Errorf("state: unsupported backend %q", cfg.Backend)
	}
}

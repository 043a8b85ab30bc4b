// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/authd/pkg/authserver/storage"
)

// Config selects the role store backend.
type Config struct {
	// Backend is "memory" (default), "redis" or "sqlite".
	Backend storage.Type `yaml:"backend,omitempty"`

	// SQLitePath is the database file of the sqlite backend.
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// Validate checks the backend name and its required settings.
func (c *Config) Validate() error {
	if c.Backend == "" {
		return nil
	}
	if err := storage.ValidateType(c.Backend, storage.TypeMemory, storage.TypeRedis, storage.TypeSQLite); err != nil {
		return fmt.Errorf("roles: %w", err)
	}
	if c.Backend == storage.TypeSQLite && c.SQLitePath == "" {
		return errors.New("roles: sqlite_path is required for the sqlite backend")
	}
	return nil
}

// NewBackend builds the configured backend. redisCfg is required for the
// redis backend only.
func NewBackend(ctx context.Context, cfg Config, redisCfg *storage.RedisConfig) (Backend, error) {
	switch cfg.Backend {
	case storage.TypeMemory, "":
		return NewMemoryBackend(), nil
	case storage.TypeRedis:
		if redisCfg == nil {
			return nil, errors.New("roles: redis backend selected but redis is not configured")
		}
		client, err := storage.NewRedisClient(ctx, *redisCfg)
		if err != nil {
			return nil, fmt.Errorf("roles: %w", err)
		}
		return NewRedisBackend(client, redisCfg.KeyPrefix), nil
	case storage.TypeSQLite:
		b, err := NewSQLiteBackend(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("roles: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("roles: unsupported backend %q", cfg.Backend)
	}
}

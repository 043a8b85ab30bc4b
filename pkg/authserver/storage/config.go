// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage holds the connection plumbing shared by the durable
// backends of the state and role stores.
package storage

import (
	"errors"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory keeps data in process memory (default).
	TypeMemory Type = "memory"

	// TypeRedis keeps data in Redis, standalone or behind Sentinel.
	TypeRedis Type = "redis"

	// TypeSQLite keeps data in a local SQLite database file.
	TypeSQLite Type = "sqlite"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces every key written by authd.
const DefaultKeyPrefix = "authd:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of a standalone server. Ignored when Sentinel is set.
	Addr string `yaml:"addr,omitempty"`

	Username string `yaml:"username,omitempty"`

	// Password is resolved from PasswordEnv by the config loader and is
	// never read from the YAML file directly.
	Password string `yaml:"-"`

	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `yaml:"password_env,omitempty"`

	DB int `yaml:"db,omitempty"`

	// KeyPrefix for multi-tenancy, e.g. "authd:prod:".
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	Sentinel *SentinelConfig `yaml:"sentinel,omitempty"`

	DialTimeout  time.Duration `yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string   `yaml:"master_name"`
	SentinelAddrs []string `yaml:"addrs"`
}

// Validate checks that a server address is configured.
func (c *RedisConfig) Validate() error {
	if c.Sentinel != nil {
		if c.Sentinel.MasterName == "" {
			return errors.New("redis sentinel master_name is required")
		}
		if len(c.Sentinel.SentinelAddrs) == 0 {
			return errors.New("at least one redis sentinel address is required")
		}
		return nil
	}
	if c.Addr == "" {
		return errors.New("redis addr is required")
	}
	return nil
}

// ValidateType rejects unknown backend names. Allowed lists the backends the
// caller supports.
func ValidateType(t Type, allowed ...Type) error {
	for _, a := range allowed {
		if t == a {
			return nil
		}
	}
	return fmt.Errorf("unsupported storage backend %q (allowed: %v)", t, allowed)
}

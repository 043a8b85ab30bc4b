// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Type selects the custody mode.
type Type string

const (
	// TypeLocal signs with key material read from files.
	TypeLocal Type = "local"

	// TypeRemote signs through AWS KMS.
	TypeRemote Type = "remote"

	// TypeEphemeral generates a throwaway RSA key at startup. Development only.
	TypeEphemeral Type = "ephemeral"
)

// Config is the signing section of the server configuration.
type Config struct {
	Type   Type          `yaml:"type"`
	Local  *LocalConfig  `yaml:"local,omitempty"`
	Remote *RemoteConfig `yaml:"remote,omitempty"`
}

// Validate checks that the block matching Type is present and valid and
// that no other block is set.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeLocal:
		if c.Remote != nil {
			return errors.New("signing: remote block is not valid for type local")
		}
		if c.Local == nil {
			return errors.New("signing: local block is required for type local")
		}
		if err := c.Local.Validate(); err != nil {
			return fmt.Errorf("signing: %w", err)
		}
	case TypeRemote:
		if c.Local != nil {
			return errors.New("signing: local block is not valid for type remote")
		}
		if c.Remote == nil {
			return errors.New("signing: remote block is required for type remote")
		}
		if err := c.Remote.Validate(); err != nil {
			return fmt.Errorf("signing: %w", err)
		}
	case TypeEphemeral:
		if c.Local != nil || c.Remote != nil {
			return errors.New("signing: ephemeral custody takes no key configuration")
		}
	default:
		return fmt.Errorf("signing: unknown type %q", c.Type)
	}
	return nil
}

// NewCustodian builds the configured custodian. Any error is fatal at
// startup and wraps ErrSigningUnavailable.
func NewCustodian(ctx context.Context, cfg Config, logger *slog.Logger) (Custodian, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	switch cfg.Type {
	case TypeLocal:
		return NewLocalCustodian(*cfg.Local, WithLocalLogger(logger))
	case TypeRemote:
		return NewRemoteCustodian(ctx, *cfg.Remote, WithRemoteLogger(logger))
	default:
		return NewEphemeralCustodian(WithLocalLogger(logger))
	}
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credential mints the signed bearer credentials handed to users
// after a successful login.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/authd/pkg/authserver/keys"
	"github.com/stacklok/authd/pkg/authserver/rbac"
	"github.com/stacklok/authd/pkg/authserver/upstream"
)

// DefaultTTL is the credential lifetime used when none is configured.
const DefaultTTL = time.Hour

// ErrIssuance is returned when a credential cannot be signed.
var ErrIssuance = httperr.WithCode(errors.New("credential issuance failed"), http.StatusInternalServerError)

// Config holds the claims shared by every issued credential.
type Config struct {
	// Issuer is the iss claim, normally the public URL of the server.
	Issuer string `yaml:"-"`

	// Audiences lists the services that accept the credential.
	Audiences []string `yaml:"audiences"`

	// TTL is the credential lifetime.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// Validate checks the issuer, audiences and lifetime.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("credential: issuer is required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("credential: at least one audience is required")
	}
	if slices.Contains(c.Audiences, "") {
		return errors.New("credential: audiences must not be empty strings")
	}
	if c.TTL < 0 {
		return errors.New("credential: ttl must not be negative")
	}
	return nil
}

// Claims is the JWT payload of a credential.
type Claims struct {
	josejwt.Claims
	Roles        []string `json:"roles"`
	Affiliations []string `json:"affiliations,omitempty"`
	Email        string   `json:"email,omitempty"`
	Name         string   `json:"name,omitempty"`
	Provider     string   `json:"provider"`
}

// Credential is an issued, signed bearer token and the values it carries.
type Credential struct {
	Token        string
	ID           string
	Subject      string
	Issuer       string
	Audience     []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Roles        []string
	Affiliations []string
	KeyID        string
	Algorithm    string
}

// ExpiresIn returns the remaining lifetime at now, rounded down to seconds.
func (c *Credential) ExpiresIn(now time.Time) time.Duration {
	d := c.ExpiresAt.Sub(now).Truncate(time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// Issuer signs credentials through a keys.Custodian.
type Issuer struct {
	custodian keys.Custodian
	issuer    string
	audiences []string
	ttl       time.Duration
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIssuer creates an Issuer.
func NewIssuer(custodian keys.Custodian, cfg Config, opts ...Option) (*Issuer, error) {
	if custodian == nil {
		return nil, errors.New("credential: custodian is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	i := &Issuer{
		custodian: custodian,
		issuer:    cfg.Issuer,
		audiences: slices.Clone(cfg.Audiences),
		ttl:       ttl,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the lifetime of issued credentials.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a credential for claim. Roles are included only when lookup
// reports an approved record. Signing is attempted once.
func (i *Issuer) Issue(ctx context.Context, claim *upstream.IdentityClaim, lookup *rbac.Lookup) (*Credential, error) {
	if claim == nil || lookup == nil {
		return nil, fmt.Errorf("%w: missing identity", ErrIssuance)
	}

	roles := []string{}
	if lookup.Status == rbac.StatusApproved && len(lookup.Roles) > 0 {
		roles = slices.Clone(lookup.Roles)
	}
	affiliations := slices.Clone(lookup.Affiliations)

	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.ttl)
	id := i.newID()
	subject := claim.Subject()

	claims := Claims{
		Claims: josejwt.Claims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  josejwt.Audience(slices.Clone(i.audiences)),
			IssuedAt:  josejwt.NewNumericDate(now),
			NotBefore: josejwt.NewNumericDate(now),
			Expiry:    josejwt.NewNumericDate(exp),
			ID:        id,
		},
		Roles:        roles,
		Affiliations: affiliations,
		Email:        claim.Email,
		Name:         claim.DisplayName,
		Provider:     claim.Provider,
	}

	signed, err := i.custodian.Sign(ctx, claims)
	if err != nil {
		i.logger.ErrorContext(ctx, "failed to sign credential", "subject", subject, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrIssuance, err)
	}

	i.logger.DebugContext(ctx, "credential issued",
		"subject", subject, "jti", id, "kid", signed.KeyID, "roles", roles)

	return &Credential{
		Token:        signed.Token,
		ID:           id,
		Subject:      subject,
		Issuer:       i.issuer,
		Audience:     slices.Clone(i.audiences),
		IssuedAt:     now,
		ExpiresAt:    exp,
		Roles:        roles,
		Affiliations: affiliations,
		KeyID:        signed.KeyID,
		Algorithm:    signed.Algorithm,
	}, nil
}

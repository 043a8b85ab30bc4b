// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authd/pkg/authserver/upstream"
)

// profileSyncActor is recorded on mutations that refresh profile attributes
// from a new login.
const profileSyncActor = "system:login"

// Store applies the role-assignment workflow on top of a Backend.
// It is safe for concurrent use; concurrent writers to the same record are
// serialized by the backend's compare-and-swap.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// GetOrCreate returns the record of the identity behind claim, creating it
// on first login. New records are approved with the policy's roles when the
// policy grants any, and pending with no roles otherwise. The policy is only
// consulted at creation, so enabling it later does not approve existing
// pending users.
func (s *Store) GetOrCreate(ctx context.Context, claim *upstream.IdentityClaim, policy AutoApprovePolicy) (*Lookup, error) {
	if claim == nil || claim.Provider == "" || claim.SubjectID == "" {
		return nil, invalid("user_id", "must not be empty")
	}
	userID := claim.Subject()

	rec, err := s.backend.Get(ctx, userID)
	switch {
	case err == nil:
		return toLookup(s.syncProfile(ctx, rec, claim)), nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to read role assignment: %w", err)
	}

	rec = s.newRecord(claim, policy)
	err = s.backend.Create(ctx, rec)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a race with a concurrent first login; the winner's record stands.
		rec, err = s.backend.Get(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to read role assignment: %w", err)
		}
		return toLookup(rec), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create role assignment: %w", err)
	}

	s.logger.InfoContext(ctx, "role assignment created",
		"user_id", userID, "status", rec.Status, "roles", rec.Roles)
	return toLookup(rec), nil
}

func (s *Store) newRecord(claim *upstream.IdentityClaim, policy AutoApprovePolicy) *RoleAssignment {
	now := s.now().UTC()
	rec := &RoleAssignment{
		UserID:       claim.Subject(),
		Provider:     claim.Provider,
		Email:        claim.Email,
		Name:         claim.DisplayName,
		Roles:        []string{},
		Affiliations: slices.Clone(claim.Affiliations),
		Status:       StatusPending,
		RequestedAt:  now,
		UpdatedAt:    now,
		Version:      1,
	}

	action, actor := ActionCreate, rec.UserID
	if roles := policy.RolesFor(claim.Email); len(roles) > 0 {
		rec.Roles = roles
		rec.Status = StatusApproved
		rec.ApprovedBy = AutoApproveActor
		action, actor = ActionAutoApprove, AutoApproveActor
	}
	rec.UpdatedBy = actor
	rec.History = []Mutation{{
		ID:     s.newID(),
		Action: action,
		Roles:  slices.Clone(rec.Roles),
		Admin:  actor,
		At:     now,
	}}
	return rec
}

// syncProfile refreshes email, name and affiliations when a login reports
// new values. Failures leave the stored record in place.
func (s *Store) syncProfile(ctx context.Context, rec *RoleAssignment, claim *upstream.IdentityClaim) *RoleAssignment {
	email := cmp.Or(claim.Email, rec.Email)
	name := cmp.Or(claim.DisplayName, rec.Name)
	affiliations := claim.Affiliations
	if affiliations == nil {
		affiliations = rec.Affiliations
	}
	if email == rec.Email && name == rec.Name && slices.Equal(affiliations, rec.Affiliations) {
		return rec
	}

	updated := rec.Clone()
	updated.Email, updated.Name = email, name
	updated.Affiliations = slices.Clone(affiliations)
	s.stamp(updated, ActionProfileSync, nil, profileSyncActor)
	if err := s.backend.Update(ctx, updated, rec.Version); err != nil {
		s.logger.WarnContext(ctx, "failed to refresh profile on role assignment",
			"user_id", rec.UserID, "error", err)
		return rec
	}
	return updated
}

// AssignRoles adds roles to a user and approves the record. An assignment
// that repeats the most recent applied assignment is rejected with
// ErrDuplicateAssignment. When expectedVersion is set it must match the
// stored version.
func (s *Store) AssignRoles(
	ctx context.Context, userID string, roles []string, adminID string, expectedVersion *int64,
) (*RoleAssignment, error) {
	roles, err := validateMutation(userID, roles, adminID)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, expectedVersion, ActionAssign, roles, adminID, func(rec *RoleAssignment) error {
		if last := rec.lastRoleMutation(); last != nil && last.Action == ActionAssign && slices.Equal(last.Roles, roles) {
			return ErrDuplicateAssignment
		}
		if rec.Status == StatusApproved && !slices.ContainsFunc(roles, func(r string) bool {
			return !slices.Contains(rec.Roles, r)
		}) {
			return ErrDuplicateAssignment
		}
		rec.Roles = normalizeRoles(append(slices.Clone(rec.Roles), roles...))
		rec.Status = StatusApproved
		rec.ApprovedBy = adminID
		rec.DeniedBy = ""
		return nil
	})
}

// RevokeRoles removes roles from a user. At least one of roles must
// currently be assigned.
func (s *Store) RevokeRoles(
	ctx context.Context, userID string, roles []string, adminID string, expectedVersion *int64,
) (*RoleAssignment, error) {
	roles, err := validateMutation(userID, roles, adminID)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, expectedVersion, ActionRevoke, roles, adminID, func(rec *RoleAssignment) error {
		kept := make([]string, 0, len(rec.Roles))
		for _, r := range rec.Roles {
			if !slices.Contains(roles, r) {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(rec.Roles) {
			return invalid("roles", "none of the roles are assigned")
		}
		rec.Roles = kept
		return nil
	})
}

// DenyUser marks a user denied. Stored roles are kept for the audit trail
// but no longer granted.
func (s *Store) DenyUser(ctx context.Context, userID, adminID string, expectedVersion *int64) (*RoleAssignment, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if err := validateAdmin(adminID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, expectedVersion, ActionDeny, nil, adminID, func(rec *RoleAssignment) error {
		if rec.Status == StatusDenied {
			return ErrAlreadyDenied
		}
		rec.Status = StatusDenied
		rec.DeniedBy = adminID
		return nil
	})
}

// Get returns the record of userID.
func (s *Store) Get(ctx context.Context, userID string) (*RoleAssignment, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	return s.backend.Get(ctx, userID)
}

// ListPending returns pending records, oldest request first.
func (s *Store) ListPending(ctx context.Context, filter Filter, page Page) ([]*RoleAssignment, error) {
	if err := validatePage(page); err != nil {
		return nil, err
	}
	return s.backend.List(ctx, Query{Status: StatusPending, Provider: filter.Provider, Page: page})
}

// SearchUsers returns records whose field contains term, ignoring case.
func (s *Store) SearchUsers(ctx context.Context, term string, field SearchField, page Page) ([]*RoleAssignment, error) {
	if strings.TrimSpace(term) == "" {
		return nil, invalid("term", "must not be empty")
	}
	if _, err := ParseSearchField(string(field)); err != nil {
		return nil, err
	}
	if err := validatePage(page); err != nil {
		return nil, err
	}
	return s.backend.List(ctx, Query{Field: field, Term: term, Page: page})
}

func (s *Store) mutate(
	ctx context.Context,
	userID string,
	expectedVersion *int64,
	action Action,
	roles []string,
	adminID string,
	apply func(*RoleAssignment) error,
) (*RoleAssignment, error) {
	rec, err := s.backend.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != rec.Version {
		return nil, fmt.Errorf("%w: expected version %d, stored version %d", ErrConflict, *expectedVersion, rec.Version)
	}

	stored := rec.Version
	if err := apply(rec); err != nil {
		return nil, err
	}
	s.stamp(rec, action, roles, adminID)

	if err := s.backend.Update(ctx, rec, stored); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update role assignment: %w", err)
	}

	s.logger.InfoContext(ctx, "role assignment updated",
		"user_id", userID, "action", action, "admin", adminID, "version", rec.Version)
	return rec, nil
}

// stamp bumps the version and appends the audit entry.
func (s *Store) stamp(rec *RoleAssignment, action Action, roles []string, actor string) {
	now := s.now().UTC()
	rec.UpdatedAt = now
	rec.UpdatedBy = actor
	rec.Version++
	rec.History = append(rec.History, Mutation{
		ID:     s.newID(),
		Action: action,
		Roles:  slices.Clone(roles),
		Admin:  actor,
		At:     now,
	})
}

func validateMutation(userID string, roles []string, adminID string) ([]string, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	roles, err := validateRoles(roles)
	if err != nil {
		return nil, err
	}
	if err := validateAdmin(adminID); err != nil {
		return nil, err
	}
	return roles, nil
}

func toLookup(rec *RoleAssignment) *Lookup {
	return &Lookup{
		UserID:       rec.UserID,
		Status:       rec.Status,
		Roles:        rec.EffectiveRoles(),
		Affiliations: slices.Clone(rec.Affiliations),
		Version:      rec.Version,
	}
}

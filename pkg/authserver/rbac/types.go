// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rbac stores role assignments and drives the pending, approved and
// denied lifecycle that administrators review.
//
// Store holds the workflow rules (validation, auto-approval, replay and
// conflict detection, audit history). Persistence is delegated to a Backend
// whose Create is atomic and whose Update is a compare-and-swap on Version.
package rbac

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/stacklok/toolhive-core/httperr"
)

// Status is the lifecycle state of a role assignment.
type Status string

const (
	// StatusPending records a user that logged in but has not been reviewed.
	StatusPending Status = "pending"
	// StatusApproved records a user whose roles are in effect.
	StatusApproved Status = "approved"
	// StatusDenied records a user whose roles are withheld.
	StatusDenied Status = "denied"
)

// Action names the kind of change recorded in a Mutation.
type Action string

// Audit actions.
const (
	ActionCreate      Action = "create"
	ActionAutoApprove Action = "auto_approve"
	ActionAssign      Action = "assign"
	ActionRevoke      Action = "revoke"
	ActionDeny        Action = "deny"
	ActionProfileSync Action = "profile_sync"
)

// Role vocabulary.
const (
	RoleReader   = "reader"
	RoleEditor   = "editor"
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)

// AutoApproveActor is recorded as the approver of auto-approved records.
const AutoApproveActor = "system:auto-approve"

// Vocabulary returns the roles that may be assigned.
func Vocabulary() []string {
	return []string{RoleReader, RoleEditor, RoleReviewer, RoleAdmin}
}

// IsKnownRole reports whether role is part of the vocabulary.
func IsKnownRole(role string) bool {
	return slices.Contains(Vocabulary(), role)
}

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = httperr.WithCode(errors.New("validation failed"), http.StatusBadRequest)

	// ErrNotFound is returned when no record exists for a user id.
	ErrNotFound = httperr.WithCode(errors.New("role assignment not found"), http.StatusNotFound)

	// ErrDuplicateAssignment is returned when an assignment repeats the most
	// recently applied one.
	ErrDuplicateAssignment = httperr.WithCode(errors.New("duplicate role assignment"), http.StatusConflict)

	// ErrConflict is returned when the record changed since it was read.
	ErrConflict = httperr.WithCode(errors.New("role assignment was modified concurrently"), http.StatusConflict)

	// ErrAlreadyDenied is returned when denying a user that is already denied.
	ErrAlreadyDenied = httperr.WithCode(errors.New("user is already denied"), http.StatusConflict)

	// ErrAlreadyExists is returned by Backend.Create when a record for the
	// user id is already stored.
	ErrAlreadyExists = errors.New("role assignment already exists")
)

// ValidationError names the input constraint a request violated.
type ValidationError struct {
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Constraint
}

// Unwrap returns ErrValidation so callers can match with errors.Is and read
// the HTTP status with httperr.Code.
func (*ValidationError) Unwrap() error {
	return ErrValidation
}

// ErrorDetails adds the violated constraint to JSON error responses.
func (e *ValidationError) ErrorDetails() map[string]any {
	return map[string]any{"field": e.Field, "constraint": e.Constraint}
}

func invalid(field, constraint string) error {
	return &ValidationError{Field: field, Constraint: constraint}
}

// Mutation is one entry of the append-only audit trail.
type Mutation struct {
	ID     string    `json:"id"`
	Action Action    `json:"action"`
	Roles  []string  `json:"roles,omitempty"`
	Admin  string    `json:"admin"`
	At     time.Time `json:"at"`
}

// RoleAssignment is the durable authorization record of one user.
// Records are never deleted.
type RoleAssignment struct {
	UserID       string     `json:"user_id"`
	Provider     string     `json:"provider"`
	Email        string     `json:"email,omitempty"`
	Name         string     `json:"name,omitempty"`
	Roles        []string   `json:"roles"`
	Affiliations []string   `json:"affiliations,omitempty"`
	Status       Status     `json:"status"`
	RequestedAt  time.Time  `json:"requested_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	UpdatedBy    string     `json:"updated_by,omitempty"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	DeniedBy     string     `json:"denied_by,omitempty"`
	Version      int64      `json:"version"`
	History      []Mutation `json:"history"`
}

// EffectiveRoles returns the roles that may be placed in a credential.
// Only approved records grant roles.
func (r *RoleAssignment) EffectiveRoles() []string {
	if r.Status != StatusApproved {
		return []string{}
	}
	return slices.Clone(r.Roles)
}

// Clone returns a deep copy of r.
func (r *RoleAssignment) Clone() *RoleAssignment {
	if r == nil {
		return nil
	}
	c := *r
	c.Roles = slices.Clone(r.Roles)
	c.Affiliations = slices.Clone(r.Affiliations)
	c.History = make([]Mutation, len(r.History))
	for i, m := range r.History {
		m.Roles = slices.Clone(m.Roles)
		c.History[i] = m
	}
	return &c
}

// lastRoleMutation returns the most recent admin change to the role set,
// skipping record creation and profile syncs, or nil.
func (r *RoleAssignment) lastRoleMutation() *Mutation {
	for i := len(r.History) - 1; i >= 0; i-- {
		switch r.History[i].Action {
		case ActionAssign, ActionRevoke, ActionDeny:
			return &r.History[i]
		}
	}
	return nil
}

// Lookup is the outcome of GetOrCreate used to mint a credential.
type Lookup struct {
	UserID       string
	Status       Status
	Roles        []string
	Affiliations []string
	Version      int64
}

// SearchField selects the attribute SearchUsers matches against.
type SearchField string

// Searchable attributes.
const (
	SearchByUserID SearchField = "user_id"
	SearchByEmail  SearchField = "email"
	SearchByName   SearchField = "name"
)

// Page bounds a listing.
type Page struct {
	Limit int
	Skip  int
}

// Page limits.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Filter narrows ListPending.
type Filter struct {
	Provider string
}

// Query is the backend listing request. Empty fields match everything.
// Results are ordered by RequestedAt, then UserID.
type Query struct {
	Status   Status
	Provider string
	Field    SearchField
	Term     string
	Page     Page
}

// Backend persists role assignments.
type Backend interface {
	// Create stores a new record. It returns ErrAlreadyExists when a record
	// for the same user id exists; the stored record is left untouched.
	Create(ctx context.Context, rec *RoleAssignment) error

	// Get returns the record for userID or ErrNotFound.
	Get(ctx context.Context, userID string) (*RoleAssignment, error)

	// Update replaces the record if its stored version equals
	// expectedVersion, and returns ErrConflict otherwise.
	Update(ctx context.Context, rec *RoleAssignment, expectedVersion int64) error

	// List returns the records matching q.
	List(ctx context.Context, q Query) ([]*RoleAssignment, error)

	// Close releases the backend's resources.
	Close() error
}

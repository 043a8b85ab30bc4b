// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryBackend keeps role assignments in process memory. It suits
// single-replica deployments and tests; records are lost on restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*RoleAssignment
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*RoleAssignment)}
}

// Create implements Backend.
func (m *MemoryBackend) Create(_ context.Context, rec *RoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.UserID]; ok {
		return ErrAlreadyExists
	}
	m.records[rec.UserID] = rec.Clone()
	return nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, userID string) (*RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update implements Backend.
func (m *MemoryBackend) Update(_ context.Context, rec *RoleAssignment, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.UserID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrConflict
	}
	m.records[rec.UserID] = rec.Clone()
	return nil
}

// List implements Backend.
func (m *MemoryBackend) List(_ context.Context, q Query) ([]*RoleAssignment, error) {
	m.mu.RLock()
	matched := make([]*RoleAssignment, 0)
	for _, rec := range m.records {
		if q.matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sortRecords(matched)
	return paginate(matched, q.Page), nil
}

// Close implements Backend.
func (*MemoryBackend) Close() error {
	return nil
}

// matches evaluates q against rec in memory. The redis backend filters the
// same way after loading candidates.
func (q Query) matches(rec *RoleAssignment) bool {
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	if q.Provider != "" && rec.Provider != q.Provider {
		return false
	}
	if q.Term == "" {
		return true
	}
	var value string
	switch q.Field {
	case SearchByUserID:
		value = rec.UserID
	case SearchByEmail:
		value = rec.Email
	case SearchByName:
		value = rec.Name
	default:
		return false
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(q.Term))
}

func sortRecords(recs []*RoleAssignment) {
	slices.SortFunc(recs, func(a, b *RoleAssignment) int {
		if c := a.RequestedAt.Compare(b.RequestedAt); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
}

func paginate(recs []*RoleAssignment, p Page) []*RoleAssignment {
	if p.Skip >= len(recs) {
		return []*RoleAssignment{}
	}
	recs = recs[p.Skip:]
	if p.Limit > 0 && p.Limit < len(recs) {
		recs = recs[:p.Limit]
	}
	return recs
}

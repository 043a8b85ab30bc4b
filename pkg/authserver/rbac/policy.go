// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"fmt"
	"slices"
	"strings"
)

// AutoApprovePolicy grants roles to first-time users without review.
type AutoApprovePolicy struct {
	Enabled      bool                `yaml:"enabled"`
	DefaultRoles []string            `yaml:"default_roles"`
	DomainRoles  map[string][]string `yaml:"domain_roles"`
}

// Validate checks that every configured role is part of the vocabulary.
func (p *AutoApprovePolicy) Validate() error {
	for _, r := range p.DefaultRoles {
		if !IsKnownRole(r) {
			return fmt.Errorf("auto_approve.default_roles: unknown role %q", r)
		}
	}
	for domain, roles := range p.DomainRoles {
		if domain == "" || strings.Contains(domain, "@") {
			return fmt.Errorf("auto_approve.domain_roles: invalid domain %q", domain)
		}
		for _, r := range roles {
			if !IsKnownRole(r) {
				return fmt.Errorf("auto_approve.domain_roles[%s]: unknown role %q", domain, r)
			}
		}
	}
	return nil
}

// RolesFor returns DefaultRoles together with the roles mapped to the domain
// of email, sorted and without duplicates. It returns nil when the policy is
// disabled.
func (p *AutoApprovePolicy) RolesFor(email string) []string {
	if p == nil || !p.Enabled {
		return nil
	}
	roles := slices.Clone(p.DefaultRoles)
	if domain := emailDomain(email); domain != "" {
		roles = append(roles, p.DomainRoles[domain]...)
	}
	return normalizeRoles(roles)
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// normalizeRoles sorts roles and removes duplicates.
func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	out := slices.Clone(roles)
	slices.Sort(out)
	return slices.Compact(out)
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return invalid("user_id", "must not be empty")
	}
	return nil
}

func validateRoles(roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, invalid("roles", "must not be empty")
	}
	for _, r := range roles {
		if !IsKnownRole(r) {
			return nil, invalid("roles", fmt.Sprintf("must be one of %s (got %q)",
				strings.Join(Vocabulary(), ", "), r))
		}
	}
	return normalizeRoles(roles), nil
}

func validateAdmin(adminID string) error {
	if strings.TrimSpace(adminID) == "" {
		return invalid("admin", "must not be empty")
	}
	return nil
}

func validatePage(p Page) error {
	if p.Limit < 1 || p.Limit > MaxPageLimit {
		return invalid("limit", fmt.Sprintf("must be between 1 and %d", MaxPageLimit))
	}
	if p.Skip < 0 {
		return invalid("skip", "must be zero or greater")
	}
	return nil
}

// ParseSearchField validates a search_by value.
func ParseSearchField(s string) (SearchField, error) {
	switch f := SearchField(s); f {
	case SearchByUserID, SearchByEmail, SearchByName:
		return f, nil
	default:
		return "", invalid("search_by", "must be one of user_id, email, name")
	}
}

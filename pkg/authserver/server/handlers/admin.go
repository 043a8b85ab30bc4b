// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/stacklok/toolhive-core/httperr"

	apierrors "github.com/stacklok/authd/pkg/api/errors"
	"github.com/stacklok/authd/pkg/auth"
	"github.com/stacklok/authd/pkg/authserver/rbac"
	"github.com/stacklok/authd/pkg/telemetry"
)

// maxAdminBodySize bounds admin request bodies.
const maxAdminBodySize = 64 << 10

// DefaultSearchField is used when search_by is omitted.
const DefaultSearchField = rbac.SearchByEmail

// RoleChangeRequest is the body of the assign and revoke endpoints.
type RoleChangeRequest struct {
	Roles           []string `json:"roles"`
	ExpectedVersion *int64   `json:"expected_version,omitempty"`
}

// DenyRequest is the optional body of the deny endpoint.
type DenyRequest struct {
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// ListResponse wraps a page of role assignments.
type ListResponse struct {
	Items []*rbac.RoleAssignment `json:"items"`
	Limit int                    `json:"limit"`
	Skip  int                    `json:"skip"`
}

// AssignRolesHandler handles POST /admin/users/{user_id}/roles.
func (h *Handler) AssignRolesHandler(w http.ResponseWriter, r *http.Request) error {
	var req RoleChangeRequest
	if err := decodeBody(r, &req, false); err != nil {
		return err
	}
	admin := actingAdmin(r)
	rec, err := h.roles.AssignRoles(r.Context(), chi.URLParam(r, "user_id"), req.Roles, admin, req.ExpectedVersion)
	return h.writeMutation(w, r, rbac.ActionAssign, rec, err)
}

// RevokeRolesHandler handles DELETE /admin/users/{user_id}/roles.
func (h *Handler) RevokeRolesHandler(w http.ResponseWriter, r *http.Request) error {
	var req RoleChangeRequest
	if err := decodeBody(r, &req, false); err != nil {
		return err
	}
	admin := actingAdmin(r)
	rec, err := h.roles.RevokeRoles(r.Context(), chi.URLParam(r, "user_id"), req.Roles, admin, req.ExpectedVersion)
	return h.writeMutation(w, r, rbac.ActionRevoke, rec, err)
}

// DenyUserHandler handles POST /admin/users/{user_id}/deny.
func (h *Handler) DenyUserHandler(w http.ResponseWriter, r *http.Request) error {
	var req DenyRequest
	if err := decodeBody(r, &req, true); err != nil {
		return err
	}
	admin := actingAdmin(r)
	rec, err := h.roles.DenyUser(r.Context(), chi.URLParam(r, "user_id"), admin, req.ExpectedVersion)
	return h.writeMutation(w, r, rbac.ActionDeny, rec, err)
}

// GetUserHandler handles GET /admin/users/{user_id}.
func (h *Handler) GetUserHandler(w http.ResponseWriter, r *http.Request) error {
	rec, err := h.roles.Get(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, rec)
	return nil
}

// SearchUsersHandler handles GET /admin/users/search.
func (h *Handler) SearchUsersHandler(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	page, err := parsePage(q.Get("limit"), q.Get("skip"))
	if err != nil {
		return err
	}
	field := DefaultSearchField
	if v := q.Get("search_by"); v != "" {
		if field, err = rbac.ParseSearchField(v); err != nil {
			return err
		}
	}

	items, err := h.roles.SearchUsers(r.Context(), q.Get("term"), field, page)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, newListResponse(items, page))
	return nil
}

// ListPendingHandler handles GET /admin/role-assignments/pending.
func (h *Handler) ListPendingHandler(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	page, err := parsePage(q.Get("limit"), q.Get("skip"))
	if err != nil {
		return err
	}

	items, err := h.roles.ListPending(r.Context(), rbac.Filter{Provider: q.Get("provider")}, page)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, newListResponse(items, page))
	return nil
}

func newListResponse(items []*rbac.RoleAssignment, page rbac.Page) ListResponse {
	if items == nil {
		items = []*rbac.RoleAssignment{}
	}
	return ListResponse{Items: items, Limit: page.Limit, Skip: page.Skip}
}

func (h *Handler) writeMutation(
	w http.ResponseWriter, r *http.Request, action rbac.Action, rec *rbac.RoleAssignment, err error,
) error {
	if err != nil {
		h.metrics.RecordRoleMutation(r.Context(), string(action), telemetry.OutcomeFailure)
		return err
	}
	h.metrics.RecordRoleMutation(r.Context(), string(action), telemetry.OutcomeSuccess)
	apierrors.WriteJSON(w, http.StatusOK, rec)
	return nil
}

func actingAdmin(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return ""
}

// decodeBody reads a JSON body. An empty body is accepted only when optional.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxAdminBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return httperr.WithCode(fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
	}
	return nil
}

func parsePage(limit, skip string) (rbac.Page, error) {
	page := rbac.Page{Limit: rbac.DefaultPageLimit}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return page, &rbac.ValidationError{Field: "limit", Constraint: "must be an integer"}
		}
		page.Limit = n
	}
	if skip != "" {
		n, err := strconv.Atoi(skip)
		if err != nil {
			return page, &rbac.ValidationError{Field: "skip", Constraint: "must be an integer"}
		}
		page.Skip = n
	}
	return page, nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/toolhive-core/httperr"

	apierrors "github.com/stacklok/authd/pkg/api/errors"
	"github.com/stacklok/authd/pkg/auth"
	"github.com/stacklok/authd/pkg/authserver/rbac"
	"github.com/stacklok/authd/pkg/authserver/upstream"
	"github.com/stacklok/authd/pkg/telemetry"
)

var (
	errProviderRequired     = httperr.WithCode(errors.New("provider is required"), http.StatusBadRequest)
	errCodeRequired         = httperr.WithCode(errors.New("code is required"), http.StatusBadRequest)
	errAuthenticationFailed = httperr.WithCode(errors.New("authentication failed"), http.StatusUnauthorized)
	errTooManyLogins        = httperr.WithCode(errors.New("too many login attempts"), http.StatusTooManyRequests)
)

// TokenResponse is the body of a successful callback.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// UserInfoResponse describes the presented credential and the current
// role-assignment status of its subject.
type UserInfoResponse struct {
	Subject      string      `json:"sub"`
	Issuer       string      `json:"iss,omitempty"`
	Audience     []string    `json:"aud,omitempty"`
	ExpiresAt    int64       `json:"exp,omitempty"`
	IssuedAt     int64       `json:"iat,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	Email        string      `json:"email,omitempty"`
	Name         string      `json:"name,omitempty"`
	Roles        []string    `json:"roles"`
	Affiliations []string    `json:"affiliations,omitempty"`
	Status       rbac.Status `json:"status,omitempty"`
}

// LoginHandler handles GET /login?provider= by redirecting the browser to
// the provider's authorization endpoint.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) error {
	if !h.limiter.Allow(clientAddress(r)) {
		return errTooManyLogins
	}
	name := r.URL.Query().Get("provider")
	if name == "" {
		return errProviderRequired
	}

	authURL, _, err := h.gateway.BeginLogin(r.Context(), name)
	if err != nil {
		if errors.Is(err, upstream.ErrUnknownProvider) || errors.Is(err, upstream.ErrUnsupported) {
			return err
		}
		return fmt.Errorf("failed to start login with %s: %w", name, err)
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

// CallbackHandler handles GET /callback. The state is consumed before the
// code is exchanged, so a replayed callback fails without reaching the
// provider.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		provider := ""
		if token := q.Get("state"); token != "" {
			if st, err := h.states.ValidateAndConsume(ctx, token); err == nil {
				provider = st.Provider
			}
		}
		h.logger.WarnContext(ctx, "identity provider returned an error",
			"provider", provider, "error_code", providerErr)
		h.metrics.RecordLogin(ctx, provider, telemetry.OutcomeFailure)
		return errAuthenticationFailed
	}

	code := q.Get("code")
	if code == "" {
		return errCodeRequired
	}

	st, err := h.states.ValidateAndConsume(ctx, q.Get("state"))
	if err != nil {
		h.logger.InfoContext(ctx, "callback state rejected", "error", err)
		return err
	}

	claim, err := h.gateway.CompleteLogin(ctx, st.Provider, code, st)
	if err != nil {
		h.logger.WarnContext(ctx, "login failed", "provider", st.Provider, "error", err)
		h.metrics.RecordLogin(ctx, st.Provider, telemetry.OutcomeFailure)
		return errAuthenticationFailed
	}

	lookup, err := h.roles.GetOrCreate(ctx, claim, h.autoApprove)
	if err != nil {
		return fmt.Errorf("failed to resolve role assignment: %w", err)
	}

	cred, err := h.issuer.Issue(ctx, claim, lookup)
	if err != nil {
		h.metrics.RecordIssuance(ctx, telemetry.OutcomeFailure)
		return err
	}
	h.metrics.RecordIssuance(ctx, telemetry.OutcomeSuccess)
	h.metrics.RecordLogin(ctx, st.Provider, telemetry.OutcomeSuccess)

	expiresIn := cred.ExpiresIn(h.now())
	http.SetCookie(w, h.credentialCookie(cred.Token, int(expiresIn.Seconds())))
	w.Header().Set("Cache-Control", "no-store")

	h.logger.InfoContext(ctx, "login completed",
		"provider", st.Provider, "subject", cred.Subject, "status", lookup.Status)

	apierrors.WriteJSON(w, http.StatusOK, TokenResponse{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(expiresIn.Seconds()),
	})
	return nil
}

// LogoutHandler handles POST /logout by expiring the credential cookie.
func (h *Handler) LogoutHandler(w http.ResponseWriter, _ *http.Request) {
	c := h.credentialCookie("", -1)
	c.Expires = time.Unix(0, 0)
	http.SetCookie(w, c)
	w.WriteHeader(http.StatusNoContent)
}

// ProvidersHandler handles GET /providers. Only names, types and whether
// credentials are configured are returned.
func (h *Handler) ProvidersHandler(w http.ResponseWriter, _ *http.Request) {
	apierrors.WriteJSON(w, http.StatusOK, h.gateway.Providers())
}

// UserInfoHandler handles GET /userinfo. The verifier middleware has already
// authenticated the request.
func (h *Handler) UserInfoHandler(w http.ResponseWriter, r *http.Request) error {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return httperr.WithCode(auth.ErrNoToken, http.StatusUnauthorized)
	}

	resp := UserInfoResponse{
		Subject:      claims.Subject,
		Issuer:       claims.Issuer,
		Audience:     claims.Audience,
		Provider:     claims.Provider,
		Email:        claims.Email,
		Name:         claims.Name,
		Roles:        claims.Roles,
		Affiliations: claims.Affiliations,
	}
	if resp.Roles == nil {
		resp.Roles = []string{}
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = claims.IssuedAt.Unix()
	}

	rec, err := h.roles.Get(r.Context(), claims.Subject)
	switch {
	case err == nil:
		resp.Status = rec.Status
	case !errors.Is(err, rbac.ErrNotFound):
		return fmt.Errorf("failed to read role assignment: %w", err)
	}

	apierrors.WriteJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) credentialCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookie.Domain,
		MaxAge:   maxAge,
		Secure:   h.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

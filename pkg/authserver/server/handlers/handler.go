// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/stacklok/authd/pkg/api/errors"
	"github.com/stacklok/authd/pkg/auth"
	"github.com/stacklok/authd/pkg/authserver/credential"
	"github.com/stacklok/authd/pkg/authserver/keys"
	"github.com/stacklok/authd/pkg/authserver/rbac"
	"github.com/stacklok/authd/pkg/authserver/state"
	"github.com/stacklok/authd/pkg/authserver/upstream"
	"github.com/stacklok/authd/pkg/telemetry"
)

// DefaultCookieName is the cookie carrying the credential.
const DefaultCookieName = "auth_token"

// CookieConfig controls the credential cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	Domain string
}

// Deps are the components the handlers drive. Custodian may be nil while the
// signing keys are not initialized; key endpoints then answer 503.
type Deps struct {
	Gateway     *upstream.Gateway
	States      state.Store
	Roles       *rbac.Store
	Issuer      *credential.Issuer
	Custodian   keys.Custodian
	Verifier    *auth.Verifier
	AutoApprove rbac.AutoApprovePolicy
	Cookie      CookieConfig

	// LoginsPerMinute limits /login per client address. Zero disables it.
	LoginsPerMinute int

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Handler provides HTTP handlers for the auth server endpoints.
type Handler struct {
	gateway     *upstream.Gateway
	states      state.Store
	roles       *rbac.Store
	issuer      *credential.Issuer
	custodian   keys.Custodian
	verifier    *auth.Verifier
	autoApprove rbac.AutoApprovePolicy
	cookie      CookieConfig
	limiter     *clientRateLimiter
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(d Deps) (*Handler, error) {
	switch {
	case d.Gateway == nil:
		return nil, errors.New("handlers: gateway is required")
	case d.States == nil:
		return nil, errors.New("handlers: state store is required")
	case d.Roles == nil:
		return nil, errors.New("handlers: role store is required")
	case d.Issuer == nil:
		return nil, errors.New("handlers: credential issuer is required")
	case d.Verifier == nil:
		return nil, errors.New("handlers: verifier is required")
	}

	h := &Handler{
		gateway:     d.Gateway,
		states:      d.States,
		roles:       d.Roles,
		issuer:      d.Issuer,
		custodian:   d.Custodian,
		verifier:    d.Verifier,
		autoApprove: d.AutoApprove,
		cookie:      d.Cookie,
		metrics:     d.Metrics,
		logger:      d.Logger,
		now:         time.Now,
	}
	if h.cookie.Name == "" {
		h.cookie.Name = DefaultCookieName
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	if d.LoginsPerMinute > 0 {
		h.limiter = newClientRateLimiter(d.LoginsPerMinute, defaultMaxTrackedClients)
	}
	return h, nil
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.metrics.Middleware)

	h.LoginRoutes(r)
	h.WellKnownRoutes(r)
	r.Route("/admin", h.AdminRoutes)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	return r
}

// LoginRoutes registers the browser login endpoints on the provided router.
func (h *Handler) LoginRoutes(r chi.Router) {
	r.Get("/login", h.wrap(h.LoginHandler))
	r.Get("/callback", h.wrap(h.CallbackHandler))
	r.Post("/logout", h.LogoutHandler)
	r.Get("/providers", h.ProvidersHandler)
	r.With(h.verifier.Middleware).Get("/userinfo", h.wrap(h.UserInfoHandler))
}

// WellKnownRoutes registers the key publication endpoints.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.wrap(h.JWKSHandler))
	r.Get("/keys", h.wrap(h.JWKSHandler))
	r.Get("/.well-known/public_key.pem", h.wrap(h.PublicKeyPEMHandler))
}

// AdminRoutes registers the role-assignment endpoints. Every route requires
// a credential carrying the admin role.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Use(h.verifier.Middleware)
	r.Use(auth.RequireRole(rbac.RoleAdmin))

	r.Get("/users/search", h.wrap(h.SearchUsersHandler))
	r.Get("/users/{user_id}", h.wrap(h.GetUserHandler))
	r.Post("/users/{user_id}/roles", h.wrap(h.AssignRolesHandler))
	r.Delete("/users/{user_id}/roles", h.wrap(h.RevokeRolesHandler))
	r.Post("/users/{user_id}/deny", h.wrap(h.DenyUserHandler))
	r.Get("/role-assignments/pending", h.wrap(h.ListPendingHandler))
}

func (h *Handler) wrap(fn apierrors.HandlerWithError) http.HandlerFunc {
	return apierrors.ErrorHandler(h.logger, fn)
}

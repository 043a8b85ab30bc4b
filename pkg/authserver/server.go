// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the auth server from its configuration.
//
// New builds every component in dependency order: the key custodian, the
// callback state store, the role store, the provider gateway, the credential
// issuer and the in-process verifier used by the admin endpoints. A failure
// at any step closes what was already built and is returned to the caller,
// which treats it as fatal.
package authserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/stacklok/authd/pkg/auth"
	"github.com/stacklok/authd/pkg/authserver/credential"
	"github.com/stacklok/authd/pkg/authserver/keys"
	"github.com/stacklok/authd/pkg/authserver/rbac"
	"github.com/stacklok/authd/pkg/authserver/server/handlers"
	"github.com/stacklok/authd/pkg/authserver/state"
	"github.com/stacklok/authd/pkg/authserver/upstream"
	"github.com/stacklok/authd/pkg/telemetry"
)

// Server timeouts.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server owns the components built from a Config.
type Server struct {
	cfg       *Config
	custodian keys.Custodian
	states    state.Store
	roles     *rbac.Store
	metrics   *telemetry.Metrics
	handler   http.Handler
	logger    *slog.Logger
}

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	version    string
	custodian  keys.Custodian
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient sets the client used to reach identity providers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithVersion sets the service version reported in metrics.
func WithVersion(v string) Option {
	return func(o *options) {
		o.version = v
	}
}

// WithCustodian replaces the custodian built from the signing section.
func WithCustodian(c keys.Custodian) Option {
	return func(o *options) {
		o.custodian = c
	}
}

// New builds a Server. cfg must have passed Validate.
func New(ctx context.Context, cfg *Config, opts ...Option) (_ *Server, err error) {
	o := &options{logger: slog.New(slog.DiscardHandler), version: "dev"}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{cfg: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.custodian = o.custodian
	if s.custodian == nil {
		if s.custodian, err = keys.NewCustodian(ctx, cfg.Signing, o.logger.With("component", "keys")); err != nil {
			return nil, err
		}
	}

	if s.metrics, err = telemetry.NewMetrics(cfg.Metrics, o.version); err != nil {
		return nil, err
	}

	if s.states, err = state.NewStore(ctx, cfg.State, cfg.Redis); err != nil {
		return nil, err
	}

	backend, err := rbac.NewBackend(ctx, cfg.Roles, cfg.Redis)
	if err != nil {
		return nil, err
	}
	s.roles = rbac.NewStore(backend, rbac.WithLogger(o.logger.With("component", "rbac")))

	upstreamOpts := []upstream.Option{upstream.WithLogger(o.logger.With("component", "upstream"))}
	if o.httpClient != nil {
		upstreamOpts = append(upstreamOpts, upstream.WithHTTPClient(o.httpClient))
	}
	providers, err := upstream.NewProviders(ctx, cfg.Providers, cfg.CallbackURL(), upstreamOpts...)
	if err != nil {
		return nil, err
	}
	gateway, err := upstream.NewGateway(s.states, providers, o.logger.With("component", "gateway"))
	if err != nil {
		return nil, err
	}

	issuer, err := credential.NewIssuer(s.custodian, cfg.Credential,
		credential.WithLogger(o.logger.With("component", "credential")))
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewVerifier(auth.NewStaticKeySource(s.custodian), auth.VerifierConfig{
		Issuer:     cfg.Issuer,
		Audience:   cfg.Credential.Audiences[0],
		Algorithms: verifierAlgorithms(cfg.Signing),
		CookieName: handlers.DefaultCookieName,
	}, auth.WithLogger(o.logger.With("component", "verifier")))
	if err != nil {
		return nil, err
	}
	if err = verifier.WaitReady(ctx); err != nil {
		return nil, err
	}

	h, err := handlers.NewHandler(handlers.Deps{
		Gateway:     gateway,
		States:      s.states,
		Roles:       s.roles,
		Issuer:      issuer,
		Custodian:   s.custodian,
		Verifier:    verifier,
		AutoApprove: cfg.AutoApprove,
		Cookie: handlers.CookieConfig{
			Name:   handlers.DefaultCookieName,
			Secure: !cfg.Cookie.Insecure,
			Domain: cfg.Cookie.Domain,
		},
		LoginsPerMinute: cfg.RateLimit.LoginPerMinute,
		Metrics:         s.metrics,
		Logger:          o.logger.With("component", "http"),
	})
	if err != nil {
		return nil, err
	}
	s.handler = h.Routes()

	o.logger.InfoContext(ctx, "auth server initialized",
		"issuer", cfg.Issuer,
		"signing", cfg.Signing.Type,
		"state_backend", cfg.State.Backend,
		"roles_backend", cfg.Roles.Backend,
		"providers", len(providers),
	)
	return s, nil
}

// verifierAlgorithms adds the configured HMAC algorithm to the asymmetric
// defaults so shared-secret custody can verify what it signs.
func verifierAlgorithms(cfg keys.Config) []string {
	algs := slices.Clone(auth.DefaultAlgorithms)
	if cfg.Type == keys.TypeLocal && cfg.Local != nil && cfg.Local.SecretFile != "" {
		algs = append(algs, cmp.Or(cfg.Local.Algorithm, keys.DefaultHMACAlgorithm))
	}
	return algs
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Custodian returns the key custodian.
func (s *Server) Custodian() keys.Custodian {
	return s.custodian
}

// ListenAndServe serves on the configured address until ctx is done, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "listening", "address", s.cfg.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the stores, the custodian and the meter provider.
func (s *Server) Close() error {
	var errs []error
	if s.states != nil {
		errs = append(errs, s.states.Close())
	}
	if s.roles != nil {
		errs = append(errs, s.roles.Close())
	}
	if s.custodian != nil {
		errs = append(errs, s.custodian.Close())
	}
	errs = append(errs, s.metrics.Shutdown(context.Background()))
	return errors.Join(errs...)
}

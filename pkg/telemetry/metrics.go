// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationName = "github.com/stacklok/authd"

// Outcome labels shared by the counters.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Config controls the metrics endpoint.
type Config struct {
	// IncludeRuntimeMetrics adds Go runtime and process collectors.
	IncludeRuntimeMetrics bool `yaml:"include_runtime_metrics,omitempty"`
}

// Metrics owns the meter provider and the instruments recorded by the server.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	logins          metric.Int64Counter
	issued          metric.Int64Counter
	roleMutations   metric.Int64Counter
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewMetrics creates a meter provider backed by a dedicated Prometheus
// registry and registers the server's instruments.
func NewMetrics(cfg Config, serviceVersion string) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "authd"),
		attribute.String("service.version", serviceVersion),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter(instrumentationName)

	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	// The exporter adds the _total suffix automatically
	if m.logins, err = meter.Int64Counter("authd_logins",
		metric.WithDescription("Completed login callbacks by provider and outcome")); err != nil {
		return nil, err
	}
	if m.issued, err = meter.Int64Counter("authd_credentials_issued",
		metric.WithDescription("Credential issuance attempts by outcome")); err != nil {
		return nil, err
	}
	if m.roleMutations, err = meter.Int64Counter("authd_role_mutations",
		metric.WithDescription("Role assignment mutations by action and outcome")); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("authd_http_requests",
		metric.WithDescription("HTTP requests by route and status")); err != nil {
		return nil, err
	}
	if m.requestDuration, err = meter.Float64Histogram("authd_http_request_duration",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// RecordLogin counts a completed or failed login callback.
func (m *Metrics) RecordLogin(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.logins.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// RecordIssuance counts a credential signing attempt.
func (m *Metrics) RecordIssuance(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRoleMutation counts an admin role mutation.
func (m *Metrics) RecordRoleMutation(ctx context.Context, action, outcome string) {
	if m == nil {
		return
	}
	m.roleMutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

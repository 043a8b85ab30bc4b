// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry-based metrics for the auth server
// and serves them on a Prometheus metrics endpoint.
package telemetry

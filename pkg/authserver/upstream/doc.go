// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream federates login across external identity providers.
//
// # Architecture
//
// Every provider implements Provider and advertises a Capabilities value.
// The Gateway is the only caller of providers and checks those flags before
// each call, so a provider without a capability is never asked to use it:
//
//	Gateway
//	    ├── GitHubProvider       (OAuth 2.0 + REST profile)
//	    ├── MicrosoftProvider    (tenant-scoped OAuth 2.0 + Graph profile)
//	    ├── GoogleProvider       (OIDC discovery, ID token + nonce)
//	    ├── DatatrackerProvider  (OIDC discovery, ID token + nonce + userinfo)
//	    └── MockProvider         (deterministic, in-process)
//
// Provider configuration is a tagged union (ProviderConfig) validated in
// full when the provider is built. Providers without client credentials are
// registered with no capabilities and reported as unconfigured.
//
// Upstream tokens live only for the duration of one callback. Error bodies
// returned by providers are reduced to their OAuth error fields before they
// reach the log.
package upstream

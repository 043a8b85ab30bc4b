// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP surface of the auth server.
//
// Login endpoints:
//   - GET /login: redirects to the selected identity provider
//   - GET /callback: validates the callback state, resolves the identity and
//     issues a credential in the response body and the auth_token cookie
//   - POST /logout: clears the credential cookie
//   - GET /userinfo: returns the claims of the presented credential
//
// Key publication endpoints:
//   - GET /.well-known/jwks.json and GET /keys: JSON Web Key Set
//   - GET /.well-known/public_key.pem: PEM of the current signing key
//
// Administration endpoints under /admin require a credential carrying the
// admin role and drive the role-assignment workflow.
package handlers

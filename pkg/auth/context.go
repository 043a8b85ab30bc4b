// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

// ClaimsContextKey is the key used to store verified Claims in the request
// context.
type ClaimsContextKey struct{}

// WithClaims stores claims in the context.
// If claims is nil, the original context is returned unchanged.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// ClaimsFromContext retrieves verified Claims from the context.
// Returns the claims and true if present, nil and false otherwise.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(*Claims)
	return claims, ok
}

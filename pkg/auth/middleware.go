// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TokenFromRequest extracts a bearer token. The Authorization header wins
// over the named cookie; cookieName may be empty to disable cookies.
func TokenFromRequest(r *http.Request, cookieName string) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("%w: invalid Authorization header format", ErrMalformedToken)
		}
		return strings.TrimSpace(token), nil
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", ErrNoToken
}

// buildWWWAuthenticate builds an RFC 6750 value for the WWW-Authenticate
// header. If includeError is true, error="invalid_token" is appended.
func (v *Verifier) buildWWWAuthenticate(includeError bool) string {
	var parts []string
	if v.issuer != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, escapeQuotes(v.issuer)))
	}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// Middleware verifies the request's credential and stores its claims in the
// request context. It answers 503 until the verifier is ready and 401 for a
// missing or invalid credential.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Ready() {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}

		token, err := TokenFromRequest(r, v.cookieName)
		if err != nil {
			w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(!errors.Is(err, ErrNoToken)))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		claims, err := v.Verify(r.Context(), token)
		if err != nil {
			status := StatusCode(err)
			if status == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(true))
			}
			v.logger.DebugContext(r.Context(), "rejected credential", "error", err)
			http.Error(w, http.StatusText(status), status)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole returns middleware that admits only requests whose verified
// claims grant role. It must run after Verifier.Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if !claims.HasRole(role) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

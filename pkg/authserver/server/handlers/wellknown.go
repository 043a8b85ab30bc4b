// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/authd/pkg/authserver/keys"
)

// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the key endpoints.
// Kept short so verifiers pick up externally rotated keys.
const DefaultJWKSCacheMaxAge = 300

var (
	errKeysNotInitialized = httperr.WithCode(errors.New("signing keys not initialized"), http.StatusServiceUnavailable)
	errNoPublicKey        = httperr.WithCode(keys.ErrNoPublicKey, http.StatusNotFound)
)

// JWKSHandler handles GET /.well-known/jwks.json and GET /keys.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) error {
	if h.custodian == nil {
		return errKeysNotInitialized
	}
	set, err := h.custodian.JWKS(r.Context())
	if err != nil {
		return fmt.Errorf("failed to retrieve JWKS: %w", err)
	}
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode JWKS: %w", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
	return nil
}

// PublicKeyPEMHandler handles GET /.well-known/public_key.pem. Shared-secret
// custody has no public key and answers 404.
func (h *Handler) PublicKeyPEMHandler(w http.ResponseWriter, r *http.Request) error {
	if h.custodian == nil {
		return errKeysNotInitialized
	}
	data, err := keys.CurrentPublicKeyPEM(r.Context(), h.custodian)
	if errors.Is(err, keys.ErrNoPublicKey) {
		return errNoPublicKey
	}
	if err != nil {
		return fmt.Errorf("failed to retrieve public key: %w", err)
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	_, _ = w.Write(data)
	return nil
}

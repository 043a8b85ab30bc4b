// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the API.
package errors

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// Detailed is implemented by errors that add fields to the JSON error body,
// such as the constraint a validation error names.
type Detailed interface {
	ErrorDetails() map[string]any
}

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into JSON error responses of the form {"error": "..."}.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Extracts HTTP status code from the error using httperr.Code()
//   - For 5xx errors: logs full error details, returns generic message to client
//   - For 4xx errors: returns error message to client
//
// Usage:
//
//	r.Get("/{id}", apierrors.ErrorHandler(logger, routes.getUser))
func ErrorHandler(logger *slog.Logger, fn HandlerWithError) http.HandlerFunc {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			// No error returned, handler already wrote the response
			return
		}

		code := httperr.Code(err)

		// For 5xx errors, log the full error but return a generic message
		if code >= http.StatusInternalServerError {
			logger.ErrorContext(r.Context(), "internal server error",
				"method", r.Method, "path", r.URL.Path, "status", code, "error", err)
			WriteJSON(w, code, map[string]any{"error": http.StatusText(code)})
			return
		}

		body := map[string]any{"error": err.Error()}
		var d Detailed
		if errors.As(err, &d) {
			for k, v := range d.ErrorDetails() {
				body[k] = v
			}
		}
		WriteJSON(w, code, body)
	}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

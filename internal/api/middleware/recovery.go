// SPDX-License-Identifier: MIT

// Package middleware provides the HTTP middleware stack: panic recovery,
// request IDs, CORS, metrics and rate limiting.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/runclub/attendanced/internal/log"
)

// Recoverer converts handler panics into 500 responses instead of killing
// the process. Outermost in the stack so nothing escapes it.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.WithComponentFromContext(r.Context(), "api")
				logger.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("handler panic recovered")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"success":false,"error":"Internal","message":"internal server error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

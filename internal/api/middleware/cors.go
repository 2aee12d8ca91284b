// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
)

// OriginAllowed builds the origin predicate shared by the CORS middleware
// and the websocket upgrader, so both surfaces enforce one policy. An
// empty list admits the usual local development origins; "*" in the list
// allows everything.
func OriginAllowed(allowedOrigins []string) func(origin string) bool {
	allowed := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	if len(allowedOrigins) == 0 {
		allowed["http://localhost:3000"] = true
		allowed["http://localhost:5173"] = true
		allowed["http://127.0.0.1:3000"] = true
		allowed["http://127.0.0.1:5173"] = true
	}
	allowAll := allowed["*"]

	return func(origin string) bool {
		return allowAll || allowed[origin]
	}
}

// CORS enforces the origin allowlist on the HTTP surface.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	originAllowed := OriginAllowed(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			// Disallowed origins get no header; the browser blocks them.

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Admin-Secret, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.Header().Set("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

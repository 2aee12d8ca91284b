// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// adminOnly gates administrative endpoints behind the shared secret,
// accepted either as X-Admin-Secret or a bearer token. Comparison is
// constant time.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Admin-Secret")
		if presented == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if presented == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(s.adminSecret)) != 1 {
			respondError(w, r, KindUnauthorized, "admin credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/runclub/attendanced/internal/log"
)

// Error kinds exposed on the wire. Clients branch on these, so the names
// are part of the API contract.
const (
	KindMalformed         = "Malformed"
	KindUnauthorized      = "Unauthorized"
	KindRateLimited       = "RateLimited"
	KindBadSession        = "BadSession"
	KindSessionClosed     = "SessionClosed"
	KindAlreadyRegistered = "AlreadyRegistered"
	KindInvalid           = "Invalid"
	KindRetryable         = "Retryable"
	KindInternal          = "Internal"
)

var kindStatus = map[string]int{
	KindMalformed:         http.StatusBadRequest,
	KindUnauthorized:      http.StatusUnauthorized,
	KindRateLimited:       http.StatusTooManyRequests,
	KindBadSession:        http.StatusNotFound,
	KindSessionClosed:     http.StatusGone,
	KindAlreadyRegistered: http.StatusConflict,
	KindInvalid:           http.StatusBadRequest,
	KindRetryable:         http.StatusServiceUnavailable,
	KindInternal:          http.StatusInternalServerError,
}

// errorBody is the uniform JSON error envelope.
type errorBody struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	Message      string `json:"message,omitempty"`
	CurrentCount *int   `json:"current_count,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes the error envelope for a kind. Unknown kinds map to
// Internal.
func respondError(w http.ResponseWriter, r *http.Request, kind, message string) {
	respondErrorCount(w, r, kind, message, nil)
}

// respondErrorCount additionally carries the current tally, used by the
// AlreadyRegistered response so clients can still render the count.
func respondErrorCount(w http.ResponseWriter, r *http.Request, kind, message string, count *int) {
	status, ok := kindStatus[kind]
	if !ok {
		kind, status = KindInternal, http.StatusInternalServerError
	}

	body := errorBody{Error: kind, Message: message, CurrentCount: count}
	if kind == KindInternal {
		// Internal errors reveal nothing but a correlation handle.
		body.Message = "internal server error"
		body.RequestID = log.RequestIDFromContext(r.Context())
	}
	writeJSON(w, status, body)
}

// SPDX-License-Identifier: MIT

package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/httprate"
	"golang.org/x/time/rate"

	"github.com/runclub/attendanced/internal/metrics"
)

// APIRateLimit is the coarse sliding-window limit in front of the whole
// JSON API, keyed by client IP.
func APIRateLimit(requestLimit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimitExceededTotal.WithLabelValues("api").Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"error":"RateLimited","message":"too many requests"}`))
		}),
	)
}

// RegisterLimiter is a per-IP token bucket protecting the registration
// endpoint. Buckets refill continuously and idle entries are evicted
// periodically so the map cannot grow without bound.
type RegisterLimiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	perIP   map[string]*ipBucket
	cleanup time.Duration
	last    time.Time
}

type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRegisterLimiter(r rate.Limit, burst int) *RegisterLimiter {
	return &RegisterLimiter{
		rate:    r,
		burst:   burst,
		perIP:   make(map[string]*ipBucket),
		cleanup: 5 * time.Minute,
		last:    time.Now(),
	}
}

// Allow consumes one token for the given remote address.
func (l *RegisterLimiter) Allow(remoteAddr string) bool {
	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.last) > l.cleanup {
		for key, b := range l.perIP {
			if now.Sub(b.seen) > l.cleanup {
				delete(l.perIP, key)
			}
		}
		l.last = now
	}

	b, ok := l.perIP[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(l.rate, l.burst)}
		l.perIP[ip] = b
	}
	b.seen = now
	return b.lim.Allow()
}

// Middleware rejects over-limit registration attempts before any handler
// or store work happens.
func (l *RegisterLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			metrics.RateLimitExceededTotal.WithLabelValues("register").Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"error":"RateLimited","message":"too many registration attempts"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

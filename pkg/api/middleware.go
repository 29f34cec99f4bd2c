package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/pulse/pkg/ratelimit"
)

// RateLimiter enforces a per-client token bucket in front of the API.
// Buckets live in a ratelimit.Store, so several instances can share them.
type RateLimiter struct {
	store  ratelimit.Store
	policy ratelimit.Policy
}

// NewRateLimiter creates a per-IP limiter over store.
func NewRateLimiter(store ratelimit.Store, policy ratelimit.Policy) *RateLimiter {
	return &RateLimiter{store: store, policy: policy}
}

// Middleware returns a Handler that enforces rate limits.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := ratelimit.Check(r.Context(), rl.store, "ip:"+clientIP(r), rl.policy)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, ratelimit.ErrLimited):
			WriteRateLimited(w, r, ProblemClientRateLimited, retryAfter(rl.policy))
		default:
			// Store outage: fail closed.
			slog.Warn("rate limit store unavailable", "error", err)
			ProblemDependencyUnavailable.Write(w, r, "Rate limiter unavailable")
		}
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// retryAfter is the time, in whole seconds, until one token is refilled.
func retryAfter(p ratelimit.Policy) int {
	if p.RPS <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(1/p.RPS)))
}

// RequestID stamps every response with an X-Request-ID, reusing the
// caller's when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// RequestRecorder receives one observation per served request.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, route string, status int, duration time.Duration)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Instrument reports the route pattern, status and latency of every request
// to rec. Requests that match no route are reported as "unmatched".
func Instrument(rec RequestRecorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		rec.RecordRequest(r.Context(), route, status, time.Since(start))
	})
}

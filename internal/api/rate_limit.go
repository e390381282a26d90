package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/resizeflow/internal/ratelimit"
)

// RateLimiter charges a subject for the render work a request causes.
type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

// withRateLimit charges one token for mutating /v1 calls. Job creation is
// skipped here and charged per variant once the body has been validated.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || !strings.HasPrefix(r.URL.Path, "/v1/") || r.URL.Path == "/v1/jobs" {
			next.ServeHTTP(w, r)
			return
		}
		if s.admit(w, r, 1) {
			next.ServeHTTP(w, r)
		}
	})
}

// admit reports whether the request may proceed. On rejection the 429 has
// already been written.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.rateLimiter == nil {
		return true
	}

	subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
	if subject == "" {
		subject = "anonymous"
	}
	route := routeLabel(r.URL.Path)

	decision, err := s.rateLimiter.AllowN(r.Context(), subject+":"+route, cost)
	if errors.Is(err, ratelimit.ErrCostExceedsCapacity) {
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request asks for more renders than the rate limit allows"})
		return false
	}
	if err != nil {
		s.logger.Warnw("rate limiter check failed, allowing request", "subject", subject, "route", route, "error", err)
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := max(int(decision.RetryAfter.Round(time.Second)/time.Second), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	return false
}

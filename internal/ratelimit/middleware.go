package ratelimit

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"school-backend/internal/observability"
)

// DenialRecorder counts rejected requests per route.
type DenialRecorder interface {
	IncRateLimitDenied(route string)
}

type Middleware struct {
	limiter *Limiter
	logger  *observability.Logger
	metrics DenialRecorder
	keyFunc func(*http.Request) string
}

func NewMiddleware(limiter *Limiter, logger *observability.Logger, metrics DenialRecorder) *Middleware {
	return &Middleware{
		limiter: limiter,
		logger:  logger,
		metrics: metrics,
		keyFunc: observability.ClientIP,
	}
}

// WithKeyFunc replaces the client key extractor, which defaults to the
// direct peer address.
func (m *Middleware) WithKeyFunc(fn func(*http.Request) string) *Middleware {
	if fn != nil {
		m.keyFunc = fn
	}
	return m
}

// Limit enforces the rule for route, keyed by client IP. Store failures are
// logged and the request is let through.
func (m *Middleware) Limit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := m.keyFunc(r)

			decision, err := m.limiter.Allow(r.Context(), clientKey, route)
			if err != nil && !errors.Is(err, ErrRateLimited) {
				m.logger.Error("rate_limit_check_failed", map[string]any{
					"route": route,
					"error": err.Error(),
				})
				observability.CaptureError(r.Context(), err, map[string]string{"route": route})
				next.ServeHTTP(w, r)
				return
			}

			if decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}

			if !decision.Allowed {
				if m.metrics != nil {
					m.metrics.IncRateLimitDenied(route)
				}
				m.logger.Warn("rate_limited", map[string]any{
					"route": route,
					"ip":    clientKey,
				})
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "too many requests, please try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

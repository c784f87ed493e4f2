package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

const (
	RouteLogin          = "login"
	RouteRegister       = "register"
	RouteVerifyOTP      = "verify-otp"
	RouteRefreshToken   = "refresh-token"
	RouteForgotPassword = "forgot-password"
	RouteVerifyReset    = "verify-otp-reset"
)

type Rule struct {
	Limit  int
	Window time.Duration
}

// Rules maps a route name to its limit. Routes without a rule are unlimited.
type Rules map[string]Rule

// DefaultRules are the per-client limits of the auth endpoints.
func DefaultRules() Rules {
	return Rules{
		RouteLogin:          {Limit: 5, Window: time.Minute},
		RouteRegister:       {Limit: 3, Window: time.Minute},
		RouteVerifyOTP:      {Limit: 5, Window: time.Minute},
		RouteRefreshToken:   {Limit: 5, Window: time.Minute},
		RouteForgotPassword: {Limit: 3, Window: time.Minute},
		RouteVerifyReset:    {Limit: 5, Window: time.Minute},
	}
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store counts hits in a fixed window. Increment returns the new count, never
// exceeding ceiling.
type Store interface {
	Increment(ctx context.Context, clientKey, route string, windowStart time.Time, window time.Duration, ceiling int) (int, error)
}

type Limiter struct {
	store Store
	rules Rules
	now   func() time.Time
}

func NewLimiter(store Store, rules Rules) *Limiter {
	return &Limiter{store: store, rules: rules, now: time.Now}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Rule(route string) (Rule, bool) {
	rule, ok := l.rules[route]
	return rule, ok && rule.Limit > 0 && rule.Window > 0
}

// Allow counts one hit for (clientKey, route) in the current fixed window.
// The window starts at floor(now / window), so a burst straddling a boundary
// may see up to twice the limit. Denials return ErrRateLimited.
func (l *Limiter) Allow(ctx context.Context, clientKey, route string) (Decision, error) {
	rule, ok := l.Rule(route)
	if !ok {
		return Decision{Allowed: true}, nil
	}

	now := l.now().UTC()
	windowStart := now.Truncate(rule.Window)
	resetAt := windowStart.Add(rule.Window)

	count, err := l.store.Increment(ctx, clientKey, route, windowStart, rule.Window, rule.Limit+1)
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate window: %w", err)
	}

	decision := Decision{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-count, 0),
		ResetAt:   resetAt,
	}
	if decision.Allowed {
		return decision, nil
	}

	decision.RetryAfter = resetAt.Sub(now)
	if decision.RetryAfter < time.Second {
		decision.RetryAfter = time.Second
	}
	return decision, ErrRateLimited
}

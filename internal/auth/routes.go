package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"school-backend/internal/ratelimit"
	"school-backend/internal/security"
)

// LimitFunc wraps a handler with the rate limit of a named route.
type LimitFunc func(route string) func(http.Handler) http.Handler

// Mount registers the auth endpoints on r.
func (h *Handler) Mount(r chi.Router, limit LimitFunc, tokens *security.TokenIssuer) {
	r.With(limit(ratelimit.RouteRegister)).Post("/register", h.Register)
	r.With(limit(ratelimit.RouteVerifyOTP)).Post("/verify-otp", h.VerifyOTP)
	r.With(limit(ratelimit.RouteLogin)).Post("/login", h.Login)
	r.With(limit(ratelimit.RouteRefreshToken)).Post("/refresh-token", h.Refresh)
	r.Post("/logout", h.Logout)
	r.With(limit(ratelimit.RouteForgotPassword)).Post("/forgot-password", h.ForgotPassword)
	r.With(limit(ratelimit.RouteVerifyReset)).Post("/verify-otp-reset", h.VerifyResetOTP)
	r.With(RequireAuth(tokens)).Get("/me", h.Me)
}

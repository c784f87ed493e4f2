package auth

import (
	"context"
	"net/http"
	"strings"

	"school-backend/internal/security"
)

type claimsKey struct{}

// RequireAuth rejects requests without a valid bearer access token and stores
// its claims on the request context.
func RequireAuth(tokens *security.TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}

			scheme, tokenStr, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}

			tokenStr = strings.TrimSpace(tokenStr)
			if tokenStr == "" {
				writeError(w, http.StatusUnauthorized, "invalid authorization token")
				return
			}

			claims, err := tokens.Parse(tokenStr)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*security.Claims)
	return claims, ok && claims != nil
}

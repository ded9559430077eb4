package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/afadil/wealthfolio-sync/internal/services"
)

type contextKey string

const claimsKey contextKey = "auth_claims"

// RequireAuth validates the Bearer token and the backing session, puts the
// claims on the request context, and records device activity.
func RequireAuth(authService *services.AuthService, deviceService *services.DeviceService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing access token")
				return
			}

			claims, err := authService.Authenticate(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid access token")
				return
			}

			// Best effort; a failed touch must not fail the request.
			_ = deviceService.TouchLastSeen(r.Context(), claims.DeviceID)

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Claims returns the authenticated token claims set by RequireAuth.
func Claims(ctx context.Context) *services.TokenClaims {
	claims, _ := ctx.Value(claimsKey).(*services.TokenClaims)
	return claims
}

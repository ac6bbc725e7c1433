package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyHeader carries the static API key on token requests.
const APIKeyHeader = "X-API-Key"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// claimsContextKey is the context key for storing validated claims.
const claimsContextKey contextKey = "claims"

// Middleware returns a chi-compatible middleware that requires a valid Bearer
// token on every request and injects the validated claims into the context.
func Middleware(m *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if token == "" || token == header {
				unauthorized(w, "malformed authorization header")
				return
			}

			claims, err := m.ValidateToken(token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext extracts validated claims from the context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

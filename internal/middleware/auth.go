package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/signalix/devicegate/internal/auth"
)

type contextKey string

const adminKey contextKey = "admin"

var errMissingToken = errors.New("missing token")

// AuthMiddleware validates admin bearer tokens and attaches the claims to the context
func AuthMiddleware(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), adminKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthorizeQueryToken returns a request check for websocket upgrades, where browsers
// cannot set headers: the token comes from the "token" query parameter or a bearer header.
func AuthorizeQueryToken(jwtService *auth.JWTService) func(*http.Request) error {
	return func(r *http.Request) error {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if token == "" {
			return errMissingToken
		}
		_, err := jwtService.VerifyToken(token)
		return err
	}
}

// GetAdmin returns the admin claims attached by AuthMiddleware
func GetAdmin(ctx context.Context) (*auth.AdminClaims, bool) {
	c, ok := ctx.Value(adminKey).(*auth.AdminClaims)
	return c, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}

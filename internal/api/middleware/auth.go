package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Claims represents JWT claims accepted by the monitor API.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator guards the admin routes with either a static API key or a
// bearer JWT.
type Authenticator struct {
	Enabled   bool
	JWTSecret string
	APIKeys   map[string]bool
}

// NewAuthenticator builds an Authenticator from config values.
func NewAuthenticator(enabled bool, jwtSecret string, apiKeys []string) *Authenticator {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = true
	}
	return &Authenticator{Enabled: enabled, JWTSecret: jwtSecret, APIKeys: keys}
}

// Middleware authenticates the request. Disabled authenticators pass
// everything through.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			if a.APIKeys[apiKey] {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(a.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Identity retrieves the authenticated claims from the request context, or
// nil for API-key and unauthenticated requests.
func Identity(ctx context.Context) *Claims {
	claims, ok := ctx.Value(identityContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// RequireRole rejects JWT identities whose role is neither the given one
// nor admin. API-key requests pass through.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := Identity(r.Context())
			if claims != nil && claims.Role != role && claims.Role != "admin" {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

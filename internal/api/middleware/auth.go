package middleware

import (
	"net/http"
	"strings"

	"github.com/botpaywall/botpaywall/internal/api/response"
	"github.com/botpaywall/botpaywall/internal/secret"
)

// Auth guards the control-plane API with the deployment's admin token.
type Auth struct {
	token string
}

// NewAuth creates auth middleware around the configured admin token.
func NewAuth(adminToken string) *Auth {
	return &Auth{token: adminToken}
}

// Authenticate validates the Bearer token against the admin token in
// constant time. An empty configured token locks the API out entirely
// rather than opening it up.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if a.token == "" || !secret.Equal(token, a.token) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid admin token", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

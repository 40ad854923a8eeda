package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/edvin/billing/internal/api/response"
)

// InternalAuth guards service-to-service routes with a shared bearer token.
// Browsers opening a WebSocket cannot set headers, so the token may also
// arrive as the "token" query parameter.
func InternalAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				response.WriteError(w, http.StatusServiceUnavailable, "internal API is not configured")
				return
			}
			got := extractToken(r)
			if got == "" {
				response.WriteError(w, http.StatusUnauthorized, "missing token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				response.WriteError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// ABOUTME: HTTP helpers for caller identification and admin JWT middleware
// ABOUTME: Agents assert identity via header; admin endpoints require a token

package auth

import (
	"net/http"
	"strings"
)

// AgentHeader carries the caller identity on RPC and discovery requests.
const AgentHeader = "X-Agent-ID"

// CallerFromRequest returns the agent id the request asserts. An empty
// string means the header was absent or blank.
func CallerFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(AgentHeader))
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequireAdmin creates an HTTP middleware that verifies a bearer token and
// the admin role, attaching the verified identity to the request context.
func RequireAdmin(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			if !claims.IsAdmin() {
				writeAuthError(w, http.StatusForbidden, "admin role required")
				return
			}

			id := &Identity{AgentID: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

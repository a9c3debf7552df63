// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header, resolves users, and gates routes by role

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/rig-gateway/internal/store"
)

// Users resolves a token subject to a stored user.
type Users interface {
	Get(ctx context.Context, id string) (*store.User, error)
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

// writeAuthError writes the same error envelope the API handlers use.
func writeAuthError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": kind, "message": message},
	})
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
//
// Agent tokens are trusted as a class: the subject names the agent and no
// lookup happens. Any other token must name an existing user, and the stored
// is_admin flag decides between RoleUser and RoleAdmin so a demoted admin's
// old token loses its privileges.
func HTTPAuthMiddleware(verifier TokenVerifier, users Users, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized", errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized", msg)
				return
			}

			authCtx := &AuthContext{PrincipalID: claims.Subject, Role: claims.Role}
			if claims.Role != RoleAgent {
				user, err := users.Get(r.Context(), claims.Subject)
				switch {
				case errors.Is(err, store.ErrNotFound):
					writeAuthError(w, http.StatusUnauthorized, "Unauthorized", "unknown user")
					return
				case err != nil:
					logger.Error("resolving token subject", "subject", claims.Subject, "error", err)
					writeAuthError(w, http.StatusInternalServerError, "Internal", "internal error")
					return
				}
				authCtx.Role = RoleUser
				if user.IsAdmin {
					authCtx.Role = RoleAdmin
				}
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireRole creates an HTTP middleware that admits only the listed roles.
// Must be used after HTTPAuthMiddleware.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized", "not authenticated")
				return
			}

			if !authCtx.HasRole(roles...) {
				writeAuthError(w, http.StatusForbidden, "Forbidden", string(authCtx.Role)+" role not permitted")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return RequireRole(RoleAdmin)
}

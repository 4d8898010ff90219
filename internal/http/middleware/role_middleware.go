package middleware

import (
	"net/http"
	"slices"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/http/response"
)

// RequireRole must run after AuthMiddleware. Role decisions use the
// claims as signed; they are not re-read from storage.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				response.Unauthorized(w, r)
				return
			}
			if !slices.Contains(roles, domain.Role(claims.Role)) {
				response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "insufficient role", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePortal admits callers whose token lists the portal. Admins pass.
func RequirePortal(portal string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				response.Unauthorized(w, r)
				return
			}
			if domain.Role(claims.Role) != domain.RoleAdmin && !slices.Contains(claims.Portals, portal) {
				response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "portal not assigned", map[string]string{"required": portal})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

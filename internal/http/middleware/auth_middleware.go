package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/kalima-platform/auth-service/internal/http/response"
	"github.com/kalima-platform/auth-service/internal/observability"
	"github.com/kalima-platform/auth-service/internal/security"
)

type contextKey string

const (
	ClaimsContextKey contextKey = "claims"
)

// AccessTokenVerifier is satisfied by *security.JWTManager.
type AccessTokenVerifier interface {
	ParseAccessToken(raw string) (*security.Claims, error)
}

// AuthMiddleware admits only requests carrying exactly "Bearer <token>"
// with a token that verifies. Every rejection is the same generic 401.
func AuthMiddleware(verifier AccessTokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "strict")
				response.Unauthorized(w, r)
				return
			}
			raw, ok := bearerToken(header)
			if !ok {
				observability.RecordAccessTokenValidation(r.Context(), "malformed", "strict")
				response.Unauthorized(w, r)
				return
			}
			claims, err := verifier.ParseAccessToken(raw)
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", "strict")
				response.Unauthorized(w, r)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", "strict")
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// OptionalAuthMiddleware never rejects. Claims are attached only for a
// well-formed header whose token verifies.
func OptionalAuthMiddleware(verifier AccessTokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := verifier.ParseAccessToken(raw)
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", "optional")
				next.ServeHTTP(w, r)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", "optional")
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// bearerToken accepts a case-insensitive scheme, one space and a token
// without further whitespace.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", false
	}
	return token, true
}

func WithClaims(ctx context.Context, claims *security.Claims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok && c != nil
}

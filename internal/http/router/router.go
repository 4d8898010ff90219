package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/health"
	"github.com/kalima-platform/auth-service/internal/http/handler"
	"github.com/kalima-platform/auth-service/internal/http/middleware"
	"github.com/kalima-platform/auth-service/internal/http/response"
)

type Dependencies struct {
	AuthHandler       *handler.AuthHandler
	UserHandler       *handler.UserHandler
	Verifier          middleware.AccessTokenVerifier
	CORSOrigins       []string
	AuthRateLimitRPM  int
	APIRateLimitRPM   int
	GlobalRateLimiter GlobalRateLimiterFunc
	AuthRateLimiter   AuthRateLimiterFunc
	Readiness         *health.ProbeRunner
	EnableOTelHTTP    bool
}

type GlobalRateLimiterFunc func(http.Handler) http.Handler
type AuthRateLimiterFunc func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))
	if dep.GlobalRateLimiter != nil {
		r.Use(dep.GlobalRateLimiter)
	} else {
		r.Use(middleware.NewRateLimiter(nil, middleware.PerMinute(dep.APIRateLimitRPM), middleware.FailClosed, "api", middleware.SubjectOrIPKeyFunc(dep.Verifier)).Middleware())
	}

	authLimiter := dep.AuthRateLimiter
	if authLimiter == nil {
		authLimiter = middleware.NewRateLimiter(nil, middleware.PerMinute(dep.AuthRateLimitRPM), middleware.FailClosed, "auth", nil).Middleware()
	}
	requireAuth := middleware.AuthMiddleware(dep.Verifier)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authLimiter)
			r.Post("/", dep.AuthHandler.Login)
			r.Post("/login", dep.AuthHandler.Login)
			r.Post("/register", dep.AuthHandler.Register)
			r.Get("/refresh", dep.AuthHandler.Refresh)
			r.Post("/refresh", dep.AuthHandler.Refresh)
			r.Post("/logout", dep.AuthHandler.Logout)
			r.With(requireAuth).Post("/change-password", dep.AuthHandler.ChangePassword)
		})
		r.With(middleware.OptionalAuthMiddleware(dep.Verifier)).Get("/session", dep.AuthHandler.Session)
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/logout-all", dep.AuthHandler.LogoutAll)
			r.Get("/sessions", dep.AuthHandler.ListSessions)
			r.Delete("/sessions/{id}", dep.AuthHandler.RevokeSession)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/me", dep.UserHandler.Me)
		for _, portal := range domain.KnownPortals {
			r.With(middleware.RequirePortal(portal)).Get("/portals/"+portal, dep.UserHandler.PortalEntry(portal))
		}
		r.With(middleware.RequireRole(domain.RoleAdmin)).Delete("/admin/users/{id}/sessions", dep.UserHandler.RevokeUserSessions)
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}

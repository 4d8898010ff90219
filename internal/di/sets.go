package di

import (
	"log/slog"

	"github.com/google/wire"

	"github.com/kalima-platform/auth-service/internal/database"
	"github.com/kalima-platform/auth-service/internal/http/handler"
	"github.com/kalima-platform/auth-service/internal/service"
)

// Maintenance is the storage-only graph used by offline commands.
type Maintenance struct {
	Logger *slog.Logger
	DB     *database.Handles
	Store  *service.RefreshTokenStore
}

var ObservabilitySet = wire.NewSet(
	provideLogging,
	provideLogger,
)

var StorageSet = wire.NewSet(
	provideDatabase,
	provideUserRepository,
	provideRefreshTokenRepository,
	provideRedis,
	provideDeadTokenCache,
	provideRefreshTokenStore,
)

var ServiceSet = wire.NewSet(
	provideJWTManager,
	providePasswordHasher,
	provideAuthAbuseGuard,
	service.NewTokenService,
	provideAuthService,
	provideSessionService,
	wire.Bind(new(service.AuthServiceInterface), new(*service.AuthService)),
	wire.Bind(new(service.SessionServiceInterface), new(*service.SessionService)),
)

var HTTPSet = wire.NewSet(
	provideObservability,
	provideCookieConfig,
	handler.NewAuthHandler,
	handler.NewUserHandler,
	provideReadiness,
	provideGlobalRateLimiter,
	provideAuthRateLimiter,
	provideRouter,
	provideHTTPServer,
)

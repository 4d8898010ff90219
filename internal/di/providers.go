package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/kalima-platform/auth-service/internal/app"
	"github.com/kalima-platform/auth-service/internal/config"
	"github.com/kalima-platform/auth-service/internal/database"
	"github.com/kalima-platform/auth-service/internal/health"
	"github.com/kalima-platform/auth-service/internal/http/handler"
	"github.com/kalima-platform/auth-service/internal/http/middleware"
	"github.com/kalima-platform/auth-service/internal/http/router"
	"github.com/kalima-platform/auth-service/internal/observability"
	"github.com/kalima-platform/auth-service/internal/repository"
	"github.com/kalima-platform/auth-service/internal/security"
	"github.com/kalima-platform/auth-service/internal/service"
)

// Logging pairs the process logger with the OTLP provider backing it, if any.
type Logging struct {
	Logger   *slog.Logger
	Provider *sdklog.LoggerProvider
}

// provideLogging installs the process logger. Its cleanup runs last in every
// injector so records written while closing storage still reach the collector.
func provideLogging(ctx context.Context, cfg *config.Config) (Logging, func(), error) {
	logger, lp, err := observability.NewLogger(ctx, cfg)
	if err != nil {
		return Logging{}, nil, err
	}
	slog.SetDefault(logger)
	cleanup := func() {
		if lp == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("log provider shutdown failed", "error", err)
		}
	}
	return Logging{Logger: logger, Provider: lp}, cleanup, nil
}

func provideLogger(l Logging) *slog.Logger { return l.Logger }

// provideObservability starts metrics and tracing. App.Shutdown normally
// flushes the runtime first and the cleanup is then a no-op. It matters when a
// later provider fails and the app is never built.
func provideObservability(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*observability.Runtime, func(), error) {
	rt, err := observability.InitRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}
	return rt, cleanup, nil
}

func provideDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.Handles, func(), error) {
	h, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := h.Close(context.Background()); err != nil {
			logger.Warn("database close failed", "error", err)
		}
	}
	if err := database.Migrate(ctx, h); err != nil {
		cleanup()
		return nil, nil, err
	}
	logger.Info("storage ready", "driver", h.Driver)
	return h, cleanup, nil
}

func provideUserRepository(h *database.Handles) repository.UserRepository {
	if h.Mongo != nil {
		return repository.NewMongoUserRepository(repository.NewMongoStore(h.Mongo))
	}
	return repository.NewUserRepository(h.SQL)
}

func provideRefreshTokenRepository(h *database.Handles) repository.RefreshTokenRepository {
	if h.Mongo != nil {
		return repository.NewMongoRefreshTokenRepository(repository.NewMongoStore(h.Mongo))
	}
	return repository.NewRefreshTokenRepository(h.SQL)
}

// provideRedis returns a nil client when REDIS_ADDR is unset. Every consumer
// falls back to its in-process implementation in that case.
func provideRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (redis.UniversalClient, func(), error) {
	if cfg.RedisAddr == "" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close failed", "error", err)
		}
	}
	return client, cleanup, nil
}

func provideAuthAbuseGuard(cfg *config.Config, rdb redis.UniversalClient) service.AuthAbuseGuard {
	policy := service.AuthAbusePolicy{
		FreeAttempts: cfg.LoginAbuseFreeAttempts,
		BaseDelay:    cfg.LoginAbuseBaseDelay,
		MaxDelay:     cfg.LoginAbuseMaxDelay,
		ResetWindow:  cfg.LoginAbuseResetWindow,
	}
	if rdb != nil {
		return service.NewRedisAuthAbuseGuard(rdb, cfg.RedisKeyPrefix+":auth_abuse", policy)
	}
	return service.NewMemoryAuthAbuseGuard(policy)
}

func provideDeadTokenCache(cfg *config.Config, rdb redis.UniversalClient) service.DeadTokenCache {
	if rdb != nil {
		return service.NewRedisDeadTokenCache(rdb, cfg.RedisKeyPrefix+":dead_refresh")
	}
	return service.NewInMemoryDeadTokenCache()
}

func provideJWTManager(cfg *config.Config) (*security.JWTManager, error) {
	return security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret, cfg.AccessTokenTTL)
}

func provideRefreshTokenStore(cfg *config.Config, repo repository.RefreshTokenRepository, dead service.DeadTokenCache) *service.RefreshTokenStore {
	return service.NewRefreshTokenStore(repo, cfg.RefreshTokenTTL, cfg.StoreTimeout).WithDeadTokenCache(dead, 0)
}

func providePasswordHasher() *security.PasswordHasher {
	return security.NewPasswordHasher(bcrypt.DefaultCost)
}

func provideAuthService(cfg *config.Config, users repository.UserRepository, tokens *service.TokenService, hasher *security.PasswordHasher, guard service.AuthAbuseGuard, logger *slog.Logger) *service.AuthService {
	return service.NewAuthService(users, tokens, hasher, guard, cfg.StoreTimeout, logger)
}

func provideSessionService(cfg *config.Config, repo repository.RefreshTokenRepository) *service.SessionService {
	return service.NewSessionService(repo, cfg.StoreTimeout)
}

func provideCookieConfig(cfg *config.Config) security.CookieConfig {
	return security.CookieConfig{
		Name:     cfg.CookieName,
		Path:     cfg.CookiePath,
		Domain:   cfg.CookieDomain,
		Secure:   cfg.CookieSecure,
		SameSite: cfg.CookieSameSite,
	}
}

func provideReadiness(h *database.Handles, rdb redis.UniversalClient) *health.ProbeRunner {
	probes := []health.Probe{{Name: "database", Check: h.Ping}}
	if rdb != nil {
		probes = append(probes, health.Probe{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return health.NewProbeRunner(2*time.Second, time.Second, probes...)
}

func provideGlobalRateLimiter(cfg *config.Config, rdb redis.UniversalClient, jwtMgr *security.JWTManager) router.GlobalRateLimiterFunc {
	if !cfg.UseRedisLimiter || rdb == nil {
		return nil
	}
	limiter := middleware.NewRedisFixedWindowLimiter(rdb, cfg.RedisKeyPrefix+":rl")
	return middleware.NewRateLimiter(limiter, middleware.PerMinute(cfg.APIRateLimitRPM), middleware.FailOpen, "api", middleware.SubjectOrIPKeyFunc(jwtMgr)).Middleware()
}

func provideAuthRateLimiter(cfg *config.Config, rdb redis.UniversalClient) router.AuthRateLimiterFunc {
	if !cfg.UseRedisLimiter || rdb == nil {
		return nil
	}
	limiter := middleware.NewRedisFixedWindowLimiter(rdb, cfg.RedisKeyPrefix+":rl")
	return middleware.NewRateLimiter(limiter, middleware.PerMinute(cfg.AuthRateLimitRPM), middleware.FailClosed, "auth", nil).Middleware()
}

func provideRouter(
	cfg *config.Config,
	authHandler *handler.AuthHandler,
	userHandler *handler.UserHandler,
	jwtMgr *security.JWTManager,
	readiness *health.ProbeRunner,
	global router.GlobalRateLimiterFunc,
	auth router.AuthRateLimiterFunc,
) http.Handler {
	return router.NewRouter(router.Dependencies{
		AuthHandler:       authHandler,
		UserHandler:       userHandler,
		Verifier:          jwtMgr,
		CORSOrigins:       cfg.CORSOrigins,
		AuthRateLimitRPM:  cfg.AuthRateLimitRPM,
		APIRateLimitRPM:   cfg.APIRateLimitRPM,
		GlobalRateLimiter: global,
		AuthRateLimiter:   auth,
		Readiness:         readiness,
		EnableOTelHTTP:    cfg.OTELTracingEnabled,
	})
}

func provideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func provideApp(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	store *service.RefreshTokenStore,
	readiness *health.ProbeRunner,
) *app.App {
	return app.New(cfg, logger, server, runtime, store, readiness)
}

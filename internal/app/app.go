package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalima-platform/auth-service/internal/config"
	"github.com/kalima-platform/auth-service/internal/health"
	"github.com/kalima-platform/auth-service/internal/observability"
)

// SessionCleaner deletes refresh token records past their expiry.
type SessionCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Sessions      SessionCleaner
	Readiness     *health.ProbeRunner

	CleanupInterval time.Duration
	ShutdownTimeout time.Duration
}

func New(cfg *config.Config, logger *slog.Logger, server *http.Server, runtime *observability.Runtime, sessions SessionCleaner, readiness *health.ProbeRunner) *App {
	return &App{
		Config:          cfg,
		Logger:          logger,
		Server:          server,
		Observability:   runtime,
		Sessions:        sessions,
		Readiness:       readiness,
		CleanupInterval: cfg.SessionCleanupInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Run serves until ctx is cancelled or the listener fails, then drains the
// server and flushes telemetry.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.runCleanup(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	timeout := a.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.Logger.Info("shutting down")
	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Observability.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) runCleanup(ctx context.Context) {
	if a.Sessions == nil || a.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.CleanupOnce(ctx)
		}
	}
}

// CleanupOnce runs a single sweep. Failures are logged and retried on the
// next tick.
func (a *App) CleanupOnce(ctx context.Context) {
	n, err := a.Sessions.CleanupExpired(ctx)
	if err != nil {
		a.Logger.Warn("session cleanup failed", "error", err)
		return
	}
	if n > 0 {
		a.Logger.Info("expired sessions removed", "count", n)
	}
}

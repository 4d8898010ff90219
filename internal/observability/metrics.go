package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalima-platform/auth-service/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "kalima-auth-service"

type appMetrics struct {
	authLogin        metric.Int64Counter
	authRefresh      metric.Int64Counter
	authLogout       metric.Int64Counter
	accessValidation metric.Int64Counter
	repoOperation    metric.Int64Counter
	rateLimit        metric.Int64Counter
	rateLimitRetry   metric.Float64Histogram
	sessionCleanup   metric.Int64Counter
}

var (
	metricsOnce sync.Once
	instruments *appMetrics
)

// instrumentsFor resolves instruments from the global provider. The global
// meter delegates, so instruments created before InitMetrics still export.
func instrumentsFor() *appMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)
		m := &appMetrics{}
		m.authLogin, _ = meter.Int64Counter("auth.login.attempts")
		m.authRefresh, _ = meter.Int64Counter("auth.refresh.attempts")
		m.authLogout, _ = meter.Int64Counter("auth.logout.attempts")
		m.accessValidation, _ = meter.Int64Counter("auth.access_token.validations")
		m.repoOperation, _ = meter.Int64Counter("repository.operations")
		m.rateLimit, _ = meter.Int64Counter("http.rate_limit.decisions")
		m.rateLimitRetry, _ = meter.Float64Histogram("http.rate_limit.retry_after", metric.WithUnit("s"))
		m.sessionCleanup, _ = meter.Int64Counter("auth.refresh_token.cleanup.deleted")
		instruments = m
	})
	return instruments
}

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create metric resource: %w", err), exporter.Shutdown(ctx))
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)
	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func RecordAuthLogin(ctx context.Context, status string) {
	m := instrumentsFor()
	if m.authLogin == nil {
		return
	}
	m.authLogin.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthRefresh(ctx context.Context, status string) {
	m := instrumentsFor()
	if m.authRefresh == nil {
		return
	}
	m.authRefresh.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthLogout(ctx context.Context, scope, status string) {
	m := instrumentsFor()
	if m.authLogout == nil {
		return
	}
	m.authLogout.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("status", status),
	))
}

func RecordAccessTokenValidation(ctx context.Context, outcome, mode string) {
	m := instrumentsFor()
	if m.accessValidation == nil {
		return
	}
	m.accessValidation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("mode", mode),
	))
}

func RecordRepositoryOperation(ctx context.Context, repo, op, outcome string) {
	m := instrumentsFor()
	if m.repoOperation == nil {
		return
	}
	m.repoOperation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repository", repo),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func RecordRateLimitDecision(ctx context.Context, scope, decision, mode, keyType string) {
	m := instrumentsFor()
	if m.rateLimit == nil {
		return
	}
	m.rateLimit.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("decision", decision),
		attribute.String("mode", mode),
		attribute.String("key_type", keyType),
	))
}

func RecordRateLimitRetryAfter(ctx context.Context, scope, reason string, d time.Duration) {
	m := instrumentsFor()
	if m.rateLimitRetry == nil {
		return
	}
	m.rateLimitRetry.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("reason", reason),
	))
}

func RecordSessionCleanup(ctx context.Context, deleted int64) {
	m := instrumentsFor()
	if m.sessionCleanup == nil || deleted <= 0 {
		return
	}
	m.sessionCleanup.Add(ctx, deleted)
}

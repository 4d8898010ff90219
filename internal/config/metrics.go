package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var loadEvents struct {
	once    sync.Once
	counter metric.Int64Counter
}

// recordLoad counts one Load attempt by deployment profile and failure class.
func recordLoad(ctx context.Context, profile string, err error) {
	loadEvents.once.Do(func() {
		c, cerr := otel.Meter("kalima-auth-service").Int64Counter("config.validation.events")
		if cerr == nil {
			loadEvents.counter = c
		}
	})
	if loadEvents.counter == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	loadEvents.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", normalizeConfigProfile(profile)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", classifyConfigLoadError(err)),
	))
}

func normalizeConfigProfile(profile string) string {
	if p := strings.ToLower(strings.TrimSpace(profile)); p != "" {
		return p
	}
	return "unknown"
}

func classifyConfigLoadError(err error) string {
	var (
		keyErr   *KeyError
		validErr *ValidationError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &keyErr):
		return "parse"
	case errors.As(err, &validErr):
		return "validation"
	}
	return "load"
}

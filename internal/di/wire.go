//go:build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/kalima-platform/auth-service/internal/app"
	"github.com/kalima-platform/auth-service/internal/config"
)

func InitializeApp(ctx context.Context, cfg *config.Config) (*app.App, func(), error) {
	wire.Build(
		ObservabilitySet,
		StorageSet,
		ServiceSet,
		HTTPSet,
		provideApp,
	)
	return nil, nil, nil
}

func InitializeMaintenance(ctx context.Context, cfg *config.Config) (*Maintenance, func(), error) {
	wire.Build(
		ObservabilitySet,
		StorageSet,
		wire.Struct(new(Maintenance), "*"),
	)
	return nil, nil, nil
}

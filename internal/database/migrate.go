package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/kalima-platform/auth-service/internal/config"
	"github.com/kalima-platform/auth-service/internal/repository"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

var gooseDialects = map[string]string{
	config.StorageDriverPostgres: "postgres",
	config.StorageDriverSQLite:   "sqlite3",
}

// Migrate applies embedded SQL migrations for SQL drivers and creates
// indexes for Mongo.
func Migrate(ctx context.Context, h *Handles) error {
	if h.Mongo != nil {
		return repository.NewMongoStore(h.Mongo).EnsureIndexes(ctx)
	}
	dialect, ok := gooseDialects[h.Driver]
	if !ok {
		return fmt.Errorf("no migrations for driver %q", h.Driver)
	}
	sqlDB, err := h.SQL.DB()
	if err != nil {
		return err
	}
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations/"+h.Driver); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/kalima-platform/auth-service/internal/config"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Handles carries whichever backend the configured driver opened.
// Exactly one of SQL or Mongo is set.
type Handles struct {
	Driver string
	SQL    *gorm.DB
	Mongo  *mongo.Database
	client *mongo.Client
}

func Open(ctx context.Context, cfg *config.Config) (*Handles, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		db, err := OpenGorm(postgres.Open(cfg.DatabaseURL))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &Handles{Driver: cfg.StorageDriver, SQL: db}, nil
	case config.StorageDriverSQLite:
		db, err := OpenGorm(sqlite.Open(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &Handles{Driver: cfg.StorageDriver, SQL: db}, nil
	case config.StorageDriverMongo:
		client, err := ConnectMongo(ctx, cfg.MongoURI, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return &Handles{Driver: cfg.StorageDriver, Mongo: client.Database(cfg.MongoDatabase), client: client}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// OpenGorm translates driver errors so unique violations surface as
// gorm.ErrDuplicatedKey.
func OpenGorm(dialector gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
}

func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// Ping is used by the readiness probe.
func (h *Handles) Ping(ctx context.Context) error {
	if h.SQL != nil {
		sqlDB, err := h.SQL.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
	if h.client != nil {
		return h.client.Ping(ctx, readpref.Primary())
	}
	return fmt.Errorf("no database configured")
}

func (h *Handles) Close(ctx context.Context) error {
	if h.SQL != nil {
		sqlDB, err := h.SQL.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	if h.client != nil {
		return h.client.Disconnect(ctx)
	}
	return nil
}

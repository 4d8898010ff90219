package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverSQLite   = "sqlite"
	StorageDriverMongo    = "mongo"

	minSecretLength = 32
)

var (
	ErrAccessSecretMissing  = errors.New("JWT_ACCESS_SECRET is required")
	ErrAccessSecretTooShort = fmt.Errorf("JWT_ACCESS_SECRET must be at least %d bytes", minSecretLength)
)

type Config struct {
	AppEnv   string
	HTTPAddr string

	StorageDriver   string
	DatabaseURL     string
	SQLitePath      string
	MongoURI        string
	MongoDatabase   string
	StoreTimeout    time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKeyPrefix  string
	UseRedisLimiter bool

	JWTIssuer       string
	JWTAudience     string
	JWTAccessSecret string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	CookieName     string
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite

	AuthRateLimitRPM int
	APIRateLimitRPM  int
	CORSOrigins      []string

	LoginAbuseFreeAttempts int
	LoginAbuseBaseDelay    time.Duration
	LoginAbuseMaxDelay     time.Duration
	LoginAbuseResetWindow  time.Duration

	SessionCleanupInterval time.Duration
	ShutdownTimeout        time.Duration

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracingEnabled        bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
	LogLevel                  string
}

// Load reads an optional .env file, then the process environment.
// Environment variables always win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg, err := fromViper(v)
	if err != nil {
		recordLoad(context.Background(), v.GetString("APP_ENV"), err)
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		err = &ValidationError{Err: err}
		recordLoad(context.Background(), cfg.AppEnv, err)
		return nil, err
	}
	recordLoad(context.Background(), cfg.AppEnv, nil)
	return cfg, nil
}

// KeyError reports an environment value that could not be parsed.
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string { return "parse " + e.Key + ": " + e.Err.Error() }

func (e *KeyError) Unwrap() error { return e.Err }

// ValidationError wraps every problem found by Validate.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return "validate config: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("STORAGE_DRIVER", StorageDriverSQLite)
	v.SetDefault("SQLITE_PATH", "auth.db")
	v.SetDefault("MONGODB_DATABASE", "kalima")
	v.SetDefault("STORE_TIMEOUT", "3s")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "kalima")
	v.SetDefault("RATE_LIMIT_REDIS_ENABLED", false)
	v.SetDefault("JWT_ISSUER", "kalima-auth")
	v.SetDefault("JWT_AUDIENCE", "kalima-platform")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL_DAYS", 7)
	v.SetDefault("COOKIE_NAME", "jwt")
	v.SetDefault("COOKIE_PATH", "/auth")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("COOKIE_SAMESITE", "none")
	v.SetDefault("AUTH_RATE_LIMIT_RPM", 30)
	v.SetDefault("API_RATE_LIMIT_RPM", 600)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("LOGIN_ABUSE_FREE_ATTEMPTS", 3)
	v.SetDefault("LOGIN_ABUSE_BASE_DELAY", "2s")
	v.SetDefault("LOGIN_ABUSE_MAX_DELAY", "5m")
	v.SetDefault("LOGIN_ABUSE_RESET_WINDOW", "15m")
	v.SetDefault("SESSION_CLEANUP_INTERVAL", "1h")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("OTEL_SERVICE_NAME", "kalima-auth-service")
	v.SetDefault("OTEL_ENVIRONMENT", "development")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("OTEL_METRICS_ENABLED", false)
	v.SetDefault("OTEL_TRACING_ENABLED", false)
	v.SetDefault("OTEL_LOGS_ENABLED", false)
	v.SetDefault("OTEL_METRICS_EXPORT_INTERVAL", "15s")
	v.SetDefault("LOG_LEVEL", "info")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AppEnv:                 strings.TrimSpace(v.GetString("APP_ENV")),
		HTTPAddr:               v.GetString("HTTP_ADDR"),
		StorageDriver:          strings.ToLower(strings.TrimSpace(v.GetString("STORAGE_DRIVER"))),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		SQLitePath:             v.GetString("SQLITE_PATH"),
		MongoURI:               v.GetString("MONGODB_URI"),
		MongoDatabase:          v.GetString("MONGODB_DATABASE"),
		RedisAddr:              v.GetString("REDIS_ADDR"),
		RedisPassword:          v.GetString("REDIS_PASSWORD"),
		RedisDB:                v.GetInt("REDIS_DB"),
		RedisKeyPrefix:         v.GetString("REDIS_KEY_PREFIX"),
		UseRedisLimiter:        v.GetBool("RATE_LIMIT_REDIS_ENABLED"),
		JWTIssuer:              v.GetString("JWT_ISSUER"),
		JWTAudience:            v.GetString("JWT_AUDIENCE"),
		JWTAccessSecret:        v.GetString("JWT_ACCESS_SECRET"),
		CookieName:             v.GetString("COOKIE_NAME"),
		CookiePath:             v.GetString("COOKIE_PATH"),
		CookieDomain:           v.GetString("COOKIE_DOMAIN"),
		CookieSecure:           v.GetBool("COOKIE_SECURE"),
		AuthRateLimitRPM:       v.GetInt("AUTH_RATE_LIMIT_RPM"),
		APIRateLimitRPM:        v.GetInt("API_RATE_LIMIT_RPM"),
		CORSOrigins:            splitCSV(v.GetString("CORS_ORIGINS")),
		LoginAbuseFreeAttempts: v.GetInt("LOGIN_ABUSE_FREE_ATTEMPTS"),

		OTELServiceName:          v.GetString("OTEL_SERVICE_NAME"),
		OTELEnvironment:          v.GetString("OTEL_ENVIRONMENT"),
		OTELExporterOTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTELExporterOTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
		OTELMetricsEnabled:       v.GetBool("OTEL_METRICS_ENABLED"),
		OTELTracingEnabled:       v.GetBool("OTEL_TRACING_ENABLED"),
		OTELLogsEnabled:          v.GetBool("OTEL_LOGS_ENABLED"),
		LogLevel:                 strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"STORE_TIMEOUT", &cfg.StoreTimeout},
		{"JWT_ACCESS_TTL", &cfg.AccessTokenTTL},
		{"LOGIN_ABUSE_BASE_DELAY", &cfg.LoginAbuseBaseDelay},
		{"LOGIN_ABUSE_MAX_DELAY", &cfg.LoginAbuseMaxDelay},
		{"LOGIN_ABUSE_RESET_WINDOW", &cfg.LoginAbuseResetWindow},
		{"SESSION_CLEANUP_INTERVAL", &cfg.SessionCleanupInterval},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"OTEL_METRICS_EXPORT_INTERVAL", &cfg.OTELMetricsExportInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(d.key)))
		if err != nil {
			return nil, &KeyError{Key: d.key, Err: err}
		}
		*d.dst = parsed
	}

	days := v.GetInt("REFRESH_TOKEN_TTL_DAYS")
	cfg.RefreshTokenTTL = time.Duration(days) * 24 * time.Hour

	sameSite, err := ParseSameSite(v.GetString("COOKIE_SAMESITE"))
	if err != nil {
		return nil, &KeyError{Key: "COOKIE_SAMESITE", Err: err}
	}
	cfg.CookieSameSite = sameSite
	return cfg, nil
}

// Validate reports configuration that must stop the process before it
// serves a single request.
func (c *Config) Validate() error {
	var errs []error
	switch {
	case c.JWTAccessSecret == "":
		errs = append(errs, ErrAccessSecretMissing)
	case len(c.JWTAccessSecret) < minSecretLength:
		errs = append(errs, ErrAccessSecretTooShort)
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TTL must be positive"))
	}
	if c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL_DAYS must be positive"))
	}
	if c.RefreshTokenTTL > 0 && c.AccessTokenTTL >= c.RefreshTokenTTL {
		errs = append(errs, errors.New("JWT_ACCESS_TTL must be shorter than the refresh token lifetime"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres storage"))
		}
	case StorageDriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for sqlite storage"))
		}
	case StorageDriverMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGODB_URI is required for mongo storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.CookieSameSite == http.SameSiteNoneMode && !c.CookieSecure {
		errs = append(errs, errors.New("COOKIE_SAMESITE=none requires COOKIE_SECURE=true"))
	}
	if c.UseRedisLimiter && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when RATE_LIMIT_REDIS_ENABLED=true"))
	}
	return errors.Join(errs...)
}

func ParseSameSite(raw string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none":
		return http.SameSiteNoneMode, nil
	case "lax", "":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	default:
		return http.SameSiteDefaultMode, fmt.Errorf("unknown SameSite mode %q", raw)
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

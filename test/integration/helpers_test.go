package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"

	"github.com/kalima-platform/auth-service/internal/config"
	"github.com/kalima-platform/auth-service/internal/database"
	"github.com/kalima-platform/auth-service/internal/health"
	"github.com/kalima-platform/auth-service/internal/http/handler"
	"github.com/kalima-platform/auth-service/internal/http/router"
	"github.com/kalima-platform/auth-service/internal/repository"
	"github.com/kalima-platform/auth-service/internal/security"
	"github.com/kalima-platform/auth-service/internal/service"
)

const testSecret = "integration-secret-0123456789abcdef"

type serverOptions struct {
	redis     redis.UniversalClient
	accessTTL time.Duration
	// refreshDelay holds every refresh request open so concurrent callers
	// overlap deterministically.
	refreshDelay time.Duration
}

type authTestServer struct {
	URL          string
	srv          *httptest.Server
	refreshCalls atomic.Int64
}

// newAuthTestServer wires the production graph over a migrated sqlite file.
// Writes are serialized through one connection, like a single-writer engine.
func newAuthTestServer(t *testing.T, opts serverOptions) *authTestServer {
	t.Helper()
	db, err := database.OpenGorm(sqlite.Open(filepath.Join(t.TempDir(), "auth.db")))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	handles := &database.Handles{Driver: config.StorageDriverSQLite, SQL: db}
	if err := database.Migrate(context.Background(), handles); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = handles.Close(context.Background()) })

	if opts.accessTTL <= 0 {
		opts.accessTTL = 15 * time.Minute
	}
	jwtMgr, err := security.NewJWTManager("kalima", "kalima-web", testSecret, opts.accessTTL)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := repository.NewUserRepository(db)
	tokens := repository.NewRefreshTokenRepository(db)

	var (
		guard service.AuthAbuseGuard = service.NewMemoryAuthAbuseGuard(service.AuthAbusePolicy{})
		dead  service.DeadTokenCache = service.NewInMemoryDeadTokenCache()
	)
	probes := []health.Probe{{Name: "database", Check: handles.Ping}}
	if opts.redis != nil {
		guard = service.NewRedisAuthAbuseGuard(opts.redis, "itest:abuse", service.AuthAbusePolicy{})
		dead = service.NewRedisDeadTokenCache(opts.redis, "itest:dead")
		probes = append(probes, health.Probe{Name: "redis", Check: func(ctx context.Context) error { return opts.redis.Ping(ctx).Err() }})
	}
	store := service.NewRefreshTokenStore(tokens, 7*24*time.Hour, 5*time.Second).WithDeadTokenCache(dead, time.Minute)
	authSvc := service.NewAuthService(users, service.NewTokenService(jwtMgr, store), security.NewPasswordHasher(bcrypt.MinCost), guard, 5*time.Second, logger)
	sessions := service.NewSessionService(tokens, 5*time.Second)
	cookie := security.CookieConfig{Name: "jwt", Path: "/auth", Secure: true, SameSite: http.SameSiteNoneMode}

	h := router.NewRouter(router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(authSvc, sessions, cookie, logger),
		UserHandler:      handler.NewUserHandler(authSvc, logger),
		Verifier:         jwtMgr,
		CORSOrigins:      []string{"https://app.example.com"},
		AuthRateLimitRPM: 10000,
		APIRateLimitRPM:  10000,
		Readiness:        health.NewProbeRunner(time.Second, 0, probes...),
	})

	ts := &authTestServer{}
	ts.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			ts.refreshCalls.Add(1)
			if opts.refreshDelay > 0 {
				time.Sleep(opts.refreshDelay)
			}
		}
		h.ServeHTTP(w, r)
	}))
	ts.URL = ts.srv.URL
	t.Cleanup(ts.srv.Close)
	return ts
}

// newBrowser returns a TLS client with its own cookie jar, like one device.
func (s *authTestServer) newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	c := *s.srv.Client()
	c.Jar = jar
	return &c
}

func doJSON(t *testing.T, client *http.Client, method, target string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return resp, out
}

func cookieValue(t *testing.T, client *http.Client, baseURL, name string) string {
	t.Helper()
	u, err := url.Parse(baseURL + "/auth/refresh")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func register(t *testing.T, s *authTestServer, client *http.Client, name string) string {
	t.Helper()
	resp, body := doJSON(t, client, http.MethodPost, s.URL+"/auth/register", map[string]any{
		"name":     name,
		"email":    strings.ToLower(name) + "@example.com",
		"password": "Valid#Pass1234",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status=%d body=%v", name, resp.StatusCode, body)
	}
	token, _ := body["accessToken"].(string)
	return token
}

func login(t *testing.T, s *authTestServer, client *http.Client, name string) string {
	t.Helper()
	resp, body := doJSON(t, client, http.MethodPost, s.URL+"/auth/login", map[string]any{
		"identifier": name,
		"password":   "Valid#Pass1234",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status=%d body=%v", name, resp.StatusCode, body)
	}
	token, _ := body["accessToken"].(string)
	return token
}

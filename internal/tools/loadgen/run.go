package loadgen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalima-platform/auth-service/internal/client"
)

type Config struct {
	BaseURL     string
	Identifier  string
	Password    string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	HTTPClient  *http.Client
}

type Result struct {
	TotalRequests int
	Failures      int
	ByStatusClass map[string]int
	Refreshes     int
	Elapsed       time.Duration
}

// Run logs in one session per worker and drives authenticated traffic
// through the client scheduler until Duration elapses.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	profile := normalizeProfile(cfg.Profile)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Concurrency)
	res := &Result{ByStatusClass: map[string]int{}}
	var mu sync.Mutex
	record := func(status int, err error) {
		mu.Lock()
		defer mu.Unlock()
		res.TotalRequests++
		if err != nil {
			res.Failures++
			res.ByStatusClass["error"]++
			return
		}
		class := classifyStatusClass(status)
		res.ByStatusClass[class]++
		if status >= 400 {
			res.Failures++
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Concurrency; i++ {
		g.Go(func() error {
			c, err := client.New(cfg.BaseURL, cfg.HTTPClient, client.Options{})
			if err != nil {
				return err
			}
			c.Scheduler().OnRefresh(func(client.Token) {
				mu.Lock()
				res.Refreshes++
				mu.Unlock()
			})
			if _, err := c.Login(gctx, cfg.Identifier, cfg.Password); err != nil {
				return fmt.Errorf("worker login: %w", err)
			}
			defer func() { _ = c.Logout(context.WithoutCancel(gctx)) }()

			for n := 0; ; n++ {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				status, err := step(gctx, c, profile, n)
				if err != nil && gctx.Err() != nil {
					return nil
				}
				record(status, err)
			}
		})
	}
	err := g.Wait()
	res.Elapsed = time.Since(start)
	return res, err
}

func step(ctx context.Context, c *client.Client, profile string, n int) (int, error) {
	if profile == "auth" || (profile == "mixed" && n%5 == 4) {
		_, err := c.Scheduler().Refresh(ctx)
		if errors.Is(err, client.ErrSessionEnded) {
			return http.StatusUnauthorized, nil
		}
		if err != nil {
			return 0, err
		}
		return http.StatusOK, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+"/api/v1/me", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(p string) string {
	switch p = strings.ToLower(strings.TrimSpace(p)); p {
	case "auth", "api":
		return p
	default:
		return "mixed"
	}
}

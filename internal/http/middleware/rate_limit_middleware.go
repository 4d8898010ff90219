package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kalima-platform/auth-service/internal/http/response"
	"github.com/kalima-platform/auth-service/internal/observability"

	"golang.org/x/time/rate"
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
}

// RateLimitPolicy admits Limit requests per Window for each key.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

func (p RateLimitPolicy) normalized() RateLimitPolicy {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

// PerMinute builds a policy from an RPM setting.
func PerMinute(rpm int) RateLimitPolicy {
	return RateLimitPolicy{Limit: rpm, Window: time.Minute}.normalized()
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error)
}

type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// LocalLimiter keeps one token bucket per key in process memory.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	now     func() time.Time
	sweepAt time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*localBucket), now: time.Now}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = policy.normalized()
	now := l.now()
	every := rate.Every(policy.Window / time.Duration(policy.Limit))

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.After(l.sweepAt) {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > 2*policy.Window {
				delete(l.buckets, k)
			}
		}
		l.sweepAt = now.Add(policy.Window)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(every, policy.Limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay, ResetAt: now.Add(delay)}, nil
	}
	remaining := int(math.Floor(b.limiter.TokensAt(now)))
	refill := time.Duration(float64(policy.Limit-remaining) * float64(policy.Window) / float64(policy.Limit))
	return Decision{Allowed: true, Remaining: max(remaining, 0), ResetAt: now.Add(refill)}, nil
}

type RateLimiter struct {
	limiter Limiter
	policy  RateLimitPolicy
	mode    FailureMode
	scope   string
	keyFunc func(r *http.Request) string
}

func NewRateLimiter(limiter Limiter, policy RateLimitPolicy, mode FailureMode, scope string, keyFunc func(r *http.Request) string) *RateLimiter {
	if limiter == nil {
		limiter = NewLocalLimiter()
	}
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = clientIPKey
	}
	return &RateLimiter{limiter: limiter, policy: policy.normalized(), mode: mode, scope: scope, keyFunc: keyFunc}
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.keyFunc(r)
			if key == "" {
				key = clientIPKey(r)
			}
			keyType := rateLimitKeyType(key)
			decision, err := rl.limiter.Allow(r.Context(), rl.scope+":"+key, rl.policy)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error", string(rl.mode), keyType)
				if rl.mode == FailOpen {
					slog.WarnContext(r.Context(), "rate limiter backend unavailable, allowing request",
						"scope", rl.scope,
						"error", err.Error(),
					)
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set("Retry-After", retryAfterHeader(rl.policy.Window))
				observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, "backend", rl.policy.Window)
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			writeRateLimitHeaders(w.Header(), rl.policy.Limit, decision.Remaining, decision.ResetAt)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny", string(rl.mode), keyType)
				observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, "window", decision.RetryAfter)
				w.Header().Set("Retry-After", retryAfterHeader(decision.RetryAfter))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow", string(rl.mode), keyType)
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectOrIPKeyFunc keys authenticated callers by subject so users behind
// one NAT do not share a budget.
func SubjectOrIPKeyFunc(verifier AccessTokenVerifier) func(r *http.Request) string {
	return func(r *http.Request) string {
		if verifier == nil {
			return clientIPKey(r)
		}
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			return clientIPKey(r)
		}
		claims, err := verifier.ParseAccessToken(raw)
		if err != nil || claims.Subject == "" {
			return clientIPKey(r)
		}
		return "sub:" + claims.Subject
	}
}

func clientIPKey(r *http.Request) string {
	return "ip:" + observability.ClientIP(r)
}

func retryAfterHeader(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeRateLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(max(limit, 0)))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

func rateLimitKeyType(key string) string {
	if strings.HasPrefix(key, "sub:") {
		return "subject"
	}
	return "ip"
}

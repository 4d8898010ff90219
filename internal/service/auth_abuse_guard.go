package service

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

type AuthAbuseScope string

const (
	AuthAbuseScopeLogin          AuthAbuseScope = "login"
	AuthAbuseScopeChangePassword AuthAbuseScope = "change_password"
)

// AuthAbuseGuard tracks failed credential checks per identity and per IP
// and reports how long the caller must wait before trying again.
type AuthAbuseGuard interface {
	Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	// Reset clears the identity dimension only. The per-IP budget runs
	// out on its own so one valid account cannot refill it.
	Reset(ctx context.Context, scope AuthAbuseScope, identity string) error
}

type AuthAbusePolicy struct {
	FreeAttempts int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	ResetWindow  time.Duration
}

func (p AuthAbusePolicy) normalized() AuthAbusePolicy {
	if p.FreeAttempts <= 0 {
		p.FreeAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.ResetWindow <= 0 {
		p.ResetWindow = 15 * time.Minute
	}
	return p
}

// cooldownFor returns the delay imposed after the given failure count.
func (p AuthAbusePolicy) cooldownFor(failures int) time.Duration {
	over := failures - p.FreeAttempts
	if over <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(over-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func normalizeAuthIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

type abuseDimension struct {
	kind  string
	value string
}

func abuseDimensions(identity, ip string) []abuseDimension {
	dims := make([]abuseDimension, 0, 2)
	if id := normalizeAuthIdentity(identity); id != "" {
		dims = append(dims, abuseDimension{kind: "id", value: id})
	}
	if ip = strings.TrimSpace(ip); ip != "" {
		dims = append(dims, abuseDimension{kind: "ip", value: ip})
	}
	return dims
}

type abuseState struct {
	failures      int
	lastFailure   time.Time
	cooldownUntil time.Time
}

// MemoryAuthAbuseGuard is the single-instance fallback used when Redis is
// not configured.
type MemoryAuthAbuseGuard struct {
	mu     sync.Mutex
	policy AuthAbusePolicy
	states map[string]*abuseState
	now    func() time.Time
}

func NewMemoryAuthAbuseGuard(policy AuthAbusePolicy) *MemoryAuthAbuseGuard {
	return &MemoryAuthAbuseGuard{
		policy: policy.normalized(),
		states: make(map[string]*abuseState),
		now:    time.Now,
	}
}

func memoryKey(scope AuthAbuseScope, d abuseDimension) string {
	return string(scope) + ":" + d.kind + ":" + d.value
}

func (g *MemoryAuthAbuseGuard) Check(_ context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	var longest time.Duration
	for _, d := range abuseDimensions(identity, ip) {
		st, ok := g.states[memoryKey(scope, d)]
		if !ok {
			continue
		}
		if remaining := st.cooldownUntil.Sub(now); remaining > longest {
			longest = remaining
		}
	}
	return longest, nil
}

func (g *MemoryAuthAbuseGuard) RegisterFailure(_ context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)
	var longest time.Duration
	for _, d := range abuseDimensions(identity, ip) {
		key := memoryKey(scope, d)
		st, ok := g.states[key]
		if !ok || now.Sub(st.lastFailure) > g.policy.ResetWindow {
			st = &abuseState{}
			g.states[key] = st
		}
		st.failures++
		st.lastFailure = now
		cooldown := g.policy.cooldownFor(st.failures)
		st.cooldownUntil = now.Add(cooldown)
		if cooldown > longest {
			longest = cooldown
		}
	}
	return longest, nil
}

func (g *MemoryAuthAbuseGuard) Reset(_ context.Context, scope AuthAbuseScope, identity string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range abuseDimensions(identity, "") {
		delete(g.states, memoryKey(scope, d))
	}
	return nil
}

func (g *MemoryAuthAbuseGuard) pruneLocked(now time.Time) {
	for key, st := range g.states {
		if now.Sub(st.lastFailure) > g.policy.ResetWindow && !now.Before(st.cooldownUntil) {
			delete(g.states, key)
		}
	}
}

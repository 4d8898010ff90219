package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// registerFailureScript increments the failure counter for one dimension,
// restarting it once the reset window has elapsed, and stores the cooldown
// deadline. Returns the cooldown in milliseconds.
var registerFailureScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local free = tonumber(ARGV[2])
local base = tonumber(ARGV[3])
local mult = tonumber(ARGV[4])
local maxd = tonumber(ARGV[5])
local window = tonumber(ARGV[6])
local failures = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0') or 0
local last = tonumber(redis.call('HGET', KEYS[1], 'last_failure_ms') or '0') or 0
if now - last > window then
  failures = 0
end
failures = failures + 1
local cooldown = 0
if failures > free then
  cooldown = base * (mult ^ (failures - free - 1))
  if cooldown > maxd then
    cooldown = maxd
  end
end
cooldown = math.floor(cooldown)
redis.call('HSET', KEYS[1], 'failures', failures, 'last_failure_ms', now, 'cooldown_until_ms', now + cooldown)
redis.call('PEXPIRE', KEYS[1], window + cooldown)
return cooldown
`)

type RedisAuthAbuseGuard struct {
	client redis.UniversalClient
	prefix string
	policy AuthAbusePolicy
	now    func() time.Time
}

func NewRedisAuthAbuseGuard(client redis.UniversalClient, prefix string, policy AuthAbusePolicy) *RedisAuthAbuseGuard {
	if prefix == "" {
		prefix = "auth_abuse"
	}
	return &RedisAuthAbuseGuard{client: client, prefix: prefix, policy: policy.normalized(), now: time.Now}
}

func (g *RedisAuthAbuseGuard) stateKey(scope AuthAbuseScope, kind, value string) string {
	return fmt.Sprintf("%s:%s:%s:%s", g.prefix, scope, kind, value)
}

func (g *RedisAuthAbuseGuard) Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	nowMS := g.now().UnixMilli()
	var longest time.Duration
	for _, d := range abuseDimensions(identity, ip) {
		raw, err := g.client.HGet(ctx, g.stateKey(scope, d.kind, d.value), "cooldown_until_ms").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read abuse state: %w", err)
		}
		until, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse abuse cooldown %q: %w", raw, err)
		}
		if remaining := time.Duration(until-nowMS) * time.Millisecond; remaining > longest {
			longest = remaining
		}
	}
	return longest, nil
}

func (g *RedisAuthAbuseGuard) RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	p := g.policy
	nowMS := g.now().UnixMilli()
	var longest time.Duration
	for _, d := range abuseDimensions(identity, ip) {
		ms, err := registerFailureScript.Run(ctx, g.client,
			[]string{g.stateKey(scope, d.kind, d.value)},
			nowMS, p.FreeAttempts, p.BaseDelay.Milliseconds(), p.Multiplier, p.MaxDelay.Milliseconds(), p.ResetWindow.Milliseconds(),
		).Int64()
		if err != nil {
			return 0, fmt.Errorf("register abuse failure: %w", err)
		}
		if cooldown := time.Duration(ms) * time.Millisecond; cooldown > longest {
			longest = cooldown
		}
	}
	return longest, nil
}

func (g *RedisAuthAbuseGuard) Reset(ctx context.Context, scope AuthAbuseScope, identity string) error {
	dims := abuseDimensions(identity, "")
	if len(dims) == 0 {
		return nil
	}
	keys := make([]string, 0, len(dims))
	for _, d := range dims {
		keys = append(keys, g.stateKey(scope, d.kind, d.value))
	}
	return g.client.Del(ctx, keys...).Err()
}

package service

import (
	"context"
	"sync"
	"time"
)

// DeadTokenCache remembers refresh token hashes that failed lookup.
// Revoked and expired are terminal, so a cached miss never goes stale;
// the TTL only bounds memory.
type DeadTokenCache interface {
	Contains(ctx context.Context, hash string) (bool, error)
	Add(ctx context.Context, hash string, ttl time.Duration) error
	Purge(ctx context.Context) error
}

const defaultDeadTokenTTL = 15 * time.Minute

type NoopDeadTokenCache struct{}

func NewNoopDeadTokenCache() *NoopDeadTokenCache { return &NoopDeadTokenCache{} }

func (NoopDeadTokenCache) Contains(context.Context, string) (bool, error)     { return false, nil }
func (NoopDeadTokenCache) Add(context.Context, string, time.Duration) error { return nil }
func (NoopDeadTokenCache) Purge(context.Context) error                        { return nil }

type InMemoryDeadTokenCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewInMemoryDeadTokenCache() *InMemoryDeadTokenCache {
	return &InMemoryDeadTokenCache{entries: make(map[string]time.Time), now: time.Now}
}

func (c *InMemoryDeadTokenCache) Contains(_ context.Context, hash string) (bool, error) {
	now := c.now()
	c.mu.RLock()
	expiresAt, ok := c.entries[hash]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if now.After(expiresAt) {
		c.mu.Lock()
		if exp, still := c.entries[hash]; still && now.After(exp) {
			delete(c.entries, hash)
		}
		c.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (c *InMemoryDeadTokenCache) Add(_ context.Context, hash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, h)
		}
	}
	c.entries[hash] = now.Add(ttl)
	return nil
}

func (c *InMemoryDeadTokenCache) Purge(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time)
	return nil
}

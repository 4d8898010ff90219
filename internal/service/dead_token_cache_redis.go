package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisDeadTokenCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDeadTokenCache(client redis.UniversalClient, prefix string) *RedisDeadTokenCache {
	if prefix == "" {
		prefix = "dead_refresh"
	}
	return &RedisDeadTokenCache{client: client, prefix: prefix}
}

func (c *RedisDeadTokenCache) key(hash string) string {
	return c.prefix + ":" + hash
}

func (c *RedisDeadTokenCache) Contains(ctx context.Context, hash string) (bool, error) {
	err := c.client.Get(ctx, c.key(hash)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisDeadTokenCache) Add(ctx context.Context, hash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.key(hash), "1", ttl).Err()
}

func (c *RedisDeadTokenCache) Purge(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+":*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Del(ctx, batch...).Err()
	}
	return nil
}

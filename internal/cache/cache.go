// Package cache fronts scheduled-message status reads with Redis. Every
// failure degrades to a store read; the cache is never authoritative.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New returns a cache, or nil when no client is configured. A nil
// *StatusCache is safe to use and behaves as a permanent miss.
func New(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *StatusCache {
	if client == nil {
		return nil
	}
	return &StatusCache{client: client, ttl: ttl, logger: logger}
}

func (c *StatusCache) GetStatus(ctx context.Context, id string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, err := c.client.Get(ctx, key(id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("id", id).Msg("status cache read failed")
		}
		return "", false
	}
	return v, true
}

func (c *StatusCache) SetStatus(ctx context.Context, id, status string) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, key(id), status, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("id", id).Msg("status cache write failed")
	}
}

// Invalidate drops the cached status after a transition so readers fall
// through to the store.
func (c *StatusCache) Invalidate(ctx context.Context, id string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, key(id)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("id", id).Msg("status cache invalidation failed")
	}
}

func key(id string) string { return "scheduled:status:" + id }

package otp

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/pkg/metrics"
)

const defaultPrimaryCooldown = 30 * time.Second

// FailoverCache serves from primary and switches to fallback for a cooldown
// period whenever primary returns an error other than a miss.
type FailoverCache struct {
	primary   Cache
	fallback  Cache
	cooldown  time.Duration
	downUntil atomic.Int64
	now       func() time.Time
}

func NewFailoverCache(primary, fallback Cache) *FailoverCache {
	return &FailoverCache{primary: primary, fallback: fallback, cooldown: defaultPrimaryCooldown, now: time.Now}
}

// NewCache picks the cache by availability: Redis with a PostgreSQL fallback,
// or PostgreSQL alone when Redis is not configured.
func NewCache(client *redis.Client, db *sqlx.DB) Cache {
	store := NewStoreCache(db)
	if client == nil {
		return store
	}
	return NewFailoverCache(NewRedisCache(client), store)
}

func (c *FailoverCache) primaryUp() bool {
	return c.now().UnixNano() >= c.downUntil.Load()
}

// Degraded reports whether calls are currently routed to the fallback
func (c *FailoverCache) Degraded() bool {
	return !c.primaryUp()
}

func (c *FailoverCache) markDown(op string, err error) {
	c.downUntil.Store(c.now().Add(c.cooldown).UnixNano())
	metrics.CacheFallbacks.WithLabelValues(op).Inc()
	log.Warn().Err(err).Str("op", op).Dur("cooldown", c.cooldown).Msg("primary OTP cache unavailable, using durable cache")
}

func (c *FailoverCache) Get(ctx context.Context, key string) (string, error) {
	if c.primaryUp() {
		v, err := c.primary.Get(ctx, key)
		if err == nil || errors.Is(err, ErrCacheMiss) {
			return v, err
		}
		c.markDown("get", err)
	}
	return c.fallback.Get(ctx, key)
}

func (c *FailoverCache) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.primaryUp() {
		err := c.primary.SetEX(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		c.markDown("set", err)
	}
	return c.fallback.SetEX(ctx, key, value, ttl)
}

func (c *FailoverCache) Incr(ctx context.Context, key string) (int64, error) {
	if c.primaryUp() {
		n, err := c.primary.Incr(ctx, key)
		if err == nil {
			return n, nil
		}
		c.markDown("incr", err)
	}
	return c.fallback.Incr(ctx, key)
}

func (c *FailoverCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if c.primaryUp() {
		err := c.primary.Expire(ctx, key, ttl)
		if err == nil {
			return nil
		}
		c.markDown("expire", err)
	}
	return c.fallback.Expire(ctx, key, ttl)
}

func (c *FailoverCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	if c.primaryUp() {
		d, err := c.primary.TTL(ctx, key)
		if err == nil {
			return d, nil
		}
		c.markDown("ttl", err)
	}
	return c.fallback.TTL(ctx, key)
}

// Del clears both layers so a key written before a failover cannot resurface
func (c *FailoverCache) Del(ctx context.Context, keys ...string) error {
	if c.primaryUp() {
		if err := c.primary.Del(ctx, keys...); err != nil {
			c.markDown("del", err)
		}
	}
	return c.fallback.Del(ctx, keys...)
}

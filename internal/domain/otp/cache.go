package otp

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Cache.Get for absent or expired keys
var ErrCacheMiss = errors.New("cache miss")

// Cache is the expiring key/value capability the OTP service needs.
// TTL reports a non-positive duration for keys that are absent or have no expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error
}

// degradable is implemented by caches that can end up serving from a layer
// whose counters do not reflect the primary's history
type degradable interface {
	Degraded() bool
}

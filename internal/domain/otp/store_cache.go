package otp

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// StoreCache implements Cache on the cache_entries table. Expired rows are
// invisible to reads and removed by the cleanup job.
type StoreCache struct {
	db *sqlx.DB
}

func NewStoreCache(db *sqlx.DB) *StoreCache {
	return &StoreCache{db: db}
}

const liveEntry = `(expires_at IS NULL OR expires_at > NOW())`

func (c *StoreCache) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := c.db.GetContext(ctx, &v, `SELECT value FROM cache_entries WHERE key = $1 AND `+liveEntry, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCacheMiss
	}
	return v, err
}

func (c *StoreCache) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at)
		VALUES ($1, $2, NOW() + ($3::bigint * INTERVAL '1 millisecond'))
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, ttl.Milliseconds())
	return err
}

// Incr restarts expired counters at 1 without an expiry, as Redis does
func (c *StoreCache) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.db.GetContext(ctx, &n, `
		INSERT INTO cache_entries (key, value, expires_at)
		VALUES ($1, '1', NULL)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN cache_entries.expires_at IS NOT NULL AND cache_entries.expires_at <= NOW() THEN '1'
				ELSE (cache_entries.value::bigint + 1)::text
			END,
			expires_at = CASE
				WHEN cache_entries.expires_at IS NOT NULL AND cache_entries.expires_at <= NOW() THEN NULL
				ELSE cache_entries.expires_at
			END
		RETURNING value::bigint
	`, key)
	return n, err
}

func (c *StoreCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE cache_entries SET expires_at = NOW() + ($2::bigint * INTERVAL '1 millisecond')
		WHERE key = $1 AND `+liveEntry, key, ttl.Milliseconds())
	return err
}

func (c *StoreCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ms sql.NullFloat64
	err := c.db.GetContext(ctx, &ms, `
		SELECT EXTRACT(EPOCH FROM (expires_at - NOW())) * 1000
		FROM cache_entries WHERE key = $1 AND `+liveEntry, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil || !ms.Valid {
		return 0, err
	}
	return time.Duration(ms.Float64) * time.Millisecond, nil
}

func (c *StoreCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ANY($1)`, pq.Array(keys))
	return err
}

// DeleteExpired removes rows whose expiry has passed
func (c *StoreCache) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package otp

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// expiredEntryDeleter is implemented by caches that need explicit purging
type expiredEntryDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupJob purges consumed codes and expired durable cache entries
type CleanupJob struct {
	repo      Repository
	cache     Cache
	retention time.Duration
	now       func() time.Time
}

func NewCleanupJob(repo Repository, cache Cache, retention time.Duration) *CleanupJob {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &CleanupJob{repo: repo, cache: cache, retention: retention, now: time.Now}
}

// Start runs the job every interval until ctx is cancelled
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("OTP cleanup job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *CleanupJob) RunOnce(ctx context.Context) {
	rows, err := j.repo.DeleteStale(ctx, j.now().Add(-j.retention))
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup stale OTP codes")
	} else if rows > 0 {
		log.Info().Int64("deleted", rows).Msg("Cleaned up stale OTP codes")
	}

	for _, c := range j.deleters() {
		n, err := c.DeleteExpired(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to purge expired cache entries")
			continue
		}
		if n > 0 {
			log.Info().Int64("deleted", n).Msg("Purged expired cache entries")
		}
	}
}

func (j *CleanupJob) deleters() []expiredEntryDeleter {
	var out []expiredEntryDeleter
	switch c := j.cache.(type) {
	case *FailoverCache:
		if d, ok := c.fallback.(expiredEntryDeleter); ok {
			out = append(out, d)
		}
	case expiredEntryDeleter:
		out = append(out, c)
	}
	return out
}

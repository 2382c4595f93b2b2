package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupJob handles notification retention cleanup
type CleanupJob struct {
	repo          Repository
	readRetention time.Duration
	maxRetention  time.Duration
	now           func() time.Time
}

// NewCleanupJob removes read notifications after readRetention and all of them after maxRetention
func NewCleanupJob(repo Repository, readRetention, maxRetention time.Duration) *CleanupJob {
	if readRetention <= 0 {
		readRetention = 90 * 24 * time.Hour
	}
	if maxRetention < readRetention {
		maxRetention = 2 * readRetention
	}
	return &CleanupJob{repo: repo, readRetention: readRetention, maxRetention: maxRetention, now: time.Now}
}

// Start starts the cleanup job with the given interval
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Notification cleanup job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce runs cleanup once (for manual trigger or testing)
func (j *CleanupJob) RunOnce(ctx context.Context) (int64, error) {
	now := j.now()
	rows, err := j.repo.DeleteOlderThan(ctx, now.Add(-j.readRetention), now.Add(-j.maxRetention))
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old notifications")
		return 0, err
	}
	if rows > 0 {
		log.Info().Int64("deleted", rows).Msg("Cleaned up old notifications")
	}
	return rows, nil
}

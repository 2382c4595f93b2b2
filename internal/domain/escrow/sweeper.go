package escrow

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ExpirySweeper expires overdue PENDING transactions that nobody has read
type ExpirySweeper struct {
	svc *Service
}

func NewExpirySweeper(svc *Service) *ExpirySweeper {
	return &ExpirySweeper{svc: svc}
}

// Start runs a sweep immediately and then on every tick until ctx is done
func (s *ExpirySweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *ExpirySweeper) RunOnce(ctx context.Context) {
	n, err := s.svc.ExpireDue(ctx)
	if err != nil {
		log.Error().Err(err).Int("expired", n).Msg("expiry sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("expired overdue transactions")
	}
}

package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/metrics"
)

var ErrNotFound = apperr.New(apperr.KindNotFound, "notification not found")

// Pusher delivers a realtime event to a user's open connections
type Pusher interface {
	SendToUser(userID uuid.UUID, payload any) error
}

// Submitter runs tasks in the background without blocking the caller
type Submitter interface {
	TrySubmit(f func()) error
}

// deliveryTimeout bounds the background insert and push of one notification
const deliveryTimeout = 5 * time.Second

type Service struct {
	repo   Repository
	pusher Pusher
	pool   Submitter
	now    func() time.Time
}

func NewService(repo Repository, pusher Pusher, pool Submitter) *Service {
	return &Service{repo: repo, pusher: pusher, pool: pool, now: time.Now}
}

// Notify queues a notification and returns immediately. Failures are logged
// and counted, never returned.
func (s *Service) Notify(ctx context.Context, userID uuid.UUID, eventType, title, message string, metadata map[string]interface{}) {
	data, err := json.Marshal(metadata)
	if err != nil || metadata == nil {
		data = []byte("{}")
	}
	n := &Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      eventType,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: s.now().UTC(),
	}

	if err := s.pool.TrySubmit(func() { s.deliver(n) }); err != nil {
		metrics.NotificationsDropped.Inc()
		log.Warn().Err(err).Str("user_id", userID.String()).Str("type", eventType).Msg("notification dropped")
	}
}

// deliver persists then pushes; it runs detached from the request context
func (s *Service) deliver(n *Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := s.repo.Create(ctx, n); err != nil {
		metrics.NotificationsDropped.Inc()
		log.Error().Err(err).Str("user_id", n.UserID.String()).Str("type", n.Type).Msg("failed to store notification")
		return
	}

	unread, err := s.repo.CountUnread(ctx, n.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", n.UserID.String()).Msg("failed to count unread notifications")
	}

	if s.pusher == nil {
		return
	}
	payload := map[string]interface{}{
		"type": "notification:new",
		"data": map[string]interface{}{
			"notification": ResponseFromEntity(n),
			"unread_count": unread,
		},
	}
	if err := s.pusher.SendToUser(n.UserID, payload); err != nil {
		log.Warn().Err(err).Str("user_id", n.UserID.String()).Msg("failed to publish notification")
	}
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, error) {
	return s.repo.ListByUser(ctx, userID, unreadOnly, limit, offset)
}

func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.CountUnread(ctx, userID)
}

// MarkRead marks one of the user's notifications as read; repeating it is a no-op
func (s *Service) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	_, err := s.repo.MarkRead(ctx, id, userID)
	return err
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID)
}

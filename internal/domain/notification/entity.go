package notification

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is one in-app message about an escrow, wallet or dispute event
type Notification struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Type      string          `db:"type" json:"type"`
	Title     string          `db:"title" json:"title"`
	Message   string          `db:"message" json:"message"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	ReadAt    *time.Time      `db:"read_at" json:"read_at,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

func (n *Notification) IsRead() bool {
	return n.ReadAt != nil
}

// Response is the API shape of a notification
type Response struct {
	*Notification
	IsRead bool `json:"is_read"`
}

func ResponseFromEntity(n *Notification) *Response {
	return &Response{Notification: n, IsRead: n.IsRead()}
}

// UnreadCountResponse for the unread count endpoint
type UnreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

package dispute

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// Favor is the arbitration outcome
type Favor string

const (
	FavorBuyer  Favor = "BUYER"
	FavorSeller Favor = "SELLER"
)

// Dispute freezes one transaction until an arbiter decides it.
// Evidence holds storage keys in upload order.
type Dispute struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	TransactionID  string         `db:"transaction_id" json:"transaction_id"`
	OpenedBy       uuid.UUID      `db:"opened_by" json:"opened_by"`
	Reason         string         `db:"reason" json:"reason"`
	Description    string         `db:"description" json:"description"`
	Evidence       pq.StringArray `db:"evidence" json:"evidence"`
	Status         Status         `db:"status" json:"status"`
	Resolution     *Favor         `db:"resolution" json:"resolution,omitempty"`
	ResolutionNote *string        `db:"resolution_note" json:"resolution_note,omitempty"`
	ResolvedBy     *uuid.UUID     `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	Deadline       time.Time      `db:"deadline" json:"deadline"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// Message is one entry in a dispute's conversation log
type Message struct {
	ID        uuid.UUID `db:"id" json:"id"`
	DisputeID uuid.UUID `db:"dispute_id" json:"dispute_id"`
	SenderID  uuid.UUID `db:"sender_id" json:"sender_id"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Evidence is an uploaded file as returned to clients
type Evidence struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	ContentType  string `json:"content_type"`
}

package dispute

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swiftline/escrow-api/internal/pkg/database"
)

type Repository interface {
	Create(ctx context.Context, q database.Querier, d *Dispute) error
	Get(ctx context.Context, q database.Querier, id uuid.UUID) (*Dispute, error)
	GetByTransaction(ctx context.Context, q database.Querier, transactionID string) (*Dispute, error)
	// StartReview and Resolve return nil without error when the status precondition failed
	StartReview(ctx context.Context, q database.Querier, id uuid.UUID) (*Dispute, error)
	Resolve(ctx context.Context, q database.Querier, id uuid.UUID, favor Favor, note string, resolvedBy uuid.UUID, at time.Time) (*Dispute, error)
	// AppendEvidence reports false when the dispute is resolved or already holds max keys
	AppendEvidence(ctx context.Context, q database.Querier, id uuid.UUID, key string, max int) (bool, error)
	AddMessage(ctx context.Context, q database.Querier, m *Message) error
	ListMessages(ctx context.Context, q database.Querier, disputeID uuid.UUID) ([]*Message, error)
	ListForUser(ctx context.Context, q database.Querier, userID uuid.UUID, limit, offset int) ([]*Dispute, int, error)
	ListAll(ctx context.Context, q database.Querier, status Status, limit, offset int) ([]*Dispute, int, error)
}

type repository struct{}

func NewRepository() Repository {
	return &repository{}
}

const disputeColumns = `id, transaction_id, opened_by, reason, description, evidence, status, resolution,
	resolution_note, resolved_by, resolved_at, deadline, created_at, updated_at`

func (r *repository) Create(ctx context.Context, q database.Querier, d *Dispute) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, opened_by, reason, description, evidence, status, deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, d.ID, d.TransactionID, d.OpenedBy, d.Reason, d.Description, d.Evidence, string(d.Status), d.Deadline, d.CreatedAt)
	if database.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *repository) get(ctx context.Context, q database.Querier, where string, arg interface{}) (*Dispute, error) {
	var d Dispute
	err := sqlx.GetContext(ctx, q, &d, `SELECT `+disputeColumns+` FROM disputes WHERE `+where+` = $1`, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repository) Get(ctx context.Context, q database.Querier, id uuid.UUID) (*Dispute, error) {
	return r.get(ctx, q, "id", id)
}

func (r *repository) GetByTransaction(ctx context.Context, q database.Querier, transactionID string) (*Dispute, error) {
	return r.get(ctx, q, "transaction_id", transactionID)
}

func (r *repository) conditional(ctx context.Context, q database.Querier, query string, args ...interface{}) (*Dispute, error) {
	var d Dispute
	err := sqlx.GetContext(ctx, q, &d, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repository) StartReview(ctx context.Context, q database.Querier, id uuid.UUID) (*Dispute, error) {
	return r.conditional(ctx, q, `
		UPDATE disputes SET status = 'IN_PROGRESS', updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN'
		RETURNING `+disputeColumns, id)
}

func (r *repository) Resolve(ctx context.Context, q database.Querier, id uuid.UUID, favor Favor, note string, resolvedBy uuid.UUID, at time.Time) (*Dispute, error) {
	return r.conditional(ctx, q, `
		UPDATE disputes
		SET status = 'RESOLVED',
			resolution = $2,
			resolution_note = NULLIF($3, ''),
			resolved_by = $4,
			resolved_at = $5,
			updated_at = $5
		WHERE id = $1 AND status IN ('OPEN', 'IN_PROGRESS')
		RETURNING `+disputeColumns, id, string(favor), note, resolvedBy, at)
}

func (r *repository) AppendEvidence(ctx context.Context, q database.Querier, id uuid.UUID, key string, max int) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE disputes SET evidence = array_append(evidence, $2), updated_at = NOW()
		WHERE id = $1 AND status <> 'RESOLVED' AND cardinality(evidence) < $3
	`, id, key, max)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *repository) AddMessage(ctx context.Context, q database.Querier, m *Message) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.DisputeID, m.SenderID, m.Message, m.CreatedAt)
	return err
}

func (r *repository) ListMessages(ctx context.Context, q database.Querier, disputeID uuid.UUID) ([]*Message, error) {
	var out []*Message
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT id, dispute_id, sender_id, message, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY created_at, id
	`, disputeID)
	return out, err
}

func (r *repository) ListForUser(ctx context.Context, q database.Querier, userID uuid.UUID, limit, offset int) ([]*Dispute, int, error) {
	var total int
	if err := sqlx.GetContext(ctx, q, &total, `
		SELECT COUNT(*) FROM disputes d
		JOIN transactions t ON t.id = d.transaction_id
		WHERE t.seller_id = $1 OR t.buyer_id = $1
	`, userID); err != nil {
		return nil, 0, err
	}

	var out []*Dispute
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT d.id, d.transaction_id, d.opened_by, d.reason, d.description, d.evidence, d.status, d.resolution,
			d.resolution_note, d.resolved_by, d.resolved_at, d.deadline, d.created_at, d.updated_at
		FROM disputes d
		JOIN transactions t ON t.id = d.transaction_id
		WHERE t.seller_id = $1 OR t.buyer_id = $1
		ORDER BY d.created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return out, total, err
}

func (r *repository) ListAll(ctx context.Context, q database.Querier, status Status, limit, offset int) ([]*Dispute, int, error) {
	var total int
	if err := sqlx.GetContext(ctx, q, &total, `
		SELECT COUNT(*) FROM disputes WHERE $1 = '' OR status = $1
	`, string(status)); err != nil {
		return nil, 0, err
	}

	var out []*Dispute
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE $1 = '' OR status = $1
		ORDER BY deadline, created_at
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	return out, total, err
}

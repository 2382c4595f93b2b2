package otp

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Repository is the durable OTP store
type Repository interface {
	// Create stores rec and marks any earlier unused code for the same key as used
	Create(ctx context.Context, rec *Record) error
	// GetActive returns the newest unused code for the key, expired or not
	GetActive(ctx context.Context, phone string, purpose Purpose) (*Record, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// IncrementAttempts bumps attempts while the code is unused and below its limit
	IncrementAttempts(ctx context.Context, id uuid.UUID) (attempts int, ok bool, err error)
	// MarkUsed consumes the code if it is still unused, unexpired and below its attempt limit
	MarkUsed(ctx context.Context, id uuid.UUID) (bool, error)
	InvalidateActive(ctx context.Context, phone string, purposes []Purpose) (int64, error)
	// CountSince counts codes issued to phone since the given time and returns the oldest
	CountSince(ctx context.Context, phone string, since time.Time) (int, time.Time, error)
	DeleteStale(ctx context.Context, usedBefore time.Time) (int64, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const recordColumns = `id, phone, purpose, code_hash, attempts, max_attempts, expires_at, used_at, created_at`

func (r *repository) Create(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx, `
		WITH superseded AS (
			UPDATE otp_codes SET used_at = NOW()
			WHERE phone = $2 AND purpose = $3 AND used_at IS NULL
		)
		INSERT INTO otp_codes (id, phone, purpose, code_hash, attempts, max_attempts, expires_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
	`, rec.ID, rec.Phone, string(rec.Purpose), rec.CodeHash, rec.MaxAttempts, rec.ExpiresAt, rec.CreatedAt)
	return err
}

func (r *repository) GetActive(ctx context.Context, phone string, purpose Purpose) (*Record, error) {
	var rec Record
	err := r.db.GetContext(ctx, &rec, `
		SELECT `+recordColumns+`
		FROM otp_codes
		WHERE phone = $1 AND purpose = $2 AND used_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, phone, string(purpose))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	var rec Record
	err := r.db.GetContext(ctx, &rec, `SELECT `+recordColumns+` FROM otp_codes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *repository) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, bool, error) {
	var attempts int
	err := r.db.GetContext(ctx, &attempts, `
		UPDATE otp_codes SET attempts = attempts + 1
		WHERE id = $1 AND used_at IS NULL AND attempts < max_attempts
		RETURNING attempts
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, true, nil
}

func (r *repository) MarkUsed(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE otp_codes SET used_at = NOW()
		WHERE id = $1 AND used_at IS NULL AND attempts < max_attempts AND expires_at > NOW()
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *repository) InvalidateActive(ctx context.Context, phone string, purposes []Purpose) (int64, error) {
	names := make([]string, len(purposes))
	for i, p := range purposes {
		names[i] = string(p)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE otp_codes SET used_at = NOW()
		WHERE phone = $1 AND purpose = ANY($2) AND used_at IS NULL
	`, phone, pq.Array(names))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *repository) CountSince(ctx context.Context, phone string, since time.Time) (int, time.Time, error) {
	var row struct {
		Count  int          `db:"count"`
		Oldest sql.NullTime `db:"oldest"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS count, MIN(created_at) AS oldest
		FROM otp_codes
		WHERE phone = $1 AND created_at > $2
	`, phone, since)
	if err != nil {
		return 0, time.Time{}, err
	}
	return row.Count, row.Oldest.Time, nil
}

// DeleteStale removes codes that expired or were consumed before the cutoff
func (r *repository) DeleteStale(ctx context.Context, usedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM otp_codes
		WHERE expires_at < $1 OR (used_at IS NOT NULL AND used_at < $1)
	`, usedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, so repositories can
// run inside or outside a unit of work.
type Querier = sqlx.ExtContext

// Runner executes work either directly or inside one database transaction.
type Runner interface {
	// Querier returns the non-transactional handle for reads.
	Querier() Querier
	// InTx runs fn inside a transaction; fn's error rolls everything back.
	InTx(ctx context.Context, fn func(q Querier) error) error
}

// TxRunner is the PostgreSQL Runner
type TxRunner struct {
	db *sqlx.DB
}

// NewTxRunner creates a Runner over db
func NewTxRunner(db *sqlx.DB) *TxRunner {
	return &TxRunner{db: db}
}

func (r *TxRunner) Querier() Querier { return r.db }

func (r *TxRunner) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const sqlStateUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == sqlStateUniqueViolation
}

// ConstraintName returns the violated constraint name, if any
func ConstraintName(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swiftline/escrow-api/internal/pkg/database"
)

// BalanceRepository performs the atomic balance arithmetic the Ledger relies on.
// The bool results report whether the guarded update matched a row.
type BalanceRepository interface {
	Ensure(ctx context.Context, q database.Querier, userID uuid.UUID) error
	Get(ctx context.Context, q database.Querier, userID uuid.UUID) (*Wallet, error)
	AddPending(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) error
	ReleasePending(ctx context.Context, q database.Querier, userID uuid.UUID, amount, payout int64) (bool, error)
	ReversePending(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) (bool, error)
	DebitAvailable(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) (bool, error)
	CreditAvailable(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) error
	AddSpent(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) error
	InsertPosting(ctx context.Context, q database.Querier, p *Posting) error
}

// WithdrawalRepository persists withdrawal requests
type WithdrawalRepository interface {
	CreateWithdrawal(ctx context.Context, q database.Querier, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, q database.Querier, id uuid.UUID) (*Withdrawal, error)
	SetWithdrawalReference(ctx context.Context, q database.Querier, id uuid.UUID, ref string) error
	FinishWithdrawal(ctx context.Context, q database.Querier, id uuid.UUID, to WithdrawalStatus, ref, reason string) (bool, error)
	ListWithdrawals(ctx context.Context, q database.Querier, userID uuid.UUID, limit, offset int) ([]*Withdrawal, error)
	ListPostings(ctx context.Context, q database.Querier, userID uuid.UUID, limit, offset int) ([]*Posting, error)
}

// PaymentMethodRepository persists saved payout accounts. Lookups only see
// active methods owned by the given user.
type PaymentMethodRepository interface {
	CreatePaymentMethod(ctx context.Context, q database.Querier, m *PaymentMethod) error
	GetPaymentMethod(ctx context.Context, q database.Querier, userID, id uuid.UUID) (*PaymentMethod, error)
	GetDefaultPaymentMethod(ctx context.Context, q database.Querier, userID uuid.UUID) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, q database.Querier, userID uuid.UUID) ([]*PaymentMethod, error)
	ClearDefaultPaymentMethod(ctx context.Context, q database.Querier, userID uuid.UUID) error
	PromoteNewestPaymentMethod(ctx context.Context, q database.Querier, userID uuid.UUID) (*PaymentMethod, error)
	DeactivatePaymentMethod(ctx context.Context, q database.Querier, userID, id uuid.UUID) (bool, error)
}

// Repository is the PostgreSQL implementation of the wallet repositories
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Ensure(ctx context.Context, q database.Querier, userID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO wallets (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

func (r *Repository) Get(ctx context.Context, q database.Querier, userID uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := sqlx.GetContext(ctx, q, &w, `
		SELECT user_id, available_balance, pending_balance, total_earned, total_spent, currency, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) AddPending(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) error {
	ok, err := execGuarded(ctx, q, `
		UPDATE wallets SET pending_balance = pending_balance + $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWalletNotFound
	}
	return nil
}

func (r *Repository) ReleasePending(ctx context.Context, q database.Querier, userID uuid.UUID, amount, payout int64) (bool, error) {
	return execGuarded(ctx, q, `
		UPDATE wallets
		SET pending_balance = pending_balance - $2,
			available_balance = available_balance + $3,
			total_earned = total_earned + $3,
			updated_at = NOW()
		WHERE user_id = $1 AND pending_balance >= $2
	`, userID, amount, payout)
}

func (r *Repository) ReversePending(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) (bool, error) {
	return execGuarded(ctx, q, `
		UPDATE wallets SET pending_balance = pending_balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND pending_balance >= $2
	`, userID, amount)
}

func (r *Repository) DebitAvailable(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) (bool, error) {
	return execGuarded(ctx, q, `
		UPDATE wallets SET available_balance = available_balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND available_balance >= $2
	`, userID, amount)
}

func (r *Repository) CreditAvailable(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) error {
	ok, err := execGuarded(ctx, q, `
		UPDATE wallets SET available_balance = available_balance + $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWalletNotFound
	}
	return nil
}

func (r *Repository) AddSpent(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE wallets SET total_spent = total_spent + $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	return err
}

func (r *Repository) InsertPosting(ctx context.Context, q database.Querier, p *Posting) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO wallet_postings (id, user_id, kind, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.UserID, string(p.Kind), p.Amount, p.Reference, p.CreatedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicatePosting
	}
	return err
}

func (r *Repository) ListPostings(ctx context.Context, q database.Querier, userID uuid.UUID, limit, offset int) ([]*Posting, error) {
	var postings []*Posting
	err := sqlx.SelectContext(ctx, q, &postings, `
		SELECT id, user_id, kind, amount, reference, created_at
		FROM wallet_postings
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return postings, err
}

func (r *Repository) CreateWithdrawal(ctx context.Context, q database.Querier, w *Withdrawal) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO withdrawals (id, user_id, amount, phone, payment_method_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, w.ID, w.UserID, w.Amount, w.Phone, w.PaymentMethodID, string(w.Status), w.CreatedAt)
	return err
}

const withdrawalColumns = `id, user_id, amount, phone, payment_method_id, status, gateway_reference, failure_reason, created_at, updated_at`

func (r *Repository) GetWithdrawal(ctx context.Context, q database.Querier, id uuid.UUID) (*Withdrawal, error) {
	var w Withdrawal
	err := sqlx.GetContext(ctx, q, &w, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) SetWithdrawalReference(ctx context.Context, q database.Querier, id uuid.UUID, ref string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE withdrawals SET gateway_reference = $2, updated_at = NOW()
		WHERE id = $1 AND gateway_reference IS NULL
	`, id, ref)
	return err
}

// FinishWithdrawal moves a PENDING withdrawal to a final status; false means it was already final
func (r *Repository) FinishWithdrawal(ctx context.Context, q database.Querier, id uuid.UUID, to WithdrawalStatus, ref, reason string) (bool, error) {
	return execGuarded(ctx, q, `
		UPDATE withdrawals
		SET status = $2,
			gateway_reference = COALESCE(NULLIF($3, ''), gateway_reference),
			failure_reason = NULLIF($4, ''),
			updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, id, string(to), ref, reason)
}

func (r *Repository) ListWithdrawals(ctx context.Context, q database.Querier, userID uuid.UUID, limit, offset int) ([]*Withdrawal, error) {
	var out []*Withdrawal
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return out, err
}

const paymentMethodColumns = `id, user_id, provider, account_number, account_name, is_default, is_active, created_at`

func (r *Repository) CreatePaymentMethod(ctx context.Context, q database.Querier, m *PaymentMethod) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_methods (id, user_id, provider, account_number, account_name, is_default, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
	`, m.ID, m.UserID, string(m.Provider), m.AccountNumber, m.AccountName, m.IsDefault, m.CreatedAt)
	return err
}

func (r *Repository) GetPaymentMethod(ctx context.Context, q database.Querier, userID, id uuid.UUID) (*PaymentMethod, error) {
	return getPaymentMethod(ctx, q, `
		SELECT `+paymentMethodColumns+`
		FROM payment_methods
		WHERE id = $1 AND user_id = $2 AND is_active
	`, id, userID)
}

func (r *Repository) GetDefaultPaymentMethod(ctx context.Context, q database.Querier, userID uuid.UUID) (*PaymentMethod, error) {
	return getPaymentMethod(ctx, q, `
		SELECT `+paymentMethodColumns+`
		FROM payment_methods
		WHERE user_id = $1 AND is_default AND is_active
	`, userID)
}

func (r *Repository) ListPaymentMethods(ctx context.Context, q database.Querier, userID uuid.UUID) ([]*PaymentMethod, error) {
	var out []*PaymentMethod
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT `+paymentMethodColumns+`
		FROM payment_methods
		WHERE user_id = $1 AND is_active
		ORDER BY is_default DESC, created_at DESC
	`, userID)
	return out, err
}

func (r *Repository) ClearDefaultPaymentMethod(ctx context.Context, q database.Querier, userID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `
		UPDATE payment_methods SET is_default = FALSE
		WHERE user_id = $1 AND is_default
	`, userID)
	return err
}

// PromoteNewestPaymentMethod makes the most recently added active method the
// default. It returns ErrPaymentMethodNotFound when the user has none left.
func (r *Repository) PromoteNewestPaymentMethod(ctx context.Context, q database.Querier, userID uuid.UUID) (*PaymentMethod, error) {
	return getPaymentMethod(ctx, q, `
		UPDATE payment_methods SET is_default = TRUE
		WHERE id = (
			SELECT id FROM payment_methods
			WHERE user_id = $1 AND is_active
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING `+paymentMethodColumns, userID)
}

func (r *Repository) DeactivatePaymentMethod(ctx context.Context, q database.Querier, userID, id uuid.UUID) (bool, error) {
	return execGuarded(ctx, q, `
		UPDATE payment_methods SET is_active = FALSE, is_default = FALSE
		WHERE id = $1 AND user_id = $2 AND is_active
	`, id, userID)
}

func getPaymentMethod(ctx context.Context, q database.Querier, query string, args ...interface{}) (*PaymentMethod, error) {
	var m PaymentMethod
	err := sqlx.GetContext(ctx, q, &m, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentMethodNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func execGuarded(ctx context.Context, q database.Querier, query string, args ...interface{}) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

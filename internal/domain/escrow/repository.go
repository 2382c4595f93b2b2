package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/swiftline/escrow-api/internal/pkg/database"
)

// Repository persists transactions and payouts. Transition is the only way
// to change a transaction's status.
type Repository interface {
	Create(ctx context.Context, q database.Querier, t *Transaction) error
	Get(ctx context.Context, q database.Querier, id string) (*Transaction, error)
	GetByCheckoutID(ctx context.Context, q database.Querier, checkoutID string) (*Transaction, error)
	// Transition sets status to `to` only if the current status is in `from`.
	// It returns nil without error when no row matched.
	Transition(ctx context.Context, q database.Querier, id string, from []Status, to Status, patch Patch) (*Transaction, error)
	// ExpireDue moves up to limit PENDING transactions past their expiry to EXPIRED
	ExpireDue(ctx context.Context, q database.Querier, now time.Time, limit int) ([]*Transaction, error)
	ListForUser(ctx context.Context, q database.Querier, userID uuid.UUID, role Role, status Status, limit, offset int) ([]*Transaction, int, error)
	CreatePayout(ctx context.Context, q database.Querier, p *Payout) error
	ListPayouts(ctx context.Context, q database.Querier, sellerID uuid.UUID, limit, offset int) ([]*Payout, error)
}

type repository struct{}

func NewRepository() Repository {
	return &repository{}
}

const transactionColumns = `id, seller_id, buyer_id, item_name, description, amount, currency, status,
	payment_method, buyer_phone, checkout_request_id, payment_reference, platform_fee, seller_payout,
	tracking_number, carrier, created_at, updated_at, paid_at, shipped_at, delivered_at, completed_at,
	cancelled_at, expires_at`

func (r *repository) Create(ctx context.Context, q database.Querier, t *Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (id, seller_id, item_name, description, amount, currency, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)
	`, t.ID, t.SellerID, t.ItemName, t.Description, t.Amount, t.Currency, string(t.Status), t.CreatedAt, t.ExpiresAt)
	return err
}

func (r *repository) Get(ctx context.Context, q database.Querier, id string) (*Transaction, error) {
	var t Transaction
	err := sqlx.GetContext(ctx, q, &t, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *repository) GetByCheckoutID(ctx context.Context, q database.Querier, checkoutID string) (*Transaction, error) {
	var t Transaction
	err := sqlx.GetContext(ctx, q, &t, `SELECT `+transactionColumns+` FROM transactions WHERE checkout_request_id = $1`, checkoutID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownCheckout
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// assignments renders the non-nil patch fields as SET clauses starting at $next
func (p Patch) assignments(next int) ([]string, []interface{}) {
	var (
		sets []string
		args []interface{}
	)
	add := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, next))
		args = append(args, v)
		next++
	}
	if p.BuyerID != nil {
		add("buyer_id", *p.BuyerID)
	}
	if p.BuyerPhone != nil {
		add("buyer_phone", *p.BuyerPhone)
	}
	if p.PaymentMethod != nil {
		add("payment_method", string(*p.PaymentMethod))
	}
	if p.CheckoutRequestID != nil {
		add("checkout_request_id", *p.CheckoutRequestID)
	}
	if p.PaymentReference != nil {
		add("payment_reference", *p.PaymentReference)
	}
	if p.PlatformFee != nil {
		add("platform_fee", *p.PlatformFee)
	}
	if p.SellerPayout != nil {
		add("seller_payout", *p.SellerPayout)
	}
	if p.TrackingNumber != nil {
		add("tracking_number", *p.TrackingNumber)
	}
	if p.Carrier != nil {
		add("carrier", *p.Carrier)
	}
	if p.PaidAt != nil {
		add("paid_at", *p.PaidAt)
	}
	if p.ShippedAt != nil {
		add("shipped_at", *p.ShippedAt)
	}
	if p.DeliveredAt != nil {
		add("delivered_at", *p.DeliveredAt)
	}
	if p.CompletedAt != nil {
		add("completed_at", *p.CompletedAt)
	}
	if p.CancelledAt != nil {
		add("cancelled_at", *p.CancelledAt)
	}
	return sets, args
}

func (r *repository) Transition(ctx context.Context, q database.Querier, id string, from []Status, to Status, patch Patch) (*Transaction, error) {
	sets, args := patch.assignments(4)
	sets = append([]string{"status = $3", "updated_at = NOW()"}, sets...)

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	query := `UPDATE transactions SET ` + strings.Join(sets, ", ") + `
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + transactionColumns

	var t Transaction
	err := sqlx.GetContext(ctx, q, &t, query, append([]interface{}{id, pq.Array(states), string(to)}, args...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *repository) ExpireDue(ctx context.Context, q database.Querier, now time.Time, limit int) ([]*Transaction, error) {
	var out []*Transaction
	err := sqlx.SelectContext(ctx, q, &out, `
		UPDATE transactions SET status = 'EXPIRED', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM transactions
			WHERE status = 'PENDING' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = 'PENDING'
		RETURNING `+transactionColumns, now, limit)
	return out, err
}

func (r *repository) ListForUser(ctx context.Context, q database.Querier, userID uuid.UUID, role Role, status Status, limit, offset int) ([]*Transaction, int, error) {
	column := "seller_id"
	if role == RoleBuyer {
		column = "buyer_id"
	}
	where := column + " = $1"
	args := []interface{}{userID}
	if status != "" {
		where += " AND status = $2"
		args = append(args, string(status))
	}

	var total int
	if err := sqlx.GetContext(ctx, q, &total, `SELECT COUNT(*) FROM transactions WHERE `+where, args...); err != nil {
		return nil, 0, err
	}

	var out []*Transaction
	n := len(args)
	err := sqlx.SelectContext(ctx, q, &out, fmt.Sprintf(`
		SELECT %s FROM transactions
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, transactionColumns, where, n+1, n+2), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *repository) CreatePayout(ctx context.Context, q database.Querier, p *Payout) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payouts (id, transaction_id, seller_id, amount, platform_fee, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.TransactionID, p.SellerID, p.Amount, p.PlatformFee, p.Status, p.CreatedAt)
	return err
}

func (r *repository) ListPayouts(ctx context.Context, q database.Querier, sellerID uuid.UUID, limit, offset int) ([]*Payout, error) {
	var out []*Payout
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT id, transaction_id, seller_id, amount, platform_fee, status, created_at
		FROM payouts
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, sellerID, limit, offset)
	return out, err
}

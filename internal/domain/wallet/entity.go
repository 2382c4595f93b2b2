package wallet

import (
	"time"

	"github.com/google/uuid"
)

// Wallet holds a user's balances in minor currency units
type Wallet struct {
	UserID           uuid.UUID `db:"user_id" json:"user_id"`
	AvailableBalance int64     `db:"available_balance" json:"available_balance"`
	PendingBalance   int64     `db:"pending_balance" json:"pending_balance"`
	TotalEarned      int64     `db:"total_earned" json:"total_earned"`
	TotalSpent       int64     `db:"total_spent" json:"total_spent"`
	Currency         string    `db:"currency" json:"currency"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// PostingKind names the balance delta a posting recorded
type PostingKind string

const (
	PostingHold    PostingKind = "HOLD"    // pending += amount
	PostingRelease PostingKind = "RELEASE" // pending -= amount, available += payout
	PostingReverse PostingKind = "REVERSE" // pending -= amount
	PostingDebit   PostingKind = "DEBIT"   // available -= amount
	PostingRefund  PostingKind = "REFUND"  // available += amount
	PostingSpend   PostingKind = "SPEND"   // total_spent += amount
)

// Posting is one journal line written together with its balance delta
type Posting struct {
	ID        uuid.UUID   `db:"id" json:"id"`
	UserID    uuid.UUID   `db:"user_id" json:"user_id"`
	Kind      PostingKind `db:"kind" json:"kind"`
	Amount    int64       `db:"amount" json:"amount"`
	Reference string      `db:"reference" json:"reference"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalCompleted WithdrawalStatus = "COMPLETED"
	WithdrawalFailed    WithdrawalStatus = "FAILED"
)

// Withdrawal moves available balance out to a mobile money account
type Withdrawal struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	UserID           uuid.UUID        `db:"user_id" json:"user_id"`
	Amount           int64            `db:"amount" json:"amount"`
	Phone            string           `db:"phone" json:"phone"`
	PaymentMethodID  *uuid.UUID       `db:"payment_method_id" json:"payment_method_id,omitempty"`
	Status           WithdrawalStatus `db:"status" json:"status"`
	GatewayReference *string          `db:"gateway_reference" json:"gateway_reference,omitempty"`
	FailureReason    *string          `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// Provider is the mobile money network a payout account belongs to
type Provider string

const (
	ProviderMPesa  Provider = "MPESA"
	ProviderAirtel Provider = "AIRTEL_MONEY"
)

// PaymentMethod is a saved payout account. Deleted methods stay on record
// with IsActive false so past withdrawals keep their reference.
type PaymentMethod struct {
	ID            uuid.UUID `db:"id" json:"id"`
	UserID        uuid.UUID `db:"user_id" json:"user_id"`
	Provider      Provider  `db:"provider" json:"provider"`
	AccountNumber string    `db:"account_number" json:"account_number"`
	AccountName   string    `db:"account_name" json:"account_name"`
	IsDefault     bool      `db:"is_default" json:"is_default"`
	IsActive      bool      `db:"is_active" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// PaymentMethodInput is what a user supplies when saving a payout account
type PaymentMethodInput struct {
	Provider      Provider
	AccountNumber string
	AccountName   string
	IsDefault     bool
}

// CreditResult is the asynchronous outcome of a payout request
type CreditResult struct {
	CorrelationID string
	Success       bool
	ReceiptID     string
	Reason        string
}

func withdrawalReference(id uuid.UUID) string {
	return "withdrawal:" + id.String()
}

package escrow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the escrow transaction state
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProcessing    Status = "PROCESSING"
	StatusPaid          Status = "PAID"
	StatusShipped       Status = "SHIPPED"
	StatusDelivered     Status = "DELIVERED"
	StatusCompleted     Status = "COMPLETED"
	StatusDisputed      Status = "DISPUTED"
	StatusExpired       Status = "EXPIRED"
	StatusCancelled     Status = "CANCELLED"
	StatusPaymentFailed Status = "PAYMENT_FAILED"
)

// IsTerminal reports whether no transition leaves s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled, StatusPaymentFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaid, StatusShipped, StatusDelivered,
		StatusCompleted, StatusDisputed, StatusExpired, StatusCancelled, StatusPaymentFailed:
		return true
	}
	return false
}

// Allowed source states per transition
var (
	fromInitiate = []Status{StatusPending}
	fromPaid     = []Status{StatusPending, StatusProcessing}
	fromFailed   = []Status{StatusProcessing}
	fromShip     = []Status{StatusPaid}
	fromDeliver  = []Status{StatusShipped}
	fromConfirm  = []Status{StatusShipped, StatusDelivered}
	fromDispute  = []Status{StatusPaid, StatusShipped, StatusDelivered}
	fromResolve  = []Status{StatusDisputed}
	fromCancel   = []Status{StatusPending}
	fromExpire   = []Status{StatusPending}
)

type PaymentMethod string

const (
	PaymentMPesa       PaymentMethod = "MPESA"
	PaymentAirtelMoney PaymentMethod = "AIRTEL_MONEY"
	PaymentCard        PaymentMethod = "CARD"
)

// Transaction is one escrow deal between a seller and a buyer.
// Amounts are in minor currency units.
type Transaction struct {
	ID                string         `db:"id" json:"id"`
	SellerID          uuid.UUID      `db:"seller_id" json:"seller_id"`
	BuyerID           *uuid.UUID     `db:"buyer_id" json:"buyer_id,omitempty"`
	ItemName          string         `db:"item_name" json:"item_name"`
	Description       string         `db:"description" json:"description"`
	Amount            int64          `db:"amount" json:"amount"`
	Currency          string         `db:"currency" json:"currency"`
	Status            Status         `db:"status" json:"status"`
	PaymentMethod     *PaymentMethod `db:"payment_method" json:"payment_method,omitempty"`
	BuyerPhone        *string        `db:"buyer_phone" json:"-"`
	CheckoutRequestID *string        `db:"checkout_request_id" json:"checkout_request_id,omitempty"`
	PaymentReference  *string        `db:"payment_reference" json:"payment_reference,omitempty"`
	PlatformFee       *int64         `db:"platform_fee" json:"platform_fee,omitempty"`
	SellerPayout      *int64         `db:"seller_payout" json:"seller_payout,omitempty"`
	TrackingNumber    *string        `db:"tracking_number" json:"tracking_number,omitempty"`
	Carrier           *string        `db:"carrier" json:"carrier,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
	PaidAt            *time.Time     `db:"paid_at" json:"paid_at,omitempty"`
	ShippedAt         *time.Time     `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time     `db:"delivered_at" json:"delivered_at,omitempty"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt       *time.Time     `db:"cancelled_at" json:"cancelled_at,omitempty"`
	ExpiresAt         time.Time      `db:"expires_at" json:"expires_at"`
}

func (t *Transaction) IsBuyer(userID uuid.UUID) bool {
	return t.BuyerID != nil && *t.BuyerID == userID
}

func (t *Transaction) IsSeller(userID uuid.UUID) bool {
	return t.SellerID == userID
}

func (t *Transaction) IsParticipant(userID uuid.UUID) bool {
	return t.IsSeller(userID) || t.IsBuyer(userID)
}

// expiredAt reports whether a PENDING transaction is past its payment window
func (t *Transaction) expiredAt(now time.Time) bool {
	return t.Status == StatusPending && !now.Before(t.ExpiresAt)
}

// Patch lists the columns a transition sets alongside the status
type Patch struct {
	BuyerID           *uuid.UUID
	BuyerPhone        *string
	PaymentMethod     *PaymentMethod
	CheckoutRequestID *string
	PaymentReference  *string
	PlatformFee       *int64
	SellerPayout      *int64
	TrackingNumber    *string
	Carrier           *string
	PaidAt            *time.Time
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
}

// Payout is the immutable record of escrow funds released to a seller
type Payout struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	SellerID      uuid.UUID `db:"seller_id" json:"seller_id"`
	Amount        int64     `db:"amount" json:"amount"`
	PlatformFee   int64     `db:"platform_fee" json:"platform_fee"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

const PayoutStatusCompleted = "COMPLETED"

// Role selects which side of the deal a listing is for
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// DebitResult is the gateway's asynchronous answer to a debit request
type DebitResult struct {
	CheckoutRequestID string
	Success           bool
	ReceiptID         string
	Amount            int64
	Reason            string
}

// newTransactionID returns TXN-<base36 millis>-<8 hex>.
// A failing system random source leaves no safe way to mint ids.
func newTransactionID(now time.Time) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("escrow: read random id suffix: %v", err))
	}
	return "TXN-" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)) + "-" + strings.ToUpper(hex.EncodeToString(b))
}

func ledgerReference(id string) string {
	return "txn:" + id
}

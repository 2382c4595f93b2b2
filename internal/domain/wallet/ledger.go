package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/pkg/database"
	"github.com/swiftline/escrow-api/internal/pkg/metrics"
)

// Ledger is the only code path that changes wallet balances.
// Every method runs on the caller's Querier so the balance change commits or
// rolls back with the status change that triggered it.
type Ledger struct {
	repo BalanceRepository
	now  func() time.Time
}

func NewLedger(repo BalanceRepository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// EnsureExists creates a zero-balance wallet if none exists
func (l *Ledger) EnsureExists(ctx context.Context, q database.Querier, userID uuid.UUID) error {
	return l.repo.Ensure(ctx, q, userID)
}

// Hold moves amount into the seller's pending balance
func (l *Ledger) Hold(ctx context.Context, q database.Querier, sellerID uuid.UUID, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.repo.Ensure(ctx, q, sellerID); err != nil {
		return err
	}
	if err := l.repo.AddPending(ctx, q, sellerID, amount); err != nil {
		return err
	}
	return l.post(ctx, q, sellerID, PostingHold, amount, reference)
}

// Release removes amount from pending and credits payout to available and total earned.
// The difference stays with the platform as its fee.
func (l *Ledger) Release(ctx context.Context, q database.Querier, sellerID uuid.UUID, amount, payout int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if payout < 0 || payout > amount {
		return ErrInvalidPayout
	}
	ok, err := l.repo.ReleasePending(ctx, q, sellerID, amount, payout)
	if err != nil {
		return err
	}
	if !ok {
		l.escalate(sellerID, PostingRelease, amount, reference)
		return ErrInsufficientPendingBalance
	}
	return l.post(ctx, q, sellerID, PostingRelease, amount, reference)
}

// Reverse drops a hold without paying anything out
func (l *Ledger) Reverse(ctx context.Context, q database.Querier, sellerID uuid.UUID, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ok, err := l.repo.ReversePending(ctx, q, sellerID, amount)
	if err != nil {
		return err
	}
	if !ok {
		l.escalate(sellerID, PostingReverse, amount, reference)
		return ErrInsufficientPendingBalance
	}
	return l.post(ctx, q, sellerID, PostingReverse, amount, reference)
}

// Debit takes amount out of the available balance; it never overdraws
func (l *Ledger) Debit(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.repo.Ensure(ctx, q, userID); err != nil {
		return err
	}
	ok, err := l.repo.DebitAvailable(ctx, q, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientFunds
	}
	return l.post(ctx, q, userID, PostingDebit, amount, reference)
}

// Refund returns a previously debited amount to the available balance
func (l *Ledger) Refund(ctx context.Context, q database.Querier, userID uuid.UUID, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.repo.CreditAvailable(ctx, q, userID, amount); err != nil {
		return err
	}
	return l.post(ctx, q, userID, PostingRefund, amount, reference)
}

// RecordSpend adds amount to the buyer's cumulative spend
func (l *Ledger) RecordSpend(ctx context.Context, q database.Querier, buyerID uuid.UUID, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.repo.Ensure(ctx, q, buyerID); err != nil {
		return err
	}
	if err := l.repo.AddSpent(ctx, q, buyerID, amount); err != nil {
		return err
	}
	return l.post(ctx, q, buyerID, PostingSpend, amount, reference)
}

func (l *Ledger) post(ctx context.Context, q database.Querier, userID uuid.UUID, kind PostingKind, amount int64, reference string) error {
	err := l.repo.InsertPosting(ctx, q, &Posting{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
		CreatedAt: l.now().UTC(),
	})
	if err != nil {
		return err
	}
	metrics.LedgerPostings.WithLabelValues(string(kind)).Inc()
	return nil
}

// pending shortfalls mean an upstream transition released funds it never held
func (l *Ledger) escalate(userID uuid.UUID, kind PostingKind, amount int64, reference string) {
	metrics.LedgerInvariantViolations.Inc()
	log.Error().
		Str("escalation", "ledger_invariant").
		Str("user_id", userID.String()).
		Str("posting", string(kind)).
		Int64("amount", amount).
		Str("reference", reference).
		Msg("pending balance lower than requested amount")
}

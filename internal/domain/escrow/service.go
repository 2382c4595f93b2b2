package escrow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/domain/otp"
	"github.com/swiftline/escrow-api/internal/domain/wallet"
	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/database"
	"github.com/swiftline/escrow-api/internal/pkg/metrics"
	"github.com/swiftline/escrow-api/internal/pkg/phone"
)

// DebitGateway asks the buyer's mobile money account for a payment.
// It returns the checkout request id that the asynchronous result will carry.
type DebitGateway interface {
	RequestDebit(ctx context.Context, phone string, amount int64, correlationID string) (string, error)
}

// DeliveryCodes issues and checks the buyer's delivery confirmation code
type DeliveryCodes interface {
	Send(ctx context.Context, phone string, purpose otp.Purpose) (*otp.Issued, error)
	Verify(ctx context.Context, phone, code string, purpose otp.Purpose) error
}

// Notifier is the fire-and-forget notification sink
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, eventType, title, message string, metadata map[string]interface{})
}

// Config holds escrow policy
type Config struct {
	TransactionTTL time.Duration
	MaxAmount      int64
	Currency       string
	SweepBatch     int
}

type Service struct {
	runner   database.Runner
	repo     Repository
	ledger   *wallet.Ledger
	gateway  DebitGateway
	codes    DeliveryCodes
	notifier Notifier
	fees     FeePolicy
	cfg      Config
	now      func() time.Time
}

func NewService(runner database.Runner, repo Repository, ledger *wallet.Ledger, gateway DebitGateway, codes DeliveryCodes, notifier Notifier, fees FeePolicy, cfg Config) *Service {
	if cfg.TransactionTTL <= 0 {
		cfg.TransactionTTL = 7 * 24 * time.Hour
	}
	if cfg.Currency == "" {
		cfg.Currency = "KES"
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Service{
		runner:   runner,
		repo:     repo,
		ledger:   ledger,
		gateway:  gateway,
		codes:    codes,
		notifier: notifier,
		fees:     fees,
		cfg:      cfg,
		now:      time.Now,
	}
}

type CreateInput struct {
	ItemName    string
	Description string
	Amount      int64
}

// Create opens a PENDING transaction for the seller
func (s *Service) Create(ctx context.Context, sellerID uuid.UUID, in CreateInput) (*Transaction, error) {
	in.ItemName = strings.TrimSpace(in.ItemName)
	if in.ItemName == "" {
		return nil, ErrInvalidItem
	}
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.cfg.MaxAmount > 0 && in.Amount > s.cfg.MaxAmount {
		return nil, ErrAmountTooLarge
	}

	now := s.now().UTC()
	t := &Transaction{
		ID:          newTransactionID(now),
		SellerID:    sellerID,
		ItemName:    in.ItemName,
		Description: strings.TrimSpace(in.Description),
		Amount:      in.Amount,
		Currency:    s.cfg.Currency,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TransactionTTL),
	}

	err := s.runner.InTx(ctx, func(q database.Querier) error {
		if err := s.repo.Create(ctx, q, t); err != nil {
			return err
		}
		return s.ledger.EnsureExists(ctx, q, sellerID)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("transaction_id", t.ID).Str("seller_id", sellerID.String()).Int64("amount", t.Amount).Msg("transaction created")
	return t, nil
}

// Get returns the transaction, expiring it first if its payment window has passed
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.repo.Get(ctx, s.runner.Querier(), id)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, t)
}

// expireIfDue applies the lazy PENDING -> EXPIRED transition. Concurrent
// readers race on the conditional update; only the winner notifies.
func (s *Service) expireIfDue(ctx context.Context, t *Transaction) (*Transaction, error) {
	if !t.expiredAt(s.now()) {
		return t, nil
	}
	updated, err := s.repo.Transition(ctx, s.runner.Querier(), t.ID, fromExpire, StatusExpired, Patch{})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return s.repo.Get(ctx, s.runner.Querier(), t.ID)
	}
	s.expired(ctx, updated)
	return updated, nil
}

func (s *Service) expired(ctx context.Context, t *Transaction) {
	s.transitioned(StatusPending, t)
	s.notifier.Notify(ctx, t.SellerID, "transaction_expired", "Payment link expired",
		"No payment was received for \""+t.ItemName+"\" before the link expired.",
		map[string]interface{}{"transaction_id": t.ID})
}

// ExpireDue expires every overdue PENDING transaction, in batches
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := s.repo.ExpireDue(ctx, s.runner.Querier(), s.now(), s.cfg.SweepBatch)
		if err != nil {
			return total, err
		}
		for _, t := range batch {
			s.expired(ctx, t)
		}
		total += len(batch)
		if len(batch) < s.cfg.SweepBatch {
			return total, nil
		}
	}
}

type InitiateInput struct {
	Phone  string
	Method PaymentMethod
}

// InitiatePayment asks the gateway to debit the buyer and moves the
// transaction to PROCESSING. Nothing changes locally if the gateway call fails.
func (s *Service) InitiatePayment(ctx context.Context, id string, buyerID uuid.UUID, in InitiateInput) (*Transaction, error) {
	switch in.Method {
	case PaymentMPesa, PaymentAirtelMoney, PaymentCard:
	default:
		return nil, ErrInvalidMethod
	}
	msisdn, err := phone.Normalize(in.Phone)
	if err != nil {
		return nil, ErrInvalidPhone
	}

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsSeller(buyerID) {
		return nil, ErrOwnTransaction
	}
	if t.Status != StatusPending {
		return nil, s.reject("pay for", StatusProcessing, t.Status)
	}

	checkoutID, err := s.gateway.RequestDebit(ctx, msisdn, t.Amount, t.ID)
	if err != nil {
		log.Warn().Err(err).Str("transaction_id", t.ID).Msg("debit request failed")
		return nil, err
	}

	updated, err := s.repo.Transition(ctx, s.runner.Querier(), t.ID, fromInitiate, StatusProcessing, Patch{
		BuyerID:           &buyerID,
		BuyerPhone:        &msisdn,
		PaymentMethod:     &in.Method,
		CheckoutRequestID: &checkoutID,
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		// the prompt is already on the buyer's phone; a callback for it will find no transaction
		log.Error().Str("escalation", "orphan_checkout").Str("transaction_id", t.ID).Str("checkout_request_id", checkoutID).
			Msg("transaction left PENDING while the debit request was in flight")
		return nil, s.rejectCurrent(ctx, t.ID, "pay for", StatusProcessing)
	}

	s.transitioned(StatusPending, updated)
	log.Info().Str("transaction_id", t.ID).Str("checkout_request_id", checkoutID).Msg("payment initiated")
	return updated, nil
}

// HandleDebitResult applies the gateway's answer. Replays of an applied
// result are accepted without effect.
func (s *Service) HandleDebitResult(ctx context.Context, res DebitResult) error {
	t, err := s.repo.GetByCheckoutID(ctx, s.runner.Querier(), res.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, ErrUnknownCheckout) {
			log.Error().Str("checkout_request_id", res.CheckoutRequestID).Bool("success", res.Success).Msg("debit result for unknown checkout")
		}
		return err
	}

	if !res.Success {
		return s.failPayment(ctx, t, res.Reason)
	}
	if res.Amount != t.Amount {
		log.Error().Str("transaction_id", t.ID).Int64("expected", t.Amount).Int64("confirmed", res.Amount).Msg("debit amount mismatch")
		return ErrAmountMismatch
	}
	_, err = s.markPaid(ctx, t.ID, res.ReceiptID)
	return err
}

// ConfirmPayment marks a transaction paid without a gateway callback
func (s *Service) ConfirmPayment(ctx context.Context, id string, adminID uuid.UUID, reference string) (*Transaction, error) {
	if strings.TrimSpace(reference) == "" {
		reference = "MANUAL-" + strings.ToUpper(uuid.NewString()[:8])
	}
	t, err := s.markPaid(ctx, id, reference)
	if err != nil {
		return nil, err
	}
	log.Info().Str("transaction_id", id).Str("admin_id", adminID.String()).Msg("payment confirmed manually")
	return t, nil
}

func (s *Service) markPaid(ctx context.Context, id, reference string) (*Transaction, error) {
	var (
		paid    *Transaction
		current *Transaction
		lapsed  *Transaction
	)
	err := s.runner.InTx(ctx, func(q database.Querier) error {
		t, err := s.repo.Get(ctx, q, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()

		// The payment window closed before the sweeper reached this row.
		// The expiry is committed, the payment is not.
		if t.expiredAt(now) {
			lapsed, err = s.repo.Transition(ctx, q, id, fromExpire, StatusExpired, Patch{})
			if err != nil {
				return err
			}
			current, err = s.repo.Get(ctx, q, id)
			return err
		}
		fee, payout := s.fees.Split(t.Amount)

		updated, err := s.repo.Transition(ctx, q, id, fromPaid, StatusPaid, Patch{
			PaymentReference: &reference,
			PlatformFee:      &fee,
			SellerPayout:     &payout,
			PaidAt:           &now,
		})
		if err != nil {
			return err
		}
		if updated == nil {
			current, err = s.repo.Get(ctx, q, id)
			return err
		}
		if err := s.ledger.Hold(ctx, q, updated.SellerID, updated.Amount, ledgerReference(id)); err != nil {
			return err
		}
		current, paid = t, updated
		return nil
	})
	if errors.Is(err, wallet.ErrDuplicatePosting) {
		log.Warn().Str("transaction_id", id).Msg("hold already posted, ignoring replayed payment")
		return s.repo.Get(ctx, s.runner.Querier(), id)
	}
	if err != nil {
		return nil, err
	}

	if lapsed != nil {
		s.expired(ctx, lapsed)
	}
	if current.Status == StatusExpired {
		log.Warn().Str("transaction_id", id).Str("escalation", "payment_after_expiry").
			Str("payment_reference", reference).Msg("payment arrived after the transaction expired")
		return nil, s.reject("confirm payment for", StatusPaid, current.Status)
	}

	if paid == nil {
		if paidOrLater(current.Status) {
			log.Info().Str("transaction_id", id).Str("status", string(current.Status)).Msg("payment already applied")
			return current, nil
		}
		return nil, s.reject("confirm payment for", StatusPaid, current.Status)
	}

	s.transitioned(current.Status, paid)
	log.Info().Str("transaction_id", id).Int64("platform_fee", *paid.PlatformFee).Int64("seller_payout", *paid.SellerPayout).Msg("payment held in escrow")

	meta := map[string]interface{}{"transaction_id": paid.ID, "amount": paid.Amount}
	s.notifier.Notify(ctx, paid.SellerID, "payment_received", "Payment received",
		"Payment for \""+paid.ItemName+"\" is secured in escrow. You can ship the item.", meta)
	if paid.BuyerID != nil {
		s.notifier.Notify(ctx, *paid.BuyerID, "payment_confirmed", "Payment confirmed",
			"Your payment for \""+paid.ItemName+"\" is held safely until you confirm delivery.", meta)
	}
	return paid, nil
}

// paidOrLater reports whether a successful payment has already been applied
func paidOrLater(st Status) bool {
	switch st {
	case StatusPaid, StatusShipped, StatusDelivered, StatusCompleted, StatusDisputed:
		return true
	}
	return false
}

func (s *Service) failPayment(ctx context.Context, t *Transaction, reason string) error {
	updated, err := s.repo.Transition(ctx, s.runner.Querier(), t.ID, fromFailed, StatusPaymentFailed, Patch{})
	if err != nil {
		return err
	}
	if updated == nil {
		current, err := s.repo.Get(ctx, s.runner.Querier(), t.ID)
		if err != nil {
			return err
		}
		if current.Status != StatusPaymentFailed {
			log.Warn().Str("transaction_id", t.ID).Str("status", string(current.Status)).Msg("ignoring failed debit result")
		}
		return nil
	}

	s.transitioned(StatusProcessing, updated)
	log.Info().Str("transaction_id", t.ID).Str("reason", reason).Msg("payment failed")
	if updated.BuyerID != nil {
		s.notifier.Notify(ctx, *updated.BuyerID, "payment_failed", "Payment failed",
			"Your payment for \""+updated.ItemName+"\" did not go through.",
			map[string]interface{}{"transaction_id": updated.ID, "reason": reason})
	}
	return nil
}

type ShipInput struct {
	TrackingNumber string
	Carrier        string
}

// Ship records that the seller has dispatched the item
func (s *Service) Ship(ctx context.Context, id string, sellerID uuid.UUID, in ShipInput) (*Transaction, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsSeller(sellerID) {
		return nil, ErrForbidden
	}

	now := s.now().UTC()
	patch := Patch{ShippedAt: &now}
	if v := strings.TrimSpace(in.TrackingNumber); v != "" {
		patch.TrackingNumber = &v
	}
	if v := strings.TrimSpace(in.Carrier); v != "" {
		patch.Carrier = &v
	}

	updated, err := s.apply(ctx, t.ID, "ship", fromShip, StatusShipped, patch)
	if err != nil {
		return nil, err
	}
	if updated.BuyerID != nil {
		s.notifier.Notify(ctx, *updated.BuyerID, "order_shipped", "Order shipped",
			"\""+updated.ItemName+"\" is on its way.",
			map[string]interface{}{"transaction_id": updated.ID, "tracking_number": in.TrackingNumber, "carrier": in.Carrier})
	}
	return updated, nil
}

// MarkDelivered records arrival of the item; either party may report it
func (s *Service) MarkDelivered(ctx context.Context, id string, actorID uuid.UUID) (*Transaction, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(actorID) {
		return nil, ErrForbidden
	}

	now := s.now().UTC()
	updated, err := s.apply(ctx, t.ID, "mark delivered", fromDeliver, StatusDelivered, Patch{DeliveredAt: &now})
	if err != nil {
		return nil, err
	}
	meta := map[string]interface{}{"transaction_id": updated.ID}
	s.notifier.Notify(ctx, updated.SellerID, "order_delivered", "Order delivered",
		"\""+updated.ItemName+"\" was marked as delivered. Funds are released once the buyer confirms.", meta)
	if updated.BuyerID != nil {
		s.notifier.Notify(ctx, *updated.BuyerID, "order_delivered", "Order delivered",
			"Confirm delivery of \""+updated.ItemName+"\" with the code sent to your phone.", meta)
	}
	return updated, nil
}

// RequestDeliveryCode sends the buyer the code that authorizes release of funds
func (s *Service) RequestDeliveryCode(ctx context.Context, id string, buyerID uuid.UUID) (*otp.Issued, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsBuyer(buyerID) {
		return nil, ErrForbidden
	}
	if !statusIn(t.Status, fromConfirm) {
		return nil, s.reject("confirm delivery of", StatusCompleted, t.Status)
	}
	if t.BuyerPhone == nil {
		return nil, ErrNoBuyerPhone
	}
	return s.codes.Send(ctx, *t.BuyerPhone, otp.PurposeDeliveryConfirmation)
}

// ConfirmDelivery completes the transaction once the buyer's code checks out,
// releasing the held amount minus the platform fee to the seller.
func (s *Service) ConfirmDelivery(ctx context.Context, id string, buyerID uuid.UUID, code string) (*Transaction, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsBuyer(buyerID) {
		return nil, ErrForbidden
	}
	// checked before the code so a frozen transaction does not consume attempts
	if !statusIn(t.Status, fromConfirm) {
		return nil, s.reject("confirm delivery of", StatusCompleted, t.Status)
	}
	if t.BuyerPhone == nil {
		return nil, ErrNoBuyerPhone
	}
	if err := s.codes.Verify(ctx, *t.BuyerPhone, code, otp.PurposeDeliveryConfirmation); err != nil {
		return nil, err
	}

	var completed *Transaction
	err = s.runner.InTx(ctx, func(q database.Querier) error {
		now := s.now().UTC()
		updated, err := s.repo.Transition(ctx, q, id, fromConfirm, StatusCompleted, Patch{CompletedAt: &now})
		if err != nil {
			return err
		}
		if updated == nil {
			current, err := s.repo.Get(ctx, q, id)
			if err != nil {
				return err
			}
			return s.reject("confirm delivery of", StatusCompleted, current.Status)
		}
		completed = updated
		return s.release(ctx, q, updated)
	})
	if err != nil {
		return nil, err
	}

	s.transitioned(t.Status, completed)
	s.fundsReleased(ctx, completed)
	return completed, nil
}

// release pays the held amount out to the seller's available balance and
// records the payout. Runs inside the caller's unit of work.
func (s *Service) release(ctx context.Context, q database.Querier, t *Transaction) error {
	fee, payout := s.split(t)
	ref := ledgerReference(t.ID)

	if err := s.ledger.Release(ctx, q, t.SellerID, t.Amount, payout, ref); err != nil {
		return err
	}
	if err := s.repo.CreatePayout(ctx, q, &Payout{
		ID:            uuid.New(),
		TransactionID: t.ID,
		SellerID:      t.SellerID,
		Amount:        payout,
		PlatformFee:   fee,
		Status:        PayoutStatusCompleted,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		return err
	}
	if t.BuyerID != nil {
		return s.ledger.RecordSpend(ctx, q, *t.BuyerID, t.Amount, ref)
	}
	return nil
}

// split returns the fee fixed at payment time
func (s *Service) split(t *Transaction) (int64, int64) {
	if t.PlatformFee != nil && t.SellerPayout != nil {
		return *t.PlatformFee, *t.SellerPayout
	}
	log.Warn().Str("transaction_id", t.ID).Msg("fee split missing at release, recomputing")
	return s.fees.Split(t.Amount)
}

func (s *Service) fundsReleased(ctx context.Context, t *Transaction) {
	_, payout := s.split(t)
	log.Info().Str("transaction_id", t.ID).Int64("payout", payout).Msg("escrow released")
	s.notifier.Notify(ctx, t.SellerID, "funds_released", "Funds released",
		"Payment for \""+t.ItemName+"\" has been released to your wallet.",
		map[string]interface{}{"transaction_id": t.ID, "amount": payout})
}

// Cancel withdraws an unpaid transaction
func (s *Service) Cancel(ctx context.Context, id string, sellerID uuid.UUID) (*Transaction, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsSeller(sellerID) {
		return nil, ErrForbidden
	}
	now := s.now().UTC()
	return s.apply(ctx, t.ID, "cancel", fromCancel, StatusCancelled, Patch{CancelledAt: &now})
}

// MarkDisputed freezes the transaction for arbitration. It runs inside the
// dispute's unit of work so the dispute and the status change commit together.
func (s *Service) MarkDisputed(ctx context.Context, q database.Querier, id string, buyerID uuid.UUID) (*Transaction, error) {
	t, err := s.repo.Get(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if !t.IsBuyer(buyerID) {
		return nil, ErrForbidden
	}
	updated, err := s.repo.Transition(ctx, q, id, fromDispute, StatusDisputed, Patch{})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, s.reject("dispute", StatusDisputed, t.Status)
	}
	s.transitioned(t.Status, updated)
	return updated, nil
}

// ResolveDisputed settles a DISPUTED transaction inside the caller's unit of
// work: in the seller's favor it completes and releases funds, in the buyer's
// favor it is cancelled and the hold reversed with no payout.
func (s *Service) ResolveDisputed(ctx context.Context, q database.Querier, id string, favorSeller bool) (*Transaction, error) {
	now := s.now().UTC()
	if favorSeller {
		updated, err := s.repo.Transition(ctx, q, id, fromResolve, StatusCompleted, Patch{CompletedAt: &now})
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return nil, s.rejectCurrentQ(ctx, q, id, "resolve", StatusCompleted)
		}
		if err := s.release(ctx, q, updated); err != nil {
			return nil, err
		}
		s.transitioned(StatusDisputed, updated)
		return updated, nil
	}

	updated, err := s.repo.Transition(ctx, q, id, fromResolve, StatusCancelled, Patch{CancelledAt: &now})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, s.rejectCurrentQ(ctx, q, id, "resolve", StatusCancelled)
	}
	if err := s.ledger.Reverse(ctx, q, updated.SellerID, updated.Amount, ledgerReference(id)); err != nil {
		return nil, err
	}
	s.transitioned(StatusDisputed, updated)
	return updated, nil
}

// ListForUser lists the user's transactions as seller or buyer
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, role Role, status Status, limit, offset int) ([]*Transaction, int, error) {
	if role != RoleSeller && role != RoleBuyer {
		return nil, 0, apperr.New(apperr.KindValidation, "role must be seller or buyer")
	}
	if status != "" && !status.Valid() {
		return nil, 0, apperr.New(apperr.KindValidation, "unknown status filter")
	}
	list, total, err := s.repo.ListForUser(ctx, s.runner.Querier(), userID, role, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for i, t := range list {
		if list[i], err = s.expireIfDue(ctx, t); err != nil {
			return nil, 0, err
		}
	}
	return list, total, nil
}

// ListPayouts lists the seller's released payouts
func (s *Service) ListPayouts(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]*Payout, error) {
	return s.repo.ListPayouts(ctx, s.runner.Querier(), sellerID, limit, offset)
}

// apply runs a single conditional transition with no ledger effect
func (s *Service) apply(ctx context.Context, id, action string, from []Status, to Status, patch Patch) (*Transaction, error) {
	before, err := s.repo.Get(ctx, s.runner.Querier(), id)
	if err != nil {
		return nil, err
	}
	updated, err := s.repo.Transition(ctx, s.runner.Querier(), id, from, to, patch)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, s.rejectCurrent(ctx, id, action, to)
	}
	s.transitioned(before.Status, updated)
	return updated, nil
}

func (s *Service) transitioned(from Status, t *Transaction) {
	metrics.TransitionsTotal.WithLabelValues(string(from), string(t.Status)).Inc()
	log.Debug().Str("transaction_id", t.ID).Str("from", string(from)).Str("to", string(t.Status)).Msg("transaction transitioned")
}

func (s *Service) reject(action string, to, current Status) error {
	metrics.TransitionsRejected.WithLabelValues(string(to)).Inc()
	return invalidTransition(action, current)
}

func (s *Service) rejectCurrent(ctx context.Context, id, action string, to Status) error {
	return s.rejectCurrentQ(ctx, s.runner.Querier(), id, action, to)
}

func (s *Service) rejectCurrentQ(ctx context.Context, q database.Querier, id, action string, to Status) error {
	current, err := s.repo.Get(ctx, q, id)
	if err != nil {
		return err
	}
	return s.reject(action, to, current.Status)
}

func statusIn(st Status, set []Status) bool {
	for _, v := range set {
		if st == v {
			return true
		}
	}
	return false
}

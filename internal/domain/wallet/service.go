package wallet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/database"
	"github.com/swiftline/escrow-api/internal/pkg/logger"
	"github.com/swiftline/escrow-api/internal/pkg/phone"
)

// PayoutGateway sends money to a mobile money account.
// It returns the gateway's own correlation id.
type PayoutGateway interface {
	RequestCredit(ctx context.Context, phone string, amount int64, correlationID string) (string, error)
}

// Notifier is the fire-and-forget notification sink
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, eventType, title, message string, metadata map[string]interface{})
}

type Service struct {
	runner      database.Runner
	balances    BalanceRepository
	withdrawals WithdrawalRepository
	methods     PaymentMethodRepository
	ledger      *Ledger
	gateway     PayoutGateway
	notifier    Notifier
	now         func() time.Time
}

func NewService(runner database.Runner, balances BalanceRepository, withdrawals WithdrawalRepository, methods PaymentMethodRepository, ledger *Ledger, gateway PayoutGateway, notifier Notifier) *Service {
	return &Service{
		runner:      runner,
		balances:    balances,
		withdrawals: withdrawals,
		methods:     methods,
		ledger:      ledger,
		gateway:     gateway,
		notifier:    notifier,
		now:         time.Now,
	}
}

// GetWallet returns the user's wallet, creating it on first access
func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	q := s.runner.Querier()
	if err := s.ledger.EnsureExists(ctx, q, userID); err != nil {
		return nil, err
	}
	return s.balances.Get(ctx, q, userID)
}

func (s *Service) ListPostings(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Posting, error) {
	return s.withdrawals.ListPostings(ctx, s.runner.Querier(), userID, limit, offset)
}

func (s *Service) ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Withdrawal, error) {
	return s.withdrawals.ListWithdrawals(ctx, s.runner.Querier(), userID, limit, offset)
}

// Withdraw pays out to a phone number given with the request
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, amount int64, rawPhone string) (*Withdrawal, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	msisdn, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	return s.withdraw(ctx, userID, amount, msisdn, nil)
}

// WithdrawToMethod pays out to one of the user's saved payment methods.
// uuid.Nil selects the default method.
func (s *Service) WithdrawToMethod(ctx context.Context, userID uuid.UUID, amount int64, methodID uuid.UUID) (*Withdrawal, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var (
		m   *PaymentMethod
		err error
	)
	if methodID == uuid.Nil {
		m, err = s.methods.GetDefaultPaymentMethod(ctx, s.runner.Querier(), userID)
		if errors.Is(err, ErrPaymentMethodNotFound) {
			return nil, ErrNoPaymentMethod
		}
	} else {
		m, err = s.methods.GetPaymentMethod(ctx, s.runner.Querier(), userID, methodID)
	}
	if err != nil {
		return nil, err
	}
	return s.withdraw(ctx, userID, amount, m.AccountNumber, &m.ID)
}

// withdraw debits the available balance and asks the gateway to pay it out.
// A timeout leaves the withdrawal PENDING for the result callback; a definite
// rejection refunds the balance and marks it FAILED.
func (s *Service) withdraw(ctx context.Context, userID uuid.UUID, amount int64, msisdn string, methodID *uuid.UUID) (*Withdrawal, error) {
	now := s.now().UTC()
	w := &Withdrawal{
		ID:              uuid.New(),
		UserID:          userID,
		Amount:          amount,
		Phone:           msisdn,
		PaymentMethodID: methodID,
		Status:          WithdrawalPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.runner.InTx(ctx, func(q database.Querier) error {
		if err := s.ledger.Debit(ctx, q, userID, amount, withdrawalReference(w.ID)); err != nil {
			return err
		}
		return s.withdrawals.CreateWithdrawal(ctx, q, w)
	})
	if err != nil {
		return nil, err
	}

	ref, err := s.gateway.RequestCredit(ctx, msisdn, amount, w.ID.String())
	if err == nil {
		if err := s.withdrawals.SetWithdrawalReference(ctx, s.runner.Querier(), w.ID, ref); err != nil {
			logger.LogError(ctx, err, "failed to store gateway reference", "withdrawal_id", w.ID.String())
		}
		w.GatewayReference = &ref
		logger.LogInfo(ctx, "withdrawal requested", "user_id", userID.String(), "amount", amount, "withdrawal_id", w.ID.String())
		return w, nil
	}

	if errors.Is(err, apperr.Of(apperr.KindGatewayTimeout)) {
		logger.LogWarn(ctx, "payout request timed out, awaiting result callback", "withdrawal_id", w.ID.String(), "error", err.Error())
		return w, nil
	}

	if failErr := s.fail(ctx, w, err.Error()); failErr != nil {
		logger.LogError(ctx, failErr, "failed to refund rejected withdrawal", "withdrawal_id", w.ID.String())
		return nil, failErr
	}
	w.Status = WithdrawalFailed
	return nil, apperr.Wrap(apperr.KindGatewayRejected, "payout was rejected by the payment provider", err)
}

// AddPaymentMethod saves a payout account. A user's first method becomes the
// default; asking for a new default demotes the previous one.
func (s *Service) AddPaymentMethod(ctx context.Context, userID uuid.UUID, in PaymentMethodInput) (*PaymentMethod, error) {
	if in.Provider != ProviderMPesa && in.Provider != ProviderAirtel {
		return nil, ErrInvalidProvider
	}
	msisdn, err := phone.Normalize(in.AccountNumber)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	name := strings.TrimSpace(in.AccountName)
	if name == "" {
		return nil, ErrInvalidAccountName
	}

	m := &PaymentMethod{
		ID:            uuid.New(),
		UserID:        userID,
		Provider:      in.Provider,
		AccountNumber: msisdn,
		AccountName:   name,
		IsDefault:     in.IsDefault,
		IsActive:      true,
		CreatedAt:     s.now().UTC(),
	}
	err = s.runner.InTx(ctx, func(q database.Querier) error {
		_, err := s.methods.GetDefaultPaymentMethod(ctx, q, userID)
		switch {
		case errors.Is(err, ErrPaymentMethodNotFound):
			m.IsDefault = true
		case err != nil:
			return err
		case m.IsDefault:
			if err := s.methods.ClearDefaultPaymentMethod(ctx, q, userID); err != nil {
				return err
			}
		}
		return s.methods.CreatePaymentMethod(ctx, q, m)
	})
	if err != nil {
		return nil, err
	}
	logger.LogInfo(ctx, "payment method added", "user_id", userID.String(), "payment_method_id", m.ID.String(),
		"provider", string(m.Provider), "is_default", m.IsDefault)
	return m, nil
}

// ListPaymentMethods returns the active methods, default first
func (s *Service) ListPaymentMethods(ctx context.Context, userID uuid.UUID) ([]*PaymentMethod, error) {
	return s.methods.ListPaymentMethods(ctx, s.runner.Querier(), userID)
}

// DeletePaymentMethod retires a method. Removing the default promotes the
// most recently added remaining method.
func (s *Service) DeletePaymentMethod(ctx context.Context, userID, id uuid.UUID) error {
	var promoted *PaymentMethod
	err := s.runner.InTx(ctx, func(q database.Querier) error {
		m, err := s.methods.GetPaymentMethod(ctx, q, userID, id)
		if err != nil {
			return err
		}
		ok, err := s.methods.DeactivatePaymentMethod(ctx, q, userID, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPaymentMethodNotFound
		}
		if !m.IsDefault {
			return nil
		}
		promoted, err = s.methods.PromoteNewestPaymentMethod(ctx, q, userID)
		if errors.Is(err, ErrPaymentMethodNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if promoted != nil {
		logger.LogInfo(ctx, "default payment method replaced", "user_id", userID.String(),
			"removed", id.String(), "payment_method_id", promoted.ID.String())
	} else {
		logger.LogInfo(ctx, "payment method removed", "user_id", userID.String(), "payment_method_id", id.String())
	}
	return nil
}

// HandleCreditResult applies a payout callback; replays are no-ops
func (s *Service) HandleCreditResult(ctx context.Context, res CreditResult) error {
	id, err := uuid.Parse(res.CorrelationID)
	if err != nil {
		return apperr.New(apperr.KindValidation, "unknown payout correlation id")
	}
	w, err := s.withdrawals.GetWithdrawal(ctx, s.runner.Querier(), id)
	if err != nil {
		return err
	}

	if !res.Success {
		return s.fail(ctx, w, res.Reason)
	}

	applied, err := s.withdrawals.FinishWithdrawal(ctx, s.runner.Querier(), w.ID, WithdrawalCompleted, res.ReceiptID, "")
	if err != nil {
		return err
	}
	if applied {
		log.Info().Str("withdrawal_id", w.ID.String()).Str("receipt", res.ReceiptID).Msg("withdrawal completed")
		s.notifier.Notify(ctx, w.UserID, "withdrawal_completed", "Withdrawal sent",
			"Your withdrawal has been sent to your mobile money account.",
			map[string]interface{}{"withdrawal_id": w.ID, "amount": w.Amount, "receipt": res.ReceiptID})
	}
	return nil
}

func (s *Service) fail(ctx context.Context, w *Withdrawal, reason string) error {
	var applied bool
	err := s.runner.InTx(ctx, func(q database.Querier) error {
		ok, err := s.withdrawals.FinishWithdrawal(ctx, q, w.ID, WithdrawalFailed, "", truncate(reason, 250))
		if err != nil || !ok {
			return err
		}
		applied = true
		return s.ledger.Refund(ctx, q, w.UserID, w.Amount, withdrawalReference(w.ID))
	})
	if err != nil {
		return err
	}
	if applied {
		log.Warn().Str("withdrawal_id", w.ID.String()).Str("reason", reason).Msg("withdrawal failed, balance refunded")
		s.notifier.Notify(ctx, w.UserID, "withdrawal_failed", "Withdrawal failed",
			"Your withdrawal could not be completed and the amount was returned to your wallet.",
			map[string]interface{}{"withdrawal_id": w.ID, "amount": w.Amount})
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/swiftline/escrow-api/internal/pkg/apperr"
)

func newTestService(gw *fakeGateway) (*Service, *memRepo, *fakeNotifier) {
	repo := newMemRepo()
	notifier := &fakeNotifier{}
	svc := NewService(&memRunner{repo: repo}, repo, repo, repo, NewLedger(repo), gw, notifier)
	return svc, repo, notifier
}

func fund(t *testing.T, repo *memRepo, userID uuid.UUID, amount int64) {
	t.Helper()
	ctx := context.Background()
	repo.Ensure(ctx, nil, userID)
	if err := repo.CreditAvailable(ctx, nil, userID, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func TestGetWalletCreatesLazily(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})
	w, err := svc.GetWallet(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.AvailableBalance != 0 || w.PendingBalance != 0 {
		t.Fatalf("expected zero wallet, got %+v", w)
	}
}

func TestWithdrawSuccess(t *testing.T) {
	gw := &fakeGateway{ref: "AG_20261018_1"}
	svc, repo, _ := newTestService(gw)
	user := uuid.New()
	fund(t, repo, user, 10000)

	w, err := svc.Withdraw(context.Background(), user, 4000, "0712345678")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if w.Status != WithdrawalPending || w.Phone != "254712345678" {
		t.Fatalf("unexpected withdrawal %+v", w)
	}
	wallet, _ := repo.Get(context.Background(), nil, user)
	if wallet.AvailableBalance != 6000 {
		t.Fatalf("expected 6000 available, got %d", wallet.AvailableBalance)
	}

	if err := svc.HandleCreditResult(context.Background(), CreditResult{CorrelationID: w.ID.String(), Success: true, ReceiptID: "QK12"}); err != nil {
		t.Fatalf("credit result: %v", err)
	}
	stored, _ := repo.GetWithdrawal(context.Background(), nil, w.ID)
	if stored.Status != WithdrawalCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.Status)
	}
}

func TestWithdrawInsufficientFundsLeavesNoWithdrawal(t *testing.T) {
	gw := &fakeGateway{ref: "x"}
	svc, repo, _ := newTestService(gw)
	user := uuid.New()
	fund(t, repo, user, 100)

	_, err := svc.Withdraw(context.Background(), user, 101, "0712345678")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway must not be called")
	}
	if len(repo.withdrawals) != 0 {
		t.Fatalf("failed unit of work must not leave a withdrawal")
	}
}

func TestWithdrawRejectedRefunds(t *testing.T) {
	svc, repo, notifier := newTestService(&fakeGateway{err: errGatewayRejected})
	user := uuid.New()
	fund(t, repo, user, 500)

	_, err := svc.Withdraw(context.Background(), user, 500, "0712345678")
	if apperr.KindOf(err) != apperr.KindGatewayRejected {
		t.Fatalf("expected gateway rejected, got %v", err)
	}
	wallet, _ := repo.Get(context.Background(), nil, user)
	if wallet.AvailableBalance != 500 {
		t.Fatalf("expected refund to 500, got %d", wallet.AvailableBalance)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].eventType != "withdrawal_failed" {
		t.Fatalf("expected failure notification, got %+v", notifier.sent)
	}
}

func TestWithdrawTimeoutStaysPendingAndLateFailureRefundsOnce(t *testing.T) {
	svc, repo, _ := newTestService(&fakeGateway{err: errGatewayTimeout})
	user := uuid.New()
	fund(t, repo, user, 500)

	w, err := svc.Withdraw(context.Background(), user, 300, "0712345678")
	if err != nil {
		t.Fatalf("timeout must not fail the request: %v", err)
	}
	if w.Status != WithdrawalPending {
		t.Fatalf("expected PENDING, got %s", w.Status)
	}

	res := CreditResult{CorrelationID: w.ID.String(), Success: false, Reason: "recipient not registered"}
	for i := 0; i < 2; i++ {
		if err := svc.HandleCreditResult(context.Background(), res); err != nil {
			t.Fatalf("credit result %d: %v", i, err)
		}
	}
	wallet, _ := repo.Get(context.Background(), nil, user)
	if wallet.AvailableBalance != 500 {
		t.Fatalf("expected single refund back to 500, got %d", wallet.AvailableBalance)
	}
}

func TestWithdrawValidation(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})
	if _, err := svc.Withdraw(context.Background(), uuid.New(), 0, "0712345678"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Withdraw(context.Background(), uuid.New(), 10, "555"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func stepClock(svc *Service) {
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
}

func TestPaymentMethodDefaults(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})
	stepClock(svc)
	ctx := context.Background()
	user := uuid.New()

	add := func(number string, isDefault bool) *PaymentMethod {
		t.Helper()
		m, err := svc.AddPaymentMethod(ctx, user, PaymentMethodInput{
			Provider: ProviderMPesa, AccountNumber: number, AccountName: "Wanjiku Kamau", IsDefault: isDefault,
		})
		if err != nil {
			t.Fatalf("add payment method: %v", err)
		}
		return m
	}

	first := add("0722000111", false)
	if !first.IsDefault || first.AccountNumber != "254722000111" {
		t.Fatalf("first method should become the default, got %+v", first)
	}
	second := add("0722000222", false)
	if second.IsDefault {
		t.Fatalf("second method must not take over the default")
	}
	third := add("0722000333", true)

	list, err := svc.ListPaymentMethods(ctx, user)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != third.ID || list[1].IsDefault || list[2].IsDefault {
		t.Fatalf("expected the new default listed first and alone, got %+v", list)
	}

	if err := svc.DeletePaymentMethod(ctx, user, third.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, _ = svc.ListPaymentMethods(ctx, user)
	if len(list) != 2 || list[0].ID != second.ID || !list[0].IsDefault {
		t.Fatalf("expected newest remaining method promoted, got %+v", list)
	}

	if err := svc.DeletePaymentMethod(ctx, uuid.New(), first.ID); !errors.Is(err, ErrPaymentMethodNotFound) {
		t.Fatalf("expected not found for another user's method, got %v", err)
	}
	if err := svc.DeletePaymentMethod(ctx, user, third.ID); !errors.Is(err, ErrPaymentMethodNotFound) {
		t.Fatalf("expected not found for a deleted method, got %v", err)
	}
}

func TestAddPaymentMethodValidation(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})
	ctx := context.Background()
	tests := []struct {
		name string
		in   PaymentMethodInput
		want error
	}{
		{"provider", PaymentMethodInput{Provider: "PAYPAL", AccountNumber: "0712345678", AccountName: "Otieno"}, ErrInvalidProvider},
		{"number", PaymentMethodInput{Provider: ProviderAirtel, AccountNumber: "12345", AccountName: "Otieno"}, ErrInvalidPhone},
		{"name", PaymentMethodInput{Provider: ProviderAirtel, AccountNumber: "0733123456", AccountName: "  "}, ErrInvalidAccountName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.AddPaymentMethod(ctx, uuid.New(), tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestWithdrawToSavedMethod(t *testing.T) {
	gw := &fakeGateway{ref: "AG_20261018_2"}
	svc, repo, _ := newTestService(gw)
	stepClock(svc)
	ctx := context.Background()
	user := uuid.New()
	fund(t, repo, user, 10000)

	if _, err := svc.WithdrawToMethod(ctx, user, 1000, uuid.Nil); !errors.Is(err, ErrNoPaymentMethod) {
		t.Fatalf("expected ErrNoPaymentMethod without saved methods, got %v", err)
	}

	m, err := svc.AddPaymentMethod(ctx, user, PaymentMethodInput{Provider: ProviderMPesa, AccountNumber: "0722000111", AccountName: "Wanjiku Kamau"})
	if err != nil {
		t.Fatalf("add payment method: %v", err)
	}
	w, err := svc.WithdrawToMethod(ctx, user, 4000, uuid.Nil)
	if err != nil {
		t.Fatalf("withdraw to default: %v", err)
	}
	if w.PaymentMethodID == nil || *w.PaymentMethodID != m.ID || w.Phone != "254722000111" || gw.lastPhone != "254722000111" {
		t.Fatalf("withdrawal not routed to the saved method: %+v", w)
	}

	if err := svc.DeletePaymentMethod(ctx, user, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.WithdrawToMethod(ctx, user, 1000, m.ID); !errors.Is(err, ErrPaymentMethodNotFound) {
		t.Fatalf("expected deleted method to be unusable, got %v", err)
	}
	if _, err := svc.WithdrawToMethod(ctx, uuid.New(), 1000, m.ID); !errors.Is(err, ErrPaymentMethodNotFound) {
		t.Fatalf("expected another user's method to be unusable, got %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("expected one payout request, got %d", gw.calls)
	}
	wallet, _ := repo.Get(ctx, nil, user)
	if wallet.AvailableBalance != 6000 {
		t.Fatalf("expected 6000 available, got %d", wallet.AvailableBalance)
	}
}

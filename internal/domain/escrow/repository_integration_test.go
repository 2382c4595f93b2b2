package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swiftline/escrow-api/internal/domain/wallet"
	"github.com/swiftline/escrow-api/internal/pkg/database"
	"github.com/swiftline/escrow-api/internal/pkg/testdb"
)

func TestPostgresTransitionIsConditional(t *testing.T) {
	db := testdb.Open(t)
	repo := NewRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	txn := &Transaction{
		ID:        newTransactionID(now),
		SellerID:  uuid.New(),
		ItemName:  "Camera",
		Amount:    12000,
		Currency:  "KES",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(-time.Minute),
	}
	if err := repo.Create(ctx, db, txn); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer cleanupTransactions(db, txn.SellerID)

	buyer := uuid.New()
	checkout := "ws_CO_" + txn.ID
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []Status
	)
	for _, to := range []Status{StatusExpired, StatusProcessing, StatusExpired, StatusProcessing} {
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			patch := Patch{}
			if to == StatusProcessing {
				patch = Patch{BuyerID: &buyer, CheckoutRequestID: &checkout}
			}
			updated, err := repo.Transition(ctx, db, txn.ID, []Status{StatusPending}, to, patch)
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if updated != nil {
				mu.Lock()
				wins = append(wins, updated.Status)
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("expected exactly one transition to apply, got %v", wins)
	}
	got, err := repo.Get(ctx, db, txn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != wins[0] {
		t.Fatalf("stored status %s does not match winner %s", got.Status, wins[0])
	}
}

func TestPostgresPaymentAndReleaseFlow(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	fees, _ := NewFeePolicy("5")
	balances := wallet.NewRepository()
	codes := &fakeCodes{}
	svc := NewService(database.NewTxRunner(db), NewRepository(), wallet.NewLedger(balances), &fakeGateway{}, codes, &fakeNotifier{}, fees, Config{
		TransactionTTL: time.Hour,
	})
	seller, buyer := uuid.New(), uuid.New()
	defer cleanupTransactions(db, seller)
	defer cleanupWallet(db, buyer)

	txn, err := svc.Create(ctx, seller, CreateInput{ItemName: "Bicycle", Amount: 85000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	txn, err = svc.InitiatePayment(ctx, txn.ID, buyer, InitiateInput{Phone: "0712345678", Method: PaymentMPesa})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	res := DebitResult{CheckoutRequestID: *txn.CheckoutRequestID, Success: true, ReceiptID: "RCPT" + txn.ID[len(txn.ID)-8:], Amount: 85000}
	for i := 0; i < 2; i++ {
		if err := svc.HandleDebitResult(ctx, res); err != nil {
			t.Fatalf("debit result %d: %v", i, err)
		}
	}
	if _, err := svc.Ship(ctx, txn.ID, seller, ShipInput{Carrier: "Sendy"}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := svc.ConfirmDelivery(ctx, txn.ID, buyer, "123456"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	w, err := balances.Get(ctx, db, seller)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.PendingBalance != 0 || w.AvailableBalance != 80750 || w.TotalEarned != 80750 {
		t.Fatalf("unexpected seller wallet %+v", w)
	}
	payouts, err := svc.ListPayouts(ctx, seller, 10, 0)
	if err != nil || len(payouts) != 1 || payouts[0].Amount != 80750 {
		t.Fatalf("expected one payout of 80750, got %+v (%v)", payouts, err)
	}
	list, total, err := svc.ListForUser(ctx, buyer, RoleBuyer, StatusCompleted, 10, 0)
	if err != nil || total != 1 || list[0].ID != txn.ID {
		t.Fatalf("expected the completed transaction in the buyer list, got %d (%v)", total, err)
	}
}

func cleanupTransactions(db *sqlx.DB, sellerID uuid.UUID) {
	db.Exec(`DELETE FROM payouts WHERE seller_id = $1`, sellerID)
	db.Exec(`DELETE FROM transactions WHERE seller_id = $1`, sellerID)
	cleanupWallet(db, sellerID)
}

func cleanupWallet(db *sqlx.DB, userID uuid.UUID) {
	db.Exec(`DELETE FROM wallet_postings WHERE user_id = $1`, userID)
	db.Exec(`DELETE FROM wallets WHERE user_id = $1`, userID)
}

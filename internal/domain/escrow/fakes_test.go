package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swiftline/escrow-api/internal/domain/otp"
	"github.com/swiftline/escrow-api/internal/domain/wallet"
	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/database"
)

// memStore mimics the conditional UPDATE semantics of the PostgreSQL repository
type memStore struct {
	mu      sync.Mutex
	txns    map[string]Transaction
	payouts []Payout
}

func newMemStore() *memStore {
	return &memStore{txns: map[string]Transaction{}}
}

func (m *memStore) snapshot() (map[string]Transaction, []Payout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txns := make(map[string]Transaction, len(m.txns))
	for k, v := range m.txns {
		txns[k] = v
	}
	return txns, append([]Payout(nil), m.payouts...)
}

func (m *memStore) restore(txns map[string]Transaction, payouts []Payout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns, m.payouts = txns, payouts
}

func (m *memStore) Create(_ context.Context, _ database.Querier, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[t.ID] = *t
	return nil
}

func (m *memStore) Get(_ context.Context, _ database.Querier, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *memStore) GetByCheckoutID(_ context.Context, _ database.Querier, checkoutID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.CheckoutRequestID != nil && *t.CheckoutRequestID == checkoutID {
			t := t
			return &t, nil
		}
	}
	return nil, ErrUnknownCheckout
}

func (m *memStore) Transition(_ context.Context, _ database.Querier, id string, from []Status, to Status, p Patch) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok || !statusIn(t.Status, from) {
		return nil, nil
	}
	t.Status = to
	applyPatch(&t, p)
	m.txns[id] = t
	return &t, nil
}

func applyPatch(t *Transaction, p Patch) {
	if p.BuyerID != nil {
		t.BuyerID = p.BuyerID
	}
	if p.BuyerPhone != nil {
		t.BuyerPhone = p.BuyerPhone
	}
	if p.PaymentMethod != nil {
		t.PaymentMethod = p.PaymentMethod
	}
	if p.CheckoutRequestID != nil {
		t.CheckoutRequestID = p.CheckoutRequestID
	}
	if p.PaymentReference != nil {
		t.PaymentReference = p.PaymentReference
	}
	if p.PlatformFee != nil {
		t.PlatformFee = p.PlatformFee
	}
	if p.SellerPayout != nil {
		t.SellerPayout = p.SellerPayout
	}
	if p.TrackingNumber != nil {
		t.TrackingNumber = p.TrackingNumber
	}
	if p.Carrier != nil {
		t.Carrier = p.Carrier
	}
	if p.PaidAt != nil {
		t.PaidAt = p.PaidAt
	}
	if p.ShippedAt != nil {
		t.ShippedAt = p.ShippedAt
	}
	if p.DeliveredAt != nil {
		t.DeliveredAt = p.DeliveredAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
	if p.CancelledAt != nil {
		t.CancelledAt = p.CancelledAt
	}
}

func (m *memStore) ExpireDue(_ context.Context, _ database.Querier, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for id, t := range m.txns {
		if len(out) == limit {
			break
		}
		if t.expiredAt(now) {
			t.Status = StatusExpired
			m.txns[id] = t
			t := t
			out = append(out, &t)
		}
	}
	return out, nil
}

func (m *memStore) ListForUser(_ context.Context, _ database.Querier, userID uuid.UUID, role Role, status Status, limit, offset int) ([]*Transaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.txns {
		mine := t.IsSeller(userID)
		if role == RoleBuyer {
			mine = t.IsBuyer(userID)
		}
		if !mine || (status != "" && t.Status != status) {
			continue
		}
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memStore) CreatePayout(_ context.Context, _ database.Querier, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payouts {
		if existing.TransactionID == p.TransactionID {
			return apperr.New(apperr.KindInternal, "duplicate payout")
		}
	}
	m.payouts = append(m.payouts, *p)
	return nil
}

func (m *memStore) ListPayouts(_ context.Context, _ database.Querier, sellerID uuid.UUID, _, _ int) ([]*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payout
	for _, p := range m.payouts {
		if p.SellerID == sellerID {
			p := p
			out = append(out, &p)
		}
	}
	return out, nil
}

// memBalances is a minimal wallet.BalanceRepository
type memBalances struct {
	mu       sync.Mutex
	wallets  map[uuid.UUID]wallet.Wallet
	postings []wallet.Posting
}

func newMemBalances() *memBalances {
	return &memBalances{wallets: map[uuid.UUID]wallet.Wallet{}}
}

func (m *memBalances) snapshot() (map[uuid.UUID]wallet.Wallet, []wallet.Posting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := make(map[uuid.UUID]wallet.Wallet, len(m.wallets))
	for k, v := range m.wallets {
		w[k] = v
	}
	return w, append([]wallet.Posting(nil), m.postings...)
}

func (m *memBalances) restore(w map[uuid.UUID]wallet.Wallet, p []wallet.Posting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets, m.postings = w, p
}

func (m *memBalances) wallet(id uuid.UUID) wallet.Wallet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[id]
}

func (m *memBalances) postingCount(kind wallet.PostingKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.postings {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

func (m *memBalances) update(id uuid.UUID, fn func(w *wallet.Wallet) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok || !fn(&w) {
		return false
	}
	m.wallets[id] = w
	return true
}

func (m *memBalances) Ensure(_ context.Context, _ database.Querier, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[id]; !ok {
		m.wallets[id] = wallet.Wallet{UserID: id, Currency: "KES"}
	}
	return nil
}

func (m *memBalances) Get(_ context.Context, _ database.Querier, id uuid.UUID) (*wallet.Wallet, error) {
	w := m.wallet(id)
	return &w, nil
}

func (m *memBalances) AddPending(_ context.Context, _ database.Querier, id uuid.UUID, amount int64) error {
	m.update(id, func(w *wallet.Wallet) bool { w.PendingBalance += amount; return true })
	return nil
}

func (m *memBalances) ReleasePending(_ context.Context, _ database.Querier, id uuid.UUID, amount, payout int64) (bool, error) {
	return m.update(id, func(w *wallet.Wallet) bool {
		if w.PendingBalance < amount {
			return false
		}
		w.PendingBalance -= amount
		w.AvailableBalance += payout
		w.TotalEarned += payout
		return true
	}), nil
}

func (m *memBalances) ReversePending(_ context.Context, _ database.Querier, id uuid.UUID, amount int64) (bool, error) {
	return m.update(id, func(w *wallet.Wallet) bool {
		if w.PendingBalance < amount {
			return false
		}
		w.PendingBalance -= amount
		return true
	}), nil
}

func (m *memBalances) DebitAvailable(_ context.Context, _ database.Querier, id uuid.UUID, amount int64) (bool, error) {
	return m.update(id, func(w *wallet.Wallet) bool {
		if w.AvailableBalance < amount {
			return false
		}
		w.AvailableBalance -= amount
		return true
	}), nil
}

func (m *memBalances) CreditAvailable(_ context.Context, _ database.Querier, id uuid.UUID, amount int64) error {
	m.update(id, func(w *wallet.Wallet) bool { w.AvailableBalance += amount; return true })
	return nil
}

func (m *memBalances) AddSpent(_ context.Context, _ database.Querier, id uuid.UUID, amount int64) error {
	m.update(id, func(w *wallet.Wallet) bool { w.TotalSpent += amount; return true })
	return nil
}

func (m *memBalances) InsertPosting(_ context.Context, _ database.Querier, p *wallet.Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.postings {
		if existing.UserID == p.UserID && existing.Kind == p.Kind && existing.Reference == p.Reference {
			return wallet.ErrDuplicatePosting
		}
	}
	m.postings = append(m.postings, *p)
	return nil
}

// memRunner serializes units of work and rolls both stores back on error
type memRunner struct {
	mu       sync.Mutex
	store    *memStore
	balances *memBalances
}

func (r *memRunner) Querier() database.Querier { return nil }

func (r *memRunner) InTx(_ context.Context, fn func(q database.Querier) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txns, payouts := r.store.snapshot()
	wallets, postings := r.balances.snapshot()
	if err := fn(nil); err != nil {
		r.store.restore(txns, payouts)
		r.balances.restore(wallets, postings)
		return err
	}
	return nil
}

type fakeGateway struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *fakeGateway) RequestDebit(_ context.Context, _ string, _ int64, correlationID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return "ws_CO_" + correlationID, nil
}

// fakeCodes accepts only "123456"
type fakeCodes struct {
	mu       sync.Mutex
	sent     []string
	verified int
}

func (c *fakeCodes) Send(_ context.Context, phone string, purpose otp.Purpose) (*otp.Issued, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, phone)
	return &otp.Issued{Code: "123456", Phone: phone, Purpose: purpose}, nil
}

func (c *fakeCodes) Verify(_ context.Context, _, code string, _ otp.Purpose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verified++
	if code != "123456" {
		return otp.ErrInvalidCode.WithAttempts(2)
	}
	return nil
}

type recordedNotification struct {
	userID    uuid.UUID
	eventType string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (n *fakeNotifier) Notify(_ context.Context, userID uuid.UUID, eventType, _, _ string, _ map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recordedNotification{userID: userID, eventType: eventType})
}

func (n *fakeNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.eventType == eventType {
			c++
		}
	}
	return c
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

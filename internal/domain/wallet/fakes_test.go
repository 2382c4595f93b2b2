package wallet

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/database"
)

// memRepo mimics the guarded UPDATE semantics of the PostgreSQL repository
type memRepo struct {
	mu          sync.Mutex
	wallets     map[uuid.UUID]Wallet
	postings    []Posting
	withdrawals map[uuid.UUID]Withdrawal
	methods     map[uuid.UUID]PaymentMethod
}

func newMemRepo() *memRepo {
	return &memRepo{
		wallets:     map[uuid.UUID]Wallet{},
		withdrawals: map[uuid.UUID]Withdrawal{},
		methods:     map[uuid.UUID]PaymentMethod{},
	}
}

func (m *memRepo) snapshot() *memRepo {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := newMemRepo()
	for k, v := range m.wallets {
		c.wallets[k] = v
	}
	c.postings = append([]Posting(nil), m.postings...)
	for k, v := range m.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range m.methods {
		c.methods[k] = v
	}
	return c
}

func (m *memRepo) restore(c *memRepo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets, m.postings, m.withdrawals, m.methods = c.wallets, c.postings, c.withdrawals, c.methods
}

func (m *memRepo) Ensure(_ context.Context, _ database.Querier, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[userID]; !ok {
		m.wallets[userID] = Wallet{UserID: userID, Currency: "KES"}
	}
	return nil
}

func (m *memRepo) Get(_ context.Context, _ database.Querier, userID uuid.UUID) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return &w, nil
}

func (m *memRepo) update(userID uuid.UUID, fn func(w *Wallet) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok || !fn(&w) {
		return false
	}
	m.wallets[userID] = w
	return true
}

func (m *memRepo) AddPending(_ context.Context, _ database.Querier, userID uuid.UUID, amount int64) error {
	if !m.update(userID, func(w *Wallet) bool { w.PendingBalance += amount; return true }) {
		return ErrWalletNotFound
	}
	return nil
}

func (m *memRepo) ReleasePending(_ context.Context, _ database.Querier, userID uuid.UUID, amount, payout int64) (bool, error) {
	return m.update(userID, func(w *Wallet) bool {
		if w.PendingBalance < amount {
			return false
		}
		w.PendingBalance -= amount
		w.AvailableBalance += payout
		w.TotalEarned += payout
		return true
	}), nil
}

func (m *memRepo) ReversePending(_ context.Context, _ database.Querier, userID uuid.UUID, amount int64) (bool, error) {
	return m.update(userID, func(w *Wallet) bool {
		if w.PendingBalance < amount {
			return false
		}
		w.PendingBalance -= amount
		return true
	}), nil
}

func (m *memRepo) DebitAvailable(_ context.Context, _ database.Querier, userID uuid.UUID, amount int64) (bool, error) {
	return m.update(userID, func(w *Wallet) bool {
		if w.AvailableBalance < amount {
			return false
		}
		w.AvailableBalance -= amount
		return true
	}), nil
}

func (m *memRepo) CreditAvailable(_ context.Context, _ database.Querier, userID uuid.UUID, amount int64) error {
	if !m.update(userID, func(w *Wallet) bool { w.AvailableBalance += amount; return true }) {
		return ErrWalletNotFound
	}
	return nil
}

func (m *memRepo) AddSpent(_ context.Context, _ database.Querier, userID uuid.UUID, amount int64) error {
	m.update(userID, func(w *Wallet) bool { w.TotalSpent += amount; return true })
	return nil
}

func (m *memRepo) InsertPosting(_ context.Context, _ database.Querier, p *Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.postings {
		if existing.UserID == p.UserID && existing.Kind == p.Kind && existing.Reference == p.Reference {
			return ErrDuplicatePosting
		}
	}
	m.postings = append(m.postings, *p)
	return nil
}

func (m *memRepo) ListPostings(_ context.Context, _ database.Querier, userID uuid.UUID, limit, offset int) ([]*Posting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Posting
	for i := range m.postings {
		if m.postings[i].UserID == userID {
			p := m.postings[i]
			out = append(out, &p)
		}
	}
	return page(out, limit, offset), nil
}

func (m *memRepo) CreateWithdrawal(_ context.Context, _ database.Querier, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals[w.ID] = *w
	return nil
}

func (m *memRepo) GetWithdrawal(_ context.Context, _ database.Querier, id uuid.UUID) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return &w, nil
}

func (m *memRepo) SetWithdrawalReference(_ context.Context, _ database.Querier, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.withdrawals[id]
	if w.GatewayReference == nil {
		w.GatewayReference = &ref
		m.withdrawals[id] = w
	}
	return nil
}

func (m *memRepo) FinishWithdrawal(_ context.Context, _ database.Querier, id uuid.UUID, to WithdrawalStatus, ref, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok || w.Status != WithdrawalPending {
		return false, nil
	}
	w.Status = to
	if ref != "" {
		w.GatewayReference = &ref
	}
	if reason != "" {
		w.FailureReason = &reason
	}
	m.withdrawals[id] = w
	return true, nil
}

func (m *memRepo) ListWithdrawals(_ context.Context, _ database.Querier, userID uuid.UUID, limit, offset int) ([]*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			w := w
			out = append(out, &w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *memRepo) CreatePaymentMethod(_ context.Context, _ database.Querier, pm *PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pm.IsDefault {
		for _, other := range m.methods {
			if other.UserID == pm.UserID && other.IsActive && other.IsDefault {
				return errors.New("duplicate key value violates unique constraint \"idx_payment_methods_default\"")
			}
		}
	}
	c := *pm
	c.IsActive = true
	m.methods[pm.ID] = c
	return nil
}

func (m *memRepo) GetPaymentMethod(_ context.Context, _ database.Querier, userID, id uuid.UUID) (*PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.methods[id]
	if !ok || pm.UserID != userID || !pm.IsActive {
		return nil, ErrPaymentMethodNotFound
	}
	return &pm, nil
}

func (m *memRepo) GetDefaultPaymentMethod(_ context.Context, _ database.Querier, userID uuid.UUID) (*PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pm := range m.methods {
		if pm.UserID == userID && pm.IsActive && pm.IsDefault {
			pm := pm
			return &pm, nil
		}
	}
	return nil, ErrPaymentMethodNotFound
}

func (m *memRepo) ListPaymentMethods(_ context.Context, _ database.Querier, userID uuid.UUID) ([]*PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PaymentMethod
	for _, pm := range m.methods {
		if pm.UserID == userID && pm.IsActive {
			pm := pm
			out = append(out, &pm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memRepo) ClearDefaultPaymentMethod(_ context.Context, _ database.Querier, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pm := range m.methods {
		if pm.UserID == userID && pm.IsDefault {
			pm.IsDefault = false
			m.methods[id] = pm
		}
	}
	return nil
}

func (m *memRepo) PromoteNewestPaymentMethod(_ context.Context, _ database.Querier, userID uuid.UUID) (*PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *PaymentMethod
	for _, pm := range m.methods {
		if pm.UserID == userID && pm.IsActive && (newest == nil || pm.CreatedAt.After(newest.CreatedAt)) {
			pm := pm
			newest = &pm
		}
	}
	if newest == nil {
		return nil, ErrPaymentMethodNotFound
	}
	newest.IsDefault = true
	m.methods[newest.ID] = *newest
	return newest, nil
}

func (m *memRepo) DeactivatePaymentMethod(_ context.Context, _ database.Querier, userID, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.methods[id]
	if !ok || pm.UserID != userID || !pm.IsActive {
		return false, nil
	}
	pm.IsActive, pm.IsDefault = false, false
	m.methods[id] = pm
	return true, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

// memRunner rolls the fake store back when the unit of work fails
type memRunner struct {
	mu   sync.Mutex
	repo *memRepo
}

func (r *memRunner) Querier() database.Querier { return nil }

func (r *memRunner) InTx(_ context.Context, fn func(q database.Querier) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := r.repo.snapshot()
	if err := fn(nil); err != nil {
		r.repo.restore(before)
		return err
	}
	return nil
}

type fakeGateway struct {
	ref       string
	err       error
	calls     int
	lastPhone string
}

func (g *fakeGateway) RequestCredit(_ context.Context, phone string, _ int64, _ string) (string, error) {
	g.calls++
	g.lastPhone = phone
	return g.ref, g.err
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

var (
	errGatewayTimeout  = apperr.New(apperr.KindGatewayTimeout, "gateway timed out")
	errGatewayRejected = apperr.New(apperr.KindGatewayRejected, "insufficient float")
)

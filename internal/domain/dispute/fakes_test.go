package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swiftline/escrow-api/internal/domain/escrow"
	"github.com/swiftline/escrow-api/internal/pkg/apperr"
	"github.com/swiftline/escrow-api/internal/pkg/database"
)

// memRepo mirrors the conditional updates of the PostgreSQL repository
type memRepo struct {
	mu       sync.Mutex
	disputes map[uuid.UUID]Dispute
	messages []Message
	txns     *fakeTxns
}

func newMemRepo(txns *fakeTxns) *memRepo {
	return &memRepo{disputes: map[uuid.UUID]Dispute{}, txns: txns}
}

func (m *memRepo) snapshot() (map[uuid.UUID]Dispute, []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make(map[uuid.UUID]Dispute, len(m.disputes))
	for k, v := range m.disputes {
		v.Evidence = append([]string(nil), v.Evidence...)
		c[k] = v
	}
	return c, append([]Message(nil), m.messages...)
}

func (m *memRepo) restore(d map[uuid.UUID]Dispute, msgs []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes, m.messages = d, msgs
}

func (m *memRepo) Create(_ context.Context, _ database.Querier, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.disputes {
		if existing.TransactionID == d.TransactionID {
			return ErrAlreadyExists
		}
	}
	m.disputes[d.ID] = *d
	return nil
}

func (m *memRepo) Get(_ context.Context, _ database.Querier, id uuid.UUID) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	d.Evidence = append([]string(nil), d.Evidence...)
	return &d, nil
}

func (m *memRepo) GetByTransaction(_ context.Context, _ database.Querier, transactionID string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.TransactionID == transactionID {
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) update(id uuid.UUID, fn func(d *Dispute) bool) *Dispute {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok || !fn(&d) {
		return nil
	}
	m.disputes[id] = d
	return &d
}

func (m *memRepo) StartReview(_ context.Context, _ database.Querier, id uuid.UUID) (*Dispute, error) {
	return m.update(id, func(d *Dispute) bool {
		if d.Status != StatusOpen {
			return false
		}
		d.Status = StatusInProgress
		return true
	}), nil
}

func (m *memRepo) Resolve(_ context.Context, _ database.Querier, id uuid.UUID, favor Favor, note string, resolvedBy uuid.UUID, at time.Time) (*Dispute, error) {
	return m.update(id, func(d *Dispute) bool {
		if d.Status == StatusResolved {
			return false
		}
		d.Status = StatusResolved
		d.Resolution = &favor
		if note != "" {
			d.ResolutionNote = &note
		}
		d.ResolvedBy = &resolvedBy
		d.ResolvedAt = &at
		return true
	}), nil
}

func (m *memRepo) AppendEvidence(_ context.Context, _ database.Querier, id uuid.UUID, key string, max int) (bool, error) {
	return m.update(id, func(d *Dispute) bool {
		if d.Status == StatusResolved || len(d.Evidence) >= max {
			return false
		}
		d.Evidence = append(append([]string(nil), d.Evidence...), key)
		return true
	}) != nil, nil
}

func (m *memRepo) AddMessage(_ context.Context, _ database.Querier, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memRepo) ListMessages(_ context.Context, _ database.Querier, disputeID uuid.UUID) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for i := range m.messages {
		if m.messages[i].DisputeID == disputeID {
			msg := m.messages[i]
			out = append(out, &msg)
		}
	}
	return out, nil
}

func (m *memRepo) ListForUser(_ context.Context, _ database.Querier, userID uuid.UUID, limit, offset int) ([]*Dispute, int, error) {
	m.mu.Lock()
	var out []*Dispute
	for _, d := range m.disputes {
		d := d
		out = append(out, &d)
	}
	m.mu.Unlock()

	var mine []*Dispute
	for _, d := range out {
		if t, ok := m.txns.lookup(d.TransactionID); ok && t.IsParticipant(userID) {
			mine = append(mine, d)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt.After(mine[j].CreatedAt) })
	return page(mine, limit, offset), len(mine), nil
}

func (m *memRepo) ListAll(_ context.Context, _ database.Querier, status Status, limit, offset int) ([]*Dispute, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if status == "" || d.Status == status {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return page(out, limit, offset), len(out), nil
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

// fakeTxns applies the escrow status rules a dispute depends on
type fakeTxns struct {
	mu       sync.Mutex
	txns     map[string]escrow.Transaction
	resolved map[string]bool // id -> favorSeller
}

func newFakeTxns() *fakeTxns {
	return &fakeTxns{txns: map[string]escrow.Transaction{}, resolved: map[string]bool{}}
}

func (f *fakeTxns) add(t escrow.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns[t.ID] = t
}

func (f *fakeTxns) lookup(id string) (escrow.Transaction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txns[id]
	return t, ok
}

func (f *fakeTxns) status(id string) escrow.Status {
	t, _ := f.lookup(id)
	return t.Status
}

func (f *fakeTxns) snapshot() (map[string]escrow.Transaction, map[string]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := make(map[string]escrow.Transaction, len(f.txns))
	for k, v := range f.txns {
		t[k] = v
	}
	r := make(map[string]bool, len(f.resolved))
	for k, v := range f.resolved {
		r[k] = v
	}
	return t, r
}

func (f *fakeTxns) restore(t map[string]escrow.Transaction, r map[string]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns, f.resolved = t, r
}

func (f *fakeTxns) Get(_ context.Context, id string) (*escrow.Transaction, error) {
	t, ok := f.lookup(id)
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return &t, nil
}

func (f *fakeTxns) MarkDisputed(_ context.Context, _ database.Querier, id string, buyerID uuid.UUID) (*escrow.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txns[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	if !t.IsBuyer(buyerID) {
		return nil, escrow.ErrForbidden
	}
	switch t.Status {
	case escrow.StatusPaid, escrow.StatusShipped, escrow.StatusDelivered:
	default:
		return nil, apperr.New(apperr.KindInvalidStateTransition, "cannot dispute a transaction that is "+string(t.Status))
	}
	t.Status = escrow.StatusDisputed
	f.txns[id] = t
	return &t, nil
}

func (f *fakeTxns) ResolveDisputed(_ context.Context, _ database.Querier, id string, favorSeller bool) (*escrow.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.txns[id]
	if t.Status != escrow.StatusDisputed {
		return nil, apperr.New(apperr.KindInvalidStateTransition, "transaction is not disputed")
	}
	t.Status = escrow.StatusCancelled
	if favorSeller {
		t.Status = escrow.StatusCompleted
	}
	f.txns[id] = t
	f.resolved[id] = favorSeller
	return &t, nil
}

// memRunner serializes units of work and rolls both fakes back on error
type memRunner struct {
	mu   sync.Mutex
	repo *memRepo
	txns *fakeTxns
}

func (r *memRunner) Querier() database.Querier { return nil }

func (r *memRunner) InTx(_ context.Context, fn func(q database.Querier) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, msgs := r.repo.snapshot()
	t, res := r.txns.snapshot()
	if err := fn(nil); err != nil {
		r.repo.restore(d, msgs)
		r.txns.restore(t, res)
		return err
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

func (n *fakeNotifier) received(userID uuid.UUID, eventType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if s.userID == userID && s.eventType == eventType {
			return true
		}
	}
	return false
}

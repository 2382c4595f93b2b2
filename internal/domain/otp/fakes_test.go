package otp

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errCacheDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// memCache behaves like Redis for the subset the service uses
type memCache struct {
	mu    sync.Mutex
	clock *clock
	data  map[string]memEntry
	down  bool
	calls int
}

func newMemCache(c *clock) *memCache {
	return &memCache{clock: c, data: map[string]memEntry{}}
}

func (m *memCache) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *memCache) live(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return e, false
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.data, key)
		return e, false
	}
	return e, true
}

func (m *memCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down {
		return "", errCacheDown
	}
	e, ok := m.live(key)
	if !ok {
		return "", ErrCacheMiss
	}
	return e.value, nil
}

func (m *memCache) SetEX(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down {
		return errCacheDown
	}
	m.data[key] = memEntry{value: value, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *memCache) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down {
		return 0, errCacheDown
	}
	e, _ := m.live(key)
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	m.data[key] = e
	return n, nil
}

func (m *memCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down {
		return errCacheDown
	}
	if e, ok := m.live(key); ok {
		e.expiresAt = m.clock.Now().Add(ttl)
		m.data[key] = e
	}
	return nil
}

func (m *memCache) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down {
		return 0, errCacheDown
	}
	e, ok := m.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(m.clock.Now()), nil
}

func (m *memCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down {
		return errCacheDown
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memCache) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok
}

// memRepo mirrors the conditional updates of the PostgreSQL repository
type memRepo struct {
	mu      sync.Mutex
	clock   *clock
	records []*Record
}

func newMemRepo(c *clock) *memRepo {
	return &memRepo{clock: c}
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memRepo) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, r := range m.records {
		if r.Phone == rec.Phone && r.Purpose == rec.Purpose && r.UsedAt == nil {
			r.UsedAt = &now
		}
	}
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *memRepo) GetActive(_ context.Context, phone string, purpose Purpose) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.Phone == phone && r.Purpose == purpose && r.UsedAt == nil {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.find(id); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *memRepo) find(id uuid.UUID) *Record {
	for _, r := range m.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *memRepo) IncrementAttempts(_ context.Context, id uuid.UUID) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(id)
	if r == nil || r.UsedAt != nil || r.Attempts >= r.MaxAttempts {
		return 0, false, nil
	}
	r.Attempts++
	return r.Attempts, true, nil
}

func (m *memRepo) MarkUsed(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	r := m.find(id)
	if r == nil || r.UsedAt != nil || r.Attempts >= r.MaxAttempts || !now.Before(r.ExpiresAt) {
		return false, nil
	}
	r.UsedAt = &now
	return true, nil
}

func (m *memRepo) InvalidateActive(_ context.Context, phone string, purposes []Purpose) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var n int64
	for _, r := range m.records {
		if r.Phone != phone || r.UsedAt != nil {
			continue
		}
		for _, p := range purposes {
			if r.Purpose == p {
				r.UsedAt = &now
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *memRepo) CountSince(_ context.Context, phone string, since time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var times []time.Time
	for _, r := range m.records {
		if r.Phone == phone && !r.CreatedAt.Before(since) {
			times = append(times, r.CreatedAt)
		}
	}
	if len(times) == 0 {
		return 0, time.Time{}, nil
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return len(times), times[0], nil
}

func (m *memRepo) DeleteStale(_ context.Context, usedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*Record
	var n int64
	for _, r := range m.records {
		if r.ExpiresAt.Before(usedBefore) || (r.UsedAt != nil && r.UsedAt.Before(usedBefore)) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) SendSMS(_ context.Context, to, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to+"|"+message)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

package budgetstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same semantics as RedisStore,
// including lazy expiry of counters, consumption periods, and reservations.
// Intended for tests and single-instance development runs.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	scopes   map[string]*memScope

	// now is swappable in tests.
	now func() time.Time
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

type memScope struct {
	consumed  float64
	expiresAt time.Time // zero until first commit
	holds     map[string]memHold
}

type memHold struct {
	amount    float64
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		scopes:   make(map[string]*memScope),
		now:      time.Now,
	}
}

// SetNow replaces the store's clock. Test hook.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// IncrWithTTL atomically adds amount to a rate counter.
func (s *MemoryStore) IncrWithTTL(_ context.Context, key string, amount int64, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !c.expiresAt.After(now) {
		c = &memCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count += amount
	return c.count, c.expiresAt.Sub(now), nil
}

// TryReserve atomically places a budget hold when it fits under the limit.
func (s *MemoryStore) TryReserve(_ context.Context, r Reservation, limit float64, periodTTL time.Duration) (ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sc := s.scope(r.ScopeKey, now)

	held := sc.consumed + sc.reserved()
	if held+r.Amount > limit {
		return ReserveResult{OK: false, Held: held, ResetIn: sc.resetIn(now, periodTTL)}, nil
	}

	sc.holds[r.ID] = memHold{amount: r.Amount, expiresAt: now.Add(r.TTL)}
	return ReserveResult{OK: true, Held: held + r.Amount, ResetIn: sc.resetIn(now, periodTTL)}, nil
}

// Settle commits the actual amount and releases the hold. No-op when the
// reservation is gone already.
func (s *MemoryStore) Settle(_ context.Context, r Reservation, actual float64, periodTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sc := s.scope(r.ScopeKey, now)
	if _, ok := sc.holds[r.ID]; !ok {
		return nil
	}
	delete(sc.holds, r.ID)

	if actual > 0 {
		sc.consumed += actual
		if sc.expiresAt.IsZero() {
			sc.expiresAt = now.Add(periodTTL)
		}
	}
	return nil
}

// Release discards the hold without committing consumption.
func (s *MemoryStore) Release(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scope(r.ScopeKey, s.now())
	delete(sc.holds, r.ID)
	return nil
}

// Read returns committed consumption for a scope.
func (s *MemoryStore) Read(_ context.Context, scopeKey string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scope(scopeKey, s.now())
	return sc.consumed, nil
}

// scope returns the scope record, sweeping anything expired. Callers hold mu.
func (s *MemoryStore) scope(key string, now time.Time) *memScope {
	sc, ok := s.scopes[key]
	if !ok {
		sc = &memScope{holds: make(map[string]memHold)}
		s.scopes[key] = sc
	}

	if !sc.expiresAt.IsZero() && !sc.expiresAt.After(now) {
		sc.consumed = 0
		sc.expiresAt = time.Time{}
	}
	for id, h := range sc.holds {
		if !h.expiresAt.After(now) {
			delete(sc.holds, id)
		}
	}
	return sc
}

func (sc *memScope) reserved() float64 {
	var total float64
	for _, h := range sc.holds {
		total += h.amount
	}
	return total
}

func (sc *memScope) resetIn(now time.Time, periodTTL time.Duration) time.Duration {
	if sc.expiresAt.IsZero() {
		return periodTTL
	}
	return sc.expiresAt.Sub(now)
}

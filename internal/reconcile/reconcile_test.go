package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/chat-gateway/internal/budgetstore"
	"github.com/ledgerlens/chat-gateway/internal/config"
	"github.com/ledgerlens/chat-gateway/internal/identity"
)

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		IdentityCostLimit:  1.0,
		IdentityCostPeriod: time.Hour,
		GlobalCostLimit:    50.0,
		GlobalCostPeriod:   24 * time.Hour,
		ReservationTTL:     10 * time.Minute,
		SettleRetries:      2,
	}
}

func reserve(t *testing.T, store budgetstore.Store, id, scope string, amount, limit float64) budgetstore.Reservation {
	t.Helper()
	r := budgetstore.Reservation{ID: id, ScopeKey: scope, Amount: amount, TTL: 10 * time.Minute}
	out, err := store.TryReserve(context.Background(), r, limit, time.Hour)
	require.NoError(t, err)
	require.True(t, out.OK)
	return r
}

func TestSettle_CommitsActualAndFreesRemainder(t *testing.T) {
	store := budgetstore.NewMemoryStore()
	rec := New(store, testLimits(), time.Second)
	ctx := context.Background()

	r := reserve(t, store, "r1", "cost:ip:abc", 0.50, 1.0)
	require.NoError(t, rec.Settle(ctx, []budgetstore.Reservation{r}, 0.02))

	consumed, err := store.Read(ctx, "cost:ip:abc")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, consumed, 1e-9)

	// The 0.48 gap between estimate and actual is reservable again.
	out, err := store.TryReserve(ctx, budgetstore.Reservation{
		ID: "r2", ScopeKey: "cost:ip:abc", Amount: 0.98, TTL: time.Minute,
	}, 1.0, time.Hour)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestSettle_BothScopesSameActual(t *testing.T) {
	store := budgetstore.NewMemoryStore()
	rec := New(store, testLimits(), time.Second)
	ctx := context.Background()

	reservations := []budgetstore.Reservation{
		reserve(t, store, "r1", "cost:ip:abc", 0.50, 1.0),
		reserve(t, store, "r2", identity.GlobalCostKey, 0.50, 50.0),
	}
	require.NoError(t, rec.Settle(ctx, reservations, 0.10))

	for _, scope := range []string{"cost:ip:abc", identity.GlobalCostKey} {
		consumed, err := store.Read(ctx, scope)
		require.NoError(t, err)
		assert.InDelta(t, 0.10, consumed, 1e-9, "scope %s", scope)
	}
}

func TestSettle_ZeroCostReleasesEverything(t *testing.T) {
	store := budgetstore.NewMemoryStore()
	rec := New(store, testLimits(), time.Second)
	ctx := context.Background()

	r := reserve(t, store, "r1", "cost:ip:abc", 1.0, 1.0)
	require.NoError(t, rec.Settle(ctx, []budgetstore.Reservation{r}, 0))

	out, err := store.TryReserve(ctx, budgetstore.Reservation{
		ID: "r2", ScopeKey: "cost:ip:abc", Amount: 1.0, TTL: time.Minute,
	}, 1.0, time.Hour)
	require.NoError(t, err)
	assert.True(t, out.OK, "nothing streamed, nothing consumed")
}

func TestSettle_Idempotent(t *testing.T) {
	store := budgetstore.NewMemoryStore()
	rec := New(store, testLimits(), time.Second)
	ctx := context.Background()

	r := reserve(t, store, "r1", "cost:ip:abc", 0.50, 1.0)
	reservations := []budgetstore.Reservation{r}
	require.NoError(t, rec.Settle(ctx, reservations, 0.10))
	require.NoError(t, rec.Settle(ctx, reservations, 0.10))

	consumed, err := store.Read(ctx, "cost:ip:abc")
	require.NoError(t, err)
	assert.InDelta(t, 0.10, consumed, 1e-9)
}

func TestSettle_ActualAboveEstimateIsAccepted(t *testing.T) {
	store := budgetstore.NewMemoryStore()
	rec := New(store, testLimits(), time.Second)
	ctx := context.Background()

	r := reserve(t, store, "r1", "cost:ip:abc", 0.10, 1.0)
	require.NoError(t, rec.Settle(ctx, []budgetstore.Reservation{r}, 0.25))

	consumed, err := store.Read(ctx, "cost:ip:abc")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, consumed, 1e-9, "overrun is recorded, not clamped")
}

// flakyStore fails Settle a fixed number of times before delegating.
type flakyStore struct {
	budgetstore.Store
	failures int
}

func (s *flakyStore) Settle(ctx context.Context, r budgetstore.Reservation, actual float64, periodTTL time.Duration) error {
	if s.failures > 0 {
		s.failures--
		return budgetstore.ErrUnavailable
	}
	return s.Store.Settle(ctx, r, actual, periodTTL)
}

func TestSettle_RetriesTransientFailures(t *testing.T) {
	mem := budgetstore.NewMemoryStore()
	store := &flakyStore{Store: mem, failures: 2}
	rec := New(store, testLimits(), time.Second)
	ctx := context.Background()

	r := reserve(t, mem, "r1", "cost:ip:abc", 0.50, 1.0)
	require.NoError(t, rec.Settle(ctx, []budgetstore.Reservation{r}, 0.10))

	consumed, err := mem.Read(ctx, "cost:ip:abc")
	require.NoError(t, err)
	assert.InDelta(t, 0.10, consumed, 1e-9)
}

func TestSettle_ReportsOrphans(t *testing.T) {
	mem := budgetstore.NewMemoryStore()
	store := &flakyStore{Store: mem, failures: 100}
	rec := New(store, testLimits(), time.Second)
	ctx := context.Background()

	r := reserve(t, mem, "r1", "cost:ip:abc", 0.50, 1.0)
	err := rec.Settle(ctx, []budgetstore.Reservation{r}, 0.10)
	assert.ErrorIs(t, err, budgetstore.ErrUnavailable)
}

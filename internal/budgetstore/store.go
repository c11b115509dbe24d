// Package budgetstore provides typed atomic operations over the shared
// counter/budget store.
//
// DESIGN: No business logic lives here. The store exposes exactly the
// primitives admission and settlement need (an increment-with-expiry for
// rate counters, reserve/settle/release for cost budgets), and every
// primitive is atomic with respect to concurrent callers on the same scope
// key. Cross-request coordination happens only through these operations,
// never through in-process locks shared across identities.
package budgetstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the store could not be reached. Admission treats
// this as a rejection (fail closed); settlement retries and then logs an
// orphan (the reservation's TTL reclaims the held budget).
var ErrUnavailable = errors.New("budgetstore: store unavailable")

// Reservation is a provisional hold against one budget scope. Exactly one
// reservation exists per in-flight turn per budgeted scope; it is destroyed
// by Settle, Release, or TTL expiry.
type Reservation struct {
	ID       string
	ScopeKey string
	Amount   float64
	TTL      time.Duration
}

// ReserveResult reports the outcome of a TryReserve.
type ReserveResult struct {
	// OK is true when the reservation was placed.
	OK bool

	// Held is consumed + reserved across the scope after the call (including
	// this reservation when OK).
	Held float64

	// ResetIn is the remaining life of the scope's consumption period, for
	// retry-after hints. Zero when the scope has no consumption yet.
	ResetIn time.Duration
}

// Store is the shared counter/budget store contract.
type Store interface {
	// IncrWithTTL atomically adds amount to a counter, creating it with the
	// given TTL when absent. Returns the post-increment count and the
	// counter's remaining life.
	IncrWithTTL(ctx context.Context, key string, amount int64, ttl time.Duration) (count int64, resetIn time.Duration, err error)

	// TryReserve atomically checks consumed + reserved + r.Amount <= limit
	// for r.ScopeKey and places the reservation when it fits. periodTTL is
	// the budget period, applied to the scope's consumption counter when it
	// is first created.
	TryReserve(ctx context.Context, r Reservation, limit float64, periodTTL time.Duration) (ReserveResult, error)

	// Settle converts a reservation into committed consumption of the actual
	// amount, releasing the hold. Settling an already-settled (or expired)
	// reservation is a no-op; consumption is never double counted.
	Settle(ctx context.Context, r Reservation, actual float64, periodTTL time.Duration) error

	// Release discards a reservation without committing any consumption.
	Release(ctx context.Context, r Reservation) error

	// Read returns a scope's committed consumption, zero when absent.
	Read(ctx context.Context, scopeKey string) (float64, error)
}

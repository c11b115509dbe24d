// Package reconcile settles a turn's reservations against its actual cost.
//
// DESIGN: Each budget scope held its own reservation and each is settled at
// the same actual amount: identity and global budgets are independent
// ceilings, not a shared pool. An actual above the estimate is accepted and
// settled as-is (the estimate is deliberately conservative); an actual of
// zero settles as a pure release. Settlement must never block the client's
// terminal frame: store failures are retried a bounded number of times and
// then the reservation is logged as an orphan, which the store's TTL
// reclaims on its own.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ledgerlens/chat-gateway/internal/budgetstore"
	"github.com/ledgerlens/chat-gateway/internal/config"
	"github.com/ledgerlens/chat-gateway/internal/identity"
)

// Reconciler applies settlements to the budget store.
type Reconciler struct {
	store     budgetstore.Store
	limits    config.LimitsConfig
	opTimeout time.Duration
}

// New creates a Reconciler over the given store.
func New(store budgetstore.Store, limits config.LimitsConfig, opTimeout time.Duration) *Reconciler {
	return &Reconciler{store: store, limits: limits, opTimeout: opTimeout}
}

// Settle commits actualCost against every reservation of a turn. The ctx is
// intentionally not the turn's context: settlement still runs after the turn
// was cancelled.
//
// The returned error aggregates the reservations that could not be settled;
// callers log it but must not fail the turn on it.
func (r *Reconciler) Settle(ctx context.Context, reservations []budgetstore.Reservation, actualCost float64) error {
	var errs []error
	for _, res := range reservations {
		if err := r.settleOne(ctx, res, actualCost); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) settleOne(ctx context.Context, res budgetstore.Reservation, actual float64) error {
	period := r.limits.IdentityCostPeriod
	if res.ScopeKey == identity.GlobalCostKey {
		period = r.limits.GlobalCostPeriod
	}

	var lastErr error
	for attempt := 0; attempt <= r.limits.SettleRetries; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
		err := r.store.Settle(opCtx, res, actual, period)
		cancel()
		if err == nil {
			log.Debug().
				Str("scope", res.ScopeKey).
				Str("reservation", res.ID).
				Float64("estimate", res.Amount).
				Float64("actual", actual).
				Msg("reservation settled")
			return nil
		}
		lastErr = err
	}

	log.Error().Err(lastErr).
		Str("scope", res.ScopeKey).
		Str("reservation", res.ID).
		Float64("actual", actual).
		Int("retries", r.limits.SettleRetries).
		Msg("orphaned reservation: settlement failed, TTL will reclaim the hold")
	return lastErr
}

// Package admission decides whether an inbound turn may proceed and reserves
// provisional budget for it.
//
// DESIGN: Four checks in a fixed order, cheapest first: identity rate
// window, global rate window, identity cost budget, global cost budget.
// The first failure short-circuits, releases any reservation already placed
// for this turn, and carries a retry-after hint. Rate counters increment
// unconditionally once their check is reached: attempting a request costs a
// rate slot even when a later budget check rejects it, so over-budget
// requests cannot dodge rate accounting.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ledgerlens/chat-gateway/internal/budgetstore"
	"github.com/ledgerlens/chat-gateway/internal/config"
	"github.com/ledgerlens/chat-gateway/internal/identity"
)

// Sentinel errors surfaced to the transport.
var (
	ErrRateLimited    = errors.New("admission: rate limit exceeded")
	ErrBudgetExceeded = errors.New("admission: cost budget exceeded")
)

// Reason identifies which limit rejected a turn.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonIdentityRate   Reason = "identity_rate"
	ReasonGlobalRate     Reason = "global_rate"
	ReasonIdentityBudget Reason = "identity_budget"
	ReasonGlobalBudget   Reason = "global_budget"
	ReasonStore          Reason = "store_unavailable"
)

// Result reports an admission decision. On acceptance, Reservations holds
// the budget holds the orchestrator must settle when the turn ends.
type Result struct {
	Allowed      bool
	Reservations []budgetstore.Reservation
	Reason       Reason
	RetryAfter   time.Duration
}

// Controller evaluates turns against rate and cost policies.
type Controller struct {
	store     budgetstore.Store
	limits    config.LimitsConfig
	opTimeout time.Duration
}

// NewController creates an admission controller over the given store.
func NewController(store budgetstore.Store, limits config.LimitsConfig, opTimeout time.Duration) *Controller {
	return &Controller{store: store, limits: limits, opTimeout: opTimeout}
}

// Admit evaluates one turn. estimatedCost is the conservative upper-bound
// cost heuristic for the turn; the same amount is reserved independently
// against the identity and global budgets, since each models its own
// ceiling rather than a shared pool.
//
// The returned error is nil only when the turn is admitted. Rejections
// return ErrRateLimited or ErrBudgetExceeded; store failures fail closed
// with budgetstore.ErrUnavailable.
func (c *Controller) Admit(ctx context.Context, id identity.Identity, estimatedCost float64) (Result, error) {
	// 1. Identity-scoped request rate.
	count, resetIn, err := c.incr(ctx, id.RateKey(), c.limits.RateWindow)
	if err != nil {
		return Result{Reason: ReasonStore}, err
	}
	if count > int64(c.limits.RateMaxRequests) {
		log.Warn().
			Str("fingerprint", id.Fingerprint).
			Int64("count", count).
			Int("max", c.limits.RateMaxRequests).
			Msg("identity rate limit exceeded")
		return Result{Reason: ReasonIdentityRate, RetryAfter: resetIn},
			fmt.Errorf("%w: %d requests per %s per client", ErrRateLimited,
				c.limits.RateMaxRequests, c.limits.RateWindow)
	}

	// 2. Global request rate.
	count, resetIn, err = c.incr(ctx, identity.GlobalRateKey, c.limits.GlobalRateWindow)
	if err != nil {
		return Result{Reason: ReasonStore}, err
	}
	if count > int64(c.limits.GlobalRateMaxRequests) {
		log.Warn().
			Int64("count", count).
			Int("max", c.limits.GlobalRateMaxRequests).
			Msg("global rate limit exceeded")
		return Result{Reason: ReasonGlobalRate, RetryAfter: resetIn},
			fmt.Errorf("%w: %d requests per %s service-wide", ErrRateLimited,
				c.limits.GlobalRateMaxRequests, c.limits.GlobalRateWindow)
	}

	// 3. Identity cost budget.
	identityRes, reserveOut, err := c.reserve(ctx, id.CostKey(), estimatedCost,
		c.limits.IdentityCostLimit, c.limits.IdentityCostPeriod)
	if err != nil {
		return Result{Reason: ReasonStore}, err
	}
	if !reserveOut.OK {
		log.Warn().
			Str("ip_hash", id.IPHash).
			Float64("held", reserveOut.Held).
			Float64("limit", c.limits.IdentityCostLimit).
			Float64("estimate", estimatedCost).
			Msg("identity cost budget exceeded")
		return Result{Reason: ReasonIdentityBudget, RetryAfter: reserveOut.ResetIn},
			fmt.Errorf("%w: $%.2f per client per %s", ErrBudgetExceeded,
				c.limits.IdentityCostLimit, c.limits.IdentityCostPeriod)
	}

	// 4. Global cost budget.
	globalRes, reserveOut, err := c.reserve(ctx, identity.GlobalCostKey, estimatedCost,
		c.limits.GlobalCostLimit, c.limits.GlobalCostPeriod)
	if err != nil {
		c.releaseQuiet(id, identityRes)
		return Result{Reason: ReasonStore}, err
	}
	if !reserveOut.OK {
		c.releaseQuiet(id, identityRes)
		log.Warn().
			Float64("held", reserveOut.Held).
			Float64("limit", c.limits.GlobalCostLimit).
			Float64("estimate", estimatedCost).
			Msg("global cost budget exceeded")
		return Result{Reason: ReasonGlobalBudget, RetryAfter: reserveOut.ResetIn},
			fmt.Errorf("%w: $%.2f service-wide per %s", ErrBudgetExceeded,
				c.limits.GlobalCostLimit, c.limits.GlobalCostPeriod)
	}

	return Result{
		Allowed:      true,
		Reservations: []budgetstore.Reservation{identityRes, globalRes},
	}, nil
}

func (c *Controller) incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.store.IncrWithTTL(opCtx, key, 1, window)
}

func (c *Controller) reserve(ctx context.Context, scopeKey string, amount, limit float64, period time.Duration) (budgetstore.Reservation, budgetstore.ReserveResult, error) {
	r := budgetstore.Reservation{
		ID:       uuid.New().String(),
		ScopeKey: scopeKey,
		Amount:   amount,
		TTL:      c.limits.ReservationTTL,
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	out, err := c.store.TryReserve(opCtx, r, limit, period)
	return r, out, err
}

// releaseQuiet drops a reservation acquired earlier in a rejected admission.
// A failed release is only logged; the reservation's TTL reclaims it.
func (c *Controller) releaseQuiet(id identity.Identity, r budgetstore.Reservation) {
	opCtx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if err := c.store.Release(opCtx, r); err != nil {
		log.Error().Err(err).
			Str("scope", r.ScopeKey).
			Str("reservation", r.ID).
			Str("fingerprint", id.Fingerprint).
			Msg("failed to release reservation after rejection, TTL will reclaim")
	}
}

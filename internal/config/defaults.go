// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultRateMaxRequests is the per-identity request cap per window.
const DefaultRateMaxRequests = 5

// DefaultRateWindow is the per-identity rate window length.
const DefaultRateWindow = time.Minute

// DefaultGlobalRateMaxRequests is the service-wide request cap per window.
const DefaultGlobalRateMaxRequests = 100

// DefaultGlobalRateWindow is the service-wide rate window length.
const DefaultGlobalRateWindow = time.Minute

// =============================================================================
// COST BUDGETS
// =============================================================================

// DefaultIdentityCostLimit is USD per identity per period.
const DefaultIdentityCostLimit = 1.0

// DefaultIdentityCostPeriod is the per-identity budget period (one week).
const DefaultIdentityCostPeriod = 7 * 24 * time.Hour

// DefaultGlobalCostLimit is USD across all identities per period.
const DefaultGlobalCostLimit = 50.0

// DefaultGlobalCostPeriod is the global budget period (30 days).
const DefaultGlobalCostPeriod = 30 * 24 * time.Hour

// DefaultReservationTTL bounds how long an unsettled reservation can hold
// budget before the store reclaims it.
const DefaultReservationTTL = 10 * time.Minute

// DefaultSettleRetries is how many times a failed settlement is retried
// before the reservation is logged as an orphan.
const DefaultSettleRetries = 3

// =============================================================================
// SESSION AND STREAMING
// =============================================================================

// DefaultContextTurns is how many prior turns are replayed to the engine.
const DefaultContextTurns = 10

// DefaultCancelGrace is how long the engine may keep producing after a
// cancellation before the turn is treated as failed.
const DefaultCancelGrace = 3 * time.Second

// DefaultMaxQueryBytes is the largest accepted client query.
const DefaultMaxQueryBytes = 8 * 1024

// DefaultMaxOutputTokens is the output ceiling used for worst-case cost
// estimation and passed to the engine as max_tokens.
const DefaultMaxOutputTokens = 2048

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultListen is the server listen address.
const DefaultListen = ":8080"

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultEngineTimeout bounds one engine turn end to end.
const DefaultEngineTimeout = 5 * time.Minute

// DefaultStoreTimeout bounds a single budget-store round trip.
const DefaultStoreTimeout = 2 * time.Second

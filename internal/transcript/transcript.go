// Package transcript persists completed turns for later retrieval.
//
// DESIGN: Consumed-only collaborator. The core appends a record per terminal
// turn keyed by the anonymous session identifier and never reads the store
// back for admission decisions.
package transcript

import (
	"context"
	"time"
)

// Record is one terminal turn's transcript entry.
type Record struct {
	TurnID     string
	SessionID  string
	Account    string
	Query      string
	Answer     string
	State      string
	ActualCost float64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store appends transcripts.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// Noop discards transcripts. Used when persistence is disabled.
type Noop struct{}

var _ Store = Noop{}

func (Noop) Append(context.Context, Record) error { return nil }
func (Noop) Close() error                         { return nil }

// Package engine exposes the reasoning engine as a cancellable,
// token-streaming operation.
//
// DESIGN: The engine's nested callback surface (tokens interleaved with tool
// invocations) is flattened into a sequence of tagged events so the session
// orchestrator is a plain consumer loop. Cancellation travels through the
// context handed to StartTurn; the stream must stop yielding promptly once
// it fires, and the consumer still receives a cost figure for whatever ran.
package engine

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	ErrUnavailable = errors.New("engine: reasoning engine unavailable")
	ErrEngine      = errors.New("engine: reasoning engine error")
)

// Message is one entry of the bounded conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EventKind tags the variants of the engine event stream.
type EventKind int

const (
	// KindToken carries one output token to forward to the client.
	KindToken EventKind = iota

	// KindToolCall reports a data-fetching tool the engine invoked.
	KindToolCall

	// KindDone terminates a successful turn and carries the actual cost.
	KindDone
)

// Event is one element of a turn's event stream.
type Event struct {
	Kind     EventKind
	Token    string
	ToolCall ToolCall
	Done     Done
}

// ToolCall describes a tool invocation the engine performed.
type ToolCall struct {
	Name      string
	Arguments string
}

// Done carries final accounting for a completed turn.
type Done struct {
	// ActualCost is the cumulative USD cost actually incurred, including
	// any tool-invocation cost the engine reports.
	ActualCost float64

	// Usage holds the token counts the cost was derived from.
	Usage Usage
}

// Usage is token accounting for one turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Stream yields a turn's events in order. After a KindDone event, or after
// any error, Next returns io.EOF. Close releases the underlying transport
// and is safe to call at any point, including mid-stream on cancellation.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Engine starts reasoning turns.
type Engine interface {
	// StartTurn begins one turn over the given conversation context. The
	// context cancels the turn; implementations must stop producing events
	// promptly when it fires.
	StartTurn(ctx context.Context, messages []Message) (Stream, error)
}

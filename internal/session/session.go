// Package session drives one conversational turn end to end: admission,
// reasoning, token streaming, cancellation, and final cost settlement.
//
// DESIGN: A Turn walks a strict state machine
//
//	RECEIVED → ADMITTED → REASONING → STREAMING → SETTLING
//	                                     → {COMPLETED, REJECTED, FAILED, CANCELLED}
//
// Transitions are sequential within a turn and linearized against the
// cancellation signal: the engine stream is consumed by a reader goroutine
// while the orchestrator selects between events and cancellation, so a stop
// arriving during settlement is a no-op. Every terminal path settles the
// turn's reservations at the actual cost incurred, never the estimate.
// The one exception is a hung engine outliving the cancellation grace
// period, where the estimate is the fail-closed fallback.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ledgerlens/chat-gateway/internal/admission"
	"github.com/ledgerlens/chat-gateway/internal/budgetstore"
	"github.com/ledgerlens/chat-gateway/internal/config"
	"github.com/ledgerlens/chat-gateway/internal/engine"
	"github.com/ledgerlens/chat-gateway/internal/identity"
	"github.com/ledgerlens/chat-gateway/internal/reconcile"
	"github.com/ledgerlens/chat-gateway/internal/transcript"
)

// ErrCancelTimeout indicates the engine did not stop within the
// cancellation grace period.
var ErrCancelTimeout = errors.New("session: engine did not stop within cancellation grace period")

// State is a Turn's position in its lifecycle.
type State string

const (
	StateReceived  State = "received"
	StateAdmitted  State = "admitted"
	StateReasoning State = "reasoning"
	StateStreaming State = "streaming"
	StateSettling  State = "settling"
	StateCompleted State = "completed"
	StateRejected  State = "rejected"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Turn is one user query and its response lifecycle. It is owned exclusively
// by the orchestrator invocation that created it.
type Turn struct {
	ID            string
	SessionID     string
	Identity      identity.Identity
	Query         string
	Account       string
	State         State
	Reservations  []budgetstore.Reservation
	EstimatedCost float64
	ActualCost    float64
	Answer        string
	ToolCalls     []engine.ToolCall
	StartedAt     time.Time
}

// Outcome is the terminal result of a turn. Err carries the taxonomy error
// for rejected and failed turns; the transport renders it as the single
// terminal frame.
type Outcome struct {
	Turn       *Turn
	Err        error
	RetryAfter time.Duration
}

// Sink receives streamed output tokens. Implementations must forward each
// token as soon as it arrives; the orchestrator never buffers a full answer
// before the first write.
type Sink interface {
	SendToken(token string) error
}

// Orchestrator runs turns.
type Orchestrator struct {
	admitter    *admission.Controller
	engine      engine.Engine
	reconciler  *reconcile.Reconciler
	estimator   *engine.Estimator
	transcripts transcript.Store
	cfg         config.SessionConfig
	system      string
}

// NewOrchestrator wires the turn pipeline together.
func NewOrchestrator(
	admitter *admission.Controller,
	eng engine.Engine,
	reconciler *reconcile.Reconciler,
	estimator *engine.Estimator,
	transcripts transcript.Store,
	cfg config.SessionConfig,
	systemPrompt string,
) *Orchestrator {
	return &Orchestrator{
		admitter:    admitter,
		engine:      eng,
		reconciler:  reconciler,
		estimator:   estimator,
		transcripts: transcripts,
		cfg:         cfg,
		system:      systemPrompt,
	}
}

// Request is one inbound query on a session.
type Request struct {
	SessionID string
	Query     string

	// Account optionally names the ledger account the client is viewing,
	// narrowing the engine's context. Free-form, already validated by the
	// transport.
	Account string

	// History is the prior conversation on this session, oldest first. The
	// orchestrator bounds it to the configured context window.
	History []engine.Message
}

// RunTurn executes one turn. ctx is the turn's cancellation token: the
// transport cancels it on a client stop signal or disconnect.
func (o *Orchestrator) RunTurn(ctx context.Context, id identity.Identity, req Request, sink Sink) Outcome {
	turn := &Turn{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		Identity:  id,
		Query:     req.Query,
		Account:   req.Account,
		State:     StateReceived,
		StartedAt: time.Now(),
	}

	messages := o.buildContext(req)
	turn.EstimatedCost = o.estimator.EstimateCost(messages)

	// RECEIVED → ADMITTED | REJECTED
	result, err := o.admitter.Admit(ctx, id, turn.EstimatedCost)
	if err != nil {
		turn.State = StateRejected
		log.Info().
			Str("turn", turn.ID).
			Str("reason", string(result.Reason)).
			Dur("retry_after", result.RetryAfter).
			Msg("turn rejected")
		return Outcome{Turn: turn, Err: err, RetryAfter: result.RetryAfter}
	}
	turn.State = StateAdmitted
	turn.Reservations = result.Reservations

	// ADMITTED → REASONING
	turn.State = StateReasoning
	stream, err := o.engine.StartTurn(ctx, messages)
	if err != nil {
		// Nothing streamed, nothing billed upstream yet.
		terminal := terminalFor(ctx, err)
		if terminal == StateCancelled {
			err = nil
		}
		return o.finalize(ctx, turn, terminal, 0, err)
	}
	defer stream.Close()

	return o.consume(ctx, turn, messages, stream, sink)
}

type streamEvent struct {
	ev  engine.Event
	err error
}

// consume forwards engine events until completion, failure, or cancellation.
func (o *Orchestrator) consume(ctx context.Context, turn *Turn, messages []engine.Message, stream engine.Stream, sink Sink) Outcome {
	events := make(chan streamEvent)
	go func() {
		defer close(events)
		for {
			ev, err := stream.Next()
			if err != nil {
				if err != io.EOF {
					events <- streamEvent{err: err}
				}
				return
			}
			events <- streamEvent{ev: ev}
			if ev.Kind == engine.KindDone {
				return
			}
		}
	}()

	var answer strings.Builder
	tokensOut := 0

	partialCost := func() float64 {
		return o.estimator.PartialCost(messages, tokensOut)
	}
	// A cancel before the first token produced nothing billable; the
	// reservation is released in full.
	cancelCost := func() float64 {
		if tokensOut == 0 {
			return 0
		}
		return partialCost()
	}

	for {
		select {
		case <-ctx.Done():
			// Client stop or disconnect. Abort the stream and give the
			// reader up to the grace period to wind down.
			stream.Close()
			if !o.drainWithin(events, o.cfg.CancelGrace) {
				// Unblock the reader so it can exit whenever Next returns.
				go func() {
					for range events {
					}
				}()
				log.Error().Str("turn", turn.ID).Msg("cancellation grace period exceeded")
				return o.finalize(ctx, turn, StateFailed, turn.EstimatedCost,
					fmt.Errorf("%w (turn %s)", ErrCancelTimeout, turn.ID))
			}
			turn.Answer = answer.String()
			return o.finalize(ctx, turn, StateCancelled, cancelCost(), nil)

		case sev, ok := <-events:
			if !ok {
				// Stream ended without a Done event or error; settle what ran.
				turn.Answer = answer.String()
				return o.finalize(ctx, turn, StateFailed, partialCost(),
					fmt.Errorf("%w: stream ended without completion", engine.ErrEngine))
			}
			if sev.err != nil {
				turn.Answer = answer.String()
				if ctx.Err() != nil {
					return o.finalize(ctx, turn, StateCancelled, cancelCost(), nil)
				}
				return o.finalize(ctx, turn, StateFailed, partialCost(), sev.err)
			}

			switch sev.ev.Kind {
			case engine.KindToken:
				if turn.State != StateStreaming {
					turn.State = StateStreaming
				}
				tokensOut++
				answer.WriteString(sev.ev.Token)
				if err := sink.SendToken(sev.ev.Token); err != nil {
					stream.Close()
					// Unblock the reader, which may be mid-send.
					go func() {
						for range events {
						}
					}()
					turn.Answer = answer.String()
					return o.finalize(ctx, turn, StateFailed, partialCost(),
						fmt.Errorf("session: client write failed: %w", err))
				}

			case engine.KindToolCall:
				turn.ToolCalls = append(turn.ToolCalls, sev.ev.ToolCall)
				log.Debug().
					Str("turn", turn.ID).
					Str("tool", sev.ev.ToolCall.Name).
					Msg("engine invoked tool")

			case engine.KindDone:
				turn.Answer = answer.String()
				return o.finalize(ctx, turn, StateCompleted, sev.ev.Done.ActualCost, nil)
			}
		}
	}
}

// drainWithin waits for the reader goroutine to finish, bounded by the
// cancellation grace period.
func (o *Orchestrator) drainWithin(events <-chan streamEvent, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

// finalize runs SETTLING and lands on the terminal state. Settlement ignores
// the turn's cancellation: a stop arriving here must not abort it.
func (o *Orchestrator) finalize(ctx context.Context, turn *Turn, terminal State, actualCost float64, terminalErr error) Outcome {
	turn.State = StateSettling
	turn.ActualCost = actualCost

	settleCtx := context.WithoutCancel(ctx)
	if err := o.reconciler.Settle(settleCtx, turn.Reservations, actualCost); err != nil {
		log.Error().Err(err).Str("turn", turn.ID).Msg("settlement incomplete")
	}

	turn.State = terminal
	log.Info().
		Str("turn", turn.ID).
		Str("session", turn.SessionID).
		Str("state", string(terminal)).
		Float64("estimated_cost", turn.EstimatedCost).
		Float64("actual_cost", actualCost).
		Dur("duration", time.Since(turn.StartedAt)).
		Msg("turn finished")

	o.appendTranscript(settleCtx, turn)
	return Outcome{Turn: turn, Err: terminalErr}
}

func (o *Orchestrator) appendTranscript(ctx context.Context, turn *Turn) {
	if o.transcripts == nil {
		return
	}
	rec := transcript.Record{
		TurnID:     turn.ID,
		SessionID:  turn.SessionID,
		Account:    turn.Account,
		Query:      turn.Query,
		Answer:     turn.Answer,
		State:      string(turn.State),
		ActualCost: turn.ActualCost,
		StartedAt:  turn.StartedAt,
		FinishedAt: time.Now(),
	}
	if err := o.transcripts.Append(ctx, rec); err != nil {
		log.Warn().Err(err).Str("turn", turn.ID).Msg("transcript append failed")
	}
}

// buildContext assembles the engine conversation: system prompt (plus the
// account the client is viewing, when given), the bounded tail of prior
// turns (oldest dropped first), then the new query.
func (o *Orchestrator) buildContext(req Request) []engine.Message {
	history := req.History
	maxPrior := o.cfg.ContextTurns * 2 // a turn is a user/assistant pair
	if len(history) > maxPrior {
		history = history[len(history)-maxPrior:]
	}

	messages := make([]engine.Message, 0, len(history)+2)
	if o.system != "" {
		system := o.system
		if req.Account != "" {
			system += "\nThe user is currently viewing account " + req.Account + "."
		}
		messages = append(messages, engine.Message{Role: "system", Content: system})
	}
	messages = append(messages, history...)
	messages = append(messages, engine.Message{Role: "user", Content: req.Query})
	return messages
}

// terminalFor distinguishes a cancelled start from a failed one.
func terminalFor(ctx context.Context, err error) State {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return StateCancelled
	}
	return StateFailed
}

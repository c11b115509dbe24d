// Client-facing WebSocket transport.
//
// DESIGN: One WebSocket connection per chat session. Client frames:
//
//	{"type": "query", "content": "..."}  start a turn
//	{"type": "stop"}                     cancel the active turn
//
// Server frames: a sequence of {"token": "..."} followed by exactly one
// terminal frame per turn: {"complete": true} on success, {"stopped": true}
// after a client stop, or {"error": "..."} (with a retry_after_seconds hint
// for limit rejections). The client never receives silence as the final
// signal for a turn.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ledgerlens/chat-gateway/internal/admission"
	"github.com/ledgerlens/chat-gateway/internal/budgetstore"
	"github.com/ledgerlens/chat-gateway/internal/config"
	"github.com/ledgerlens/chat-gateway/internal/engine"
	"github.com/ledgerlens/chat-gateway/internal/identity"
	"github.com/ledgerlens/chat-gateway/internal/session"
)

// ErrInputTooLarge rejects oversized queries before any downstream work.
var ErrInputTooLarge = errors.New("server: query too large")

// Server handles client WebSocket connections.
type Server struct {
	cfg   config.ServerConfig
	orch  *session.Orchestrator
	store budgetstore.Store
	mux   *http.ServeMux
}

// New creates the transport over an orchestrator. The store is only used by
// the health endpoint.
func New(cfg config.ServerConfig, orch *session.Orchestrator, store budgetstore.Store) *Server {
	s := &Server{cfg: cfg, orch: orch, store: store}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("/chat/ws/{session}", s.handleChat)
	s.mux = mux
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HTTPServer builds the configured http.Server for this transport.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}

// handleHealth reports liveness, including budget-store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.Read(ctx, identity.GlobalCostKey); err != nil {
		health["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if health["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

// clientFrame is a client→server message.
type clientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`

	// Account optionally scopes the query to the ledger account the
	// client is viewing.
	Account string `json:"account,omitempty"`
}

// maxAccountLen bounds the free-form account field.
const maxAccountLen = 255

// serverFrame is a server→client message.
type serverFrame struct {
	Token         string `json:"token,omitempty"`
	Complete      bool   `json:"complete,omitempty"`
	Stopped       bool   `json:"stopped,omitempty"`
	Error         string `json:"error,omitempty"`
	RetryAfterSec int64  `json:"retry_after_seconds,omitempty"`
}

// wsConn serializes frame writes across the reader loop and the turn
// goroutine.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	ctx  context.Context
}

func (c *wsConn) send(f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// SendToken implements session.Sink.
func (c *wsConn) SendToken(token string) error {
	return c.send(serverFrame{Token: token})
}

// activeTurn tracks the in-flight turn on a connection.
type activeTurn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	id := identity.FromRequest(r, sessionID)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}

	connCtx := r.Context()
	ws := &wsConn{conn: conn, ctx: connCtx}

	log.Info().
		Str("session", sessionID).
		Str("fingerprint", id.Fingerprint).
		Msg("chat connection established")

	var (
		history []engine.Message
		active  *activeTurn
	)

	stopActive := func() {
		if active == nil {
			return
		}
		active.cancel()
		<-active.done
		active = nil
	}
	defer func() {
		stopActive()
		conn.Close(websocket.StatusNormalClosure, "")
		log.Info().Str("session", sessionID).Msg("chat connection closed")
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			// Client disconnect; the deferred stop settles any running turn.
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = ws.send(serverFrame{Error: "invalid JSON"})
			continue
		}

		switch frame.Type {
		case "stop":
			stopActive()

		case "query":
			if strings.TrimSpace(frame.Content) == "" {
				_ = ws.send(serverFrame{Error: "content is required"})
				continue
			}
			if len(frame.Content) > s.cfg.MaxQueryBytes {
				log.Warn().Err(ErrInputTooLarge).
					Str("session", sessionID).
					Int("bytes", len(frame.Content)).
					Msg("query rejected")
				_ = ws.send(serverFrame{Error: fmt.Sprintf("query too large (max %d bytes)", s.cfg.MaxQueryBytes)})
				continue
			}
			account := strings.TrimSpace(frame.Account)
			if len(account) > maxAccountLen {
				_ = ws.send(serverFrame{Error: fmt.Sprintf("account too long (max %d characters)", maxAccountLen)})
				continue
			}

			// A new query cancels any still-running turn first, so the
			// connection's history is only ever touched by one turn.
			stopActive()

			turnCtx, cancel := context.WithCancel(connCtx)
			turn := &activeTurn{cancel: cancel, done: make(chan struct{})}
			active = turn

			// The turn runs in the background so the loop keeps reading and
			// a stop frame can interrupt it. History is only read when
			// starting a query, which always follows stopActive's wait on
			// the previous turn, so the append below is race-free.
			priorHistory := history
			go func(query, account string) {
				defer close(turn.done)
				outcome := s.orch.RunTurn(turnCtx, id, session.Request{
					SessionID: sessionID,
					Query:     query,
					Account:   account,
					History:   priorHistory,
				}, ws)
				s.sendTerminal(ws, outcome)
				if outcome.Turn.Answer != "" {
					history = append(priorHistory,
						engine.Message{Role: "user", Content: query},
						engine.Message{Role: "assistant", Content: outcome.Turn.Answer},
					)
				}
			}(frame.Content, account)

		default:
			_ = ws.send(serverFrame{Error: fmt.Sprintf("unknown message type: %q", frame.Type)})
		}
	}
}

// sendTerminal emits the single terminal frame for a finished turn.
func (s *Server) sendTerminal(ws *wsConn, outcome session.Outcome) {
	var frame serverFrame
	switch {
	case outcome.Turn.State == session.StateCancelled:
		frame = serverFrame{Stopped: true}
	case outcome.Err == nil:
		frame = serverFrame{Complete: true}
	default:
		frame = serverFrame{
			Error:         userMessage(outcome.Err),
			RetryAfterSec: ceilSeconds(outcome.RetryAfter),
		}
	}
	if err := ws.send(frame); err != nil {
		log.Debug().Err(err).Str("turn", outcome.Turn.ID).Msg("terminal frame write failed")
	}
}

// userMessage maps internal errors to client-safe text. Limit rejections
// keep their detail (which limit, and the caller gets a retry hint);
// everything else is generic so upstream detail never leaks.
func userMessage(err error) string {
	switch {
	case errors.Is(err, admission.ErrRateLimited), errors.Is(err, admission.ErrBudgetExceeded):
		return strings.TrimPrefix(err.Error(), "admission: ")
	case errors.Is(err, budgetstore.ErrUnavailable):
		return "service temporarily unavailable, please try again"
	case errors.Is(err, engine.ErrUnavailable), errors.Is(err, engine.ErrEngine):
		return "AI service temporarily unavailable, please try again"
	default:
		return "internal server error"
	}
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// OpenAIEngine talks to any OpenAI-compatible chat-completions endpoint.
type OpenAIEngine struct {
	baseURL         string
	apiKey          string
	model           string
	maxOutputTokens int
	timeout         time.Duration
	pricing         ModelPricing
	httpClient      *http.Client
}

var _ Engine = (*OpenAIEngine)(nil)

// OpenAIOption configures OpenAIEngine.
type OpenAIOption func(*OpenAIEngine)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(e *OpenAIEngine) { e.httpClient = c }
}

// NewOpenAIEngine creates an engine client.
func NewOpenAIEngine(baseURL, apiKey, model string, maxOutputTokens int, timeout time.Duration, opts ...OpenAIOption) *OpenAIEngine {
	e := &OpenAIEngine{
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		model:           model,
		maxOutputTokens: maxOutputTokens,
		timeout:         timeout,
		pricing:         PricingFor(model),
		httpClient:      http.DefaultClient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type apiRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// StartTurn opens a streaming completion. The ctx cancels the underlying
// request, which aborts the stream on the next read.
func (e *OpenAIEngine) StartTurn(ctx context.Context, messages []Message) (Stream, error) {
	body, err := json.Marshal(apiRequest{
		Model:         e.model,
		Messages:      messages,
		MaxTokens:     e.maxOutputTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: marshal request: %w", err)
	}

	// The timeout bounds the whole turn, not individual reads.
	turnCtx := ctx
	var cancel context.CancelFunc = func() {}
	if e.timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, e.timeout)
	}

	req, err := http.NewRequestWithContext(turnCtx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, mapStatusError(resp.StatusCode, errBody)
	}

	// Prompt size fallback for upstreams that never report usage.
	promptEstimate := 0
	for _, m := range messages {
		promptEstimate += len(m.Content)/fallbackCharsPerToken + perMessageOverheadTokens
	}

	return &sseStream{
		reader:         bufio.NewReader(resp.Body),
		body:           resp.Body,
		cancel:         cancel,
		ctx:            turnCtx,
		pricing:        e.pricing,
		promptEstimate: promptEstimate,
	}, nil
}

func mapStatusError(status int, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrEngine, status, msg)
	}
}

// sseStream parses server-sent events from a chat-completions response.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	cancel context.CancelFunc
	ctx    context.Context

	pricing        ModelPricing
	promptEstimate int

	usage         *Usage
	deltasSeen    int
	seenToolCalls map[int]bool
	done          bool
	closed        bool
}

// Next returns the next event. The final event of a successful turn is
// KindDone carrying the actual cost; afterwards Next returns io.EOF.
func (s *sseStream) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if s.ctx.Err() != nil {
				return Event{}, s.ctx.Err()
			}
			if err != io.EOF {
				return Event{}, fmt.Errorf("%w: read stream: %v", ErrEngine, err)
			}
			// Upstream closed without [DONE]. ReadString still hands back
			// any unterminated final line; parse it before finalizing cost.
			if strings.TrimSpace(line) == "" {
				return s.finish(), nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return s.finish(), nil
		}

		chunk := gjson.Parse(data)

		if u := chunk.Get("usage"); u.Exists() && u.Type != gjson.Null {
			s.usage = &Usage{
				InputTokens:  int(u.Get("prompt_tokens").Int()),
				OutputTokens: int(u.Get("completion_tokens").Int()),
			}
		}

		delta := chunk.Get("choices.0.delta")

		if tc := delta.Get("tool_calls.0"); tc.Exists() {
			idx := int(tc.Get("index").Int())
			name := tc.Get("function.name").String()
			if name != "" && !s.toolCallSeen(idx) {
				return Event{
					Kind: KindToolCall,
					ToolCall: ToolCall{
						Name:      name,
						Arguments: tc.Get("function.arguments").String(),
					},
				}, nil
			}
			continue
		}

		if content := delta.Get("content").String(); content != "" {
			s.deltasSeen++
			return Event{Kind: KindToken, Token: content}, nil
		}
	}
}

func (s *sseStream) toolCallSeen(idx int) bool {
	if s.seenToolCalls == nil {
		s.seenToolCalls = make(map[int]bool)
	}
	if s.seenToolCalls[idx] {
		return true
	}
	s.seenToolCalls[idx] = true
	return false
}

// finish emits the terminal KindDone event with actual cost. When the
// upstream never reported usage, cost falls back to a local approximation
// (one token per content delta plus the prompt estimate).
func (s *sseStream) finish() Event {
	s.done = true
	usage := Usage{InputTokens: s.promptEstimate, OutputTokens: s.deltasSeen}
	if s.usage != nil {
		usage = *s.usage
	}
	return Event{Kind: KindDone, Done: Done{
		ActualCost: CalculateCost(usage, s.pricing),
		Usage:      usage,
	}}
}

// Close aborts the stream. Safe to call concurrently with Next returning.
func (s *sseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.body.Close()
}

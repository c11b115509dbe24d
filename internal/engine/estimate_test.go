package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// The estimator may or may not find a tokenizer for the model, so these
// tests assert relations rather than exact token counts.

func TestEstimateCost_IsWorstCase(t *testing.T) {
	e := NewEstimator("gpt-4o-mini", 2048)
	messages := []Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "What is account 0.0.123?"},
	}

	estimate := e.EstimateCost(messages)
	assert.Greater(t, estimate, 0.0)

	// Any real turn stops at or below the output ceiling, so its partial
	// cost can never exceed the admission estimate.
	assert.LessOrEqual(t, e.PartialCost(messages, 0), estimate)
	assert.LessOrEqual(t, e.PartialCost(messages, 500), estimate)
	assert.Equal(t, estimate, e.PartialCost(messages, 2048))
}

func TestEstimateCost_GrowsWithContext(t *testing.T) {
	e := NewEstimator("gpt-4o-mini", 2048)

	short := e.EstimateCost([]Message{{Role: "user", Content: "hi"}})
	long := e.EstimateCost([]Message{
		{Role: "user", Content: strings.Repeat("transaction history please ", 200)},
		{Role: "assistant", Content: strings.Repeat("here are your transactions ", 200)},
		{Role: "user", Content: "and the next page?"},
	})
	assert.Greater(t, long, short)
}

func TestPartialCost_GrowsWithOutput(t *testing.T) {
	e := NewEstimator("gpt-4o-mini", 2048)
	messages := []Message{{Role: "user", Content: "hello"}}

	none := e.PartialCost(messages, 0)
	some := e.PartialCost(messages, 100)
	assert.Greater(t, some, none)
	assert.Greater(t, none, 0.0, "input tokens alone already cost money")
}

func TestEstimator_UnknownModelFallsBack(t *testing.T) {
	e := NewEstimator("experimental-llm-9000", 1000)

	// chars/4 heuristic plus per-message overhead, priced conservatively.
	estimate := e.EstimateCost([]Message{{Role: "user", Content: strings.Repeat("a", 400)}})
	wantUsage := Usage{InputTokens: 100 + perMessageOverheadTokens, OutputTokens: 1000}
	assert.InDelta(t, CalculateCost(wantUsage, defaultPricing), estimate, 1e-9)
}

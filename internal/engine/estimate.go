package engine

import (
	"github.com/pkoukk/tiktoken-go"
)

// fallbackCharsPerToken approximates tokens when no tokenizer is available
// for the model.
const fallbackCharsPerToken = 4

// perMessageOverheadTokens covers role markers and message framing.
const perMessageOverheadTokens = 4

// Estimator produces the conservative upper-bound cost estimate that
// admission reserves before a turn runs. The estimate deliberately
// overshoots: input is counted exactly where the tokenizer allows, and
// output is priced at the configured ceiling, so the actual cost settled
// later is almost always lower and never exposes the budget to an
// under-reservation.
type Estimator struct {
	model           string
	maxOutputTokens int
	pricing         ModelPricing
	encoding        *tiktoken.Tiktoken // nil when the model has no tokenizer
}

// NewEstimator creates an estimator for the configured model.
func NewEstimator(model string, maxOutputTokens int) *Estimator {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = nil
	}
	return &Estimator{
		model:           model,
		maxOutputTokens: maxOutputTokens,
		pricing:         PricingFor(model),
		encoding:        enc,
	}
}

// EstimateCost returns the worst-case USD cost of a turn over the given
// conversation context.
func (e *Estimator) EstimateCost(messages []Message) float64 {
	usage := Usage{
		InputTokens:  e.countInput(messages),
		OutputTokens: e.maxOutputTokens,
	}
	return CalculateCost(usage, e.pricing)
}

// PartialCost approximates the cost actually incurred by a turn that ended
// before the engine reported usage: the full input plus the output tokens
// streamed so far. Used for cancellation and mid-stream failure settlement.
func (e *Estimator) PartialCost(messages []Message, outputTokens int) float64 {
	usage := Usage{
		InputTokens:  e.countInput(messages),
		OutputTokens: outputTokens,
	}
	return CalculateCost(usage, e.pricing)
}

func (e *Estimator) countInput(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += e.countText(m.Content) + perMessageOverheadTokens
	}
	return total
}

func (e *Estimator) countText(s string) int {
	if e.encoding != nil {
		return len(e.encoding.Encode(s, nil, nil))
	}
	return len(s) / fallbackCharsPerToken
}

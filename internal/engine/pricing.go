package engine

import "strings"

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMTok  float64 // USD per million input tokens
	OutputPerMTok float64 // USD per million output tokens
}

// modelPricingTable maps model names to their pricing.
var modelPricingTable = map[string]ModelPricing{
	"gpt-4o":                 {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-2024-11-20":      {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-mini":            {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o-mini-2024-07-18": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":                {InputPerMTok: 2, OutputPerMTok: 8},
	"gpt-4.1-mini":           {InputPerMTok: 0.4, OutputPerMTok: 1.6},

	"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku-4-5":  {InputPerMTok: 1, OutputPerMTok: 5},
}

// modelFamilyPricing maps model family prefixes to pricing. Longest prefix
// wins in lookup so "gpt-4o-mini" is not priced as "gpt-4o".
var modelFamilyPricing = map[string]ModelPricing{
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":        {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4.1-mini":  {InputPerMTok: 0.4, OutputPerMTok: 1.6},
	"gpt-4.1":       {InputPerMTok: 2, OutputPerMTok: 8},
	"gpt-4":         {InputPerMTok: 10, OutputPerMTok: 30},
	"claude-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku":  {InputPerMTok: 1, OutputPerMTok: 5},
}

// defaultPricing is used for unknown models (conservative to prevent silent
// overspend against the budget).
var defaultPricing = ModelPricing{InputPerMTok: 15, OutputPerMTok: 75}

// PricingFor returns pricing for a model. Tries exact match, then
// prefix/family match (longest prefix wins), then the conservative default.
func PricingFor(model string) ModelPricing {
	if p, ok := modelPricingTable[model]; ok {
		return p
	}

	bestPrefix := ""
	var bestPricing ModelPricing
	for prefix, p := range modelFamilyPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestPricing = p
		}
	}
	if bestPrefix != "" {
		return bestPricing
	}

	return defaultPricing
}

// CalculateCost computes the USD cost of a turn from token counts.
func CalculateCost(usage Usage, pricing ModelPricing) float64 {
	inputCost := float64(usage.InputTokens) / 1_000_000 * pricing.InputPerMTok
	outputCost := float64(usage.OutputTokens) / 1_000_000 * pricing.OutputPerMTok
	return inputCost + outputCost
}

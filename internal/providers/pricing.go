package providers

import "strings"

// Pricing holds USD rates per 1K tokens.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost returns the input and output cost of a call.
func (p Pricing) Cost(inputTokens, outputTokens int) (float64, float64) {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return (float64(inputTokens) / 1000) * p.InputPer1K, (float64(outputTokens) / 1000) * p.OutputPer1K
}

type pricingRule struct {
	prefix string
	rates  Pricing
}

// pricingTable resolves exact model names first, then the longest listed
// prefix (rules are ordered most specific first).
type pricingTable struct {
	exact    map[string]Pricing
	prefixes []pricingRule
}

func (t pricingTable) lookup(model string) (Pricing, bool) {
	model = strings.TrimSpace(strings.ToLower(model))
	if model == "" {
		return Pricing{}, false
	}
	if rates, ok := t.exact[model]; ok {
		return rates, true
	}
	for _, rule := range t.prefixes {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.rates, true
		}
	}
	return Pricing{}, false
}

// EstimateCost returns the total USD cost of a call, or 0 for unknown models.
func EstimateCost(p Provider, model string, inputTokens, outputTokens int) float64 {
	if p == nil {
		return 0
	}
	rates, ok := p.Pricing(model)
	if !ok {
		return 0
	}
	input, output := rates.Cost(inputTokens, outputTokens)
	return input + output
}

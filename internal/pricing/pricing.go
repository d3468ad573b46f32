// Package pricing maps models to per-token prices and derives request
// costs from token usage. Costs feed THRESHOLD guardrails and audit
// records; cache hits cost zero by construction since no tokens are spent.
package pricing

import (
	"strings"

	"piigate/internal/core"
)

// modelPrice is USD per million tokens.
type modelPrice struct {
	inputPerMTok  float64
	outputPerMTok float64
}

// Table resolves model pricing from a static table. Lookup falls back to
// prefix matching so dated snapshots (gpt-4o-2024-08-06) price like their
// base model.
type Table struct {
	prices map[string]modelPrice
}

// NewTable returns a table seeded with common OpenAI-compatible models.
func NewTable() *Table {
	return &Table{prices: map[string]modelPrice{
		"gpt-4o":                 {inputPerMTok: 2.50, outputPerMTok: 10.00},
		"gpt-4o-mini":            {inputPerMTok: 0.15, outputPerMTok: 0.60},
		"gpt-4-turbo":            {inputPerMTok: 10.00, outputPerMTok: 30.00},
		"gpt-4":                  {inputPerMTok: 30.00, outputPerMTok: 60.00},
		"gpt-3.5-turbo":          {inputPerMTok: 0.50, outputPerMTok: 1.50},
		"text-embedding-3-small": {inputPerMTok: 0.02},
		"text-embedding-3-large": {inputPerMTok: 0.13},
	}}
}

// WithModel adds or overrides one model's pricing.
func (t *Table) WithModel(model string, inputPerMTok, outputPerMTok float64) *Table {
	t.prices[model] = modelPrice{inputPerMTok: inputPerMTok, outputPerMTok: outputPerMTok}
	return t
}

// Pricing implements core.PricingResolver.
func (t *Table) Pricing(model string) (inputPerMTok, outputPerMTok float64, ok bool) {
	if p, found := t.prices[model]; found {
		return p.inputPerMTok, p.outputPerMTok, true
	}
	// Longest matching prefix, so gpt-4o-2024-08-06 resolves to gpt-4o
	// rather than gpt-4.
	var bestKey string
	for key := range t.prices {
		if strings.HasPrefix(model, key) && len(key) > len(bestKey) {
			bestKey = key
		}
	}
	if bestKey == "" {
		return 0, 0, false
	}
	p := t.prices[bestKey]
	return p.inputPerMTok, p.outputPerMTok, true
}

// Cost computes the USD cost of a usage report against the table. Unknown
// models cost zero.
func Cost(resolver core.PricingResolver, model string, usage core.Usage) float64 {
	in, out, ok := resolver.Pricing(model)
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)*in/1e6 + float64(usage.CompletionTokens)*out/1e6
}

package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"piigate/internal/core"
)

func TestPricingLookup(t *testing.T) {
	table := NewTable()

	in, out, ok := table.Pricing("gpt-4o")
	assert.True(t, ok)
	assert.Equal(t, 2.50, in)
	assert.Equal(t, 10.00, out)

	_, _, ok = table.Pricing("unknown-model")
	assert.False(t, ok)
}

func TestPricingPrefixFallback(t *testing.T) {
	table := NewTable()

	// Dated snapshot resolves to the longest matching base model.
	in, _, ok := table.Pricing("gpt-4o-2024-08-06")
	assert.True(t, ok)
	assert.Equal(t, 2.50, in)

	// gpt-4o-mini-suffixed must not resolve to gpt-4o.
	in, _, ok = table.Pricing("gpt-4o-mini-2024-07-18")
	assert.True(t, ok)
	assert.Equal(t, 0.15, in)
}

func TestCost(t *testing.T) {
	table := NewTable()

	usage := core.Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000}
	got := Cost(table, "gpt-4o", usage)
	assert.InDelta(t, 2.50+5.00, got, 1e-9)

	assert.Zero(t, Cost(table, "unknown-model", usage))
	assert.Zero(t, Cost(table, "gpt-4o", core.Usage{}))
}

func TestWithModelOverride(t *testing.T) {
	table := NewTable().WithModel("custom-model", 1.0, 2.0)

	in, out, ok := table.Pricing("custom-model")
	assert.True(t, ok)
	assert.Equal(t, 1.0, in)
	assert.Equal(t, 2.0, out)
}

package catalog

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	got, err := Canonical("openai_response")
	require.NoError(t, err)
	assert.Equal(t, ServiceOpenAI, got)

	got, err = Canonical("anthropic")
	require.NoError(t, err)
	assert.Equal(t, ServiceAnthropic, got)

	_, err = Canonical("cohere")
	assert.Error(t, err)
}

func TestOpenAICompatible(t *testing.T) {
	assert.True(t, OpenAICompatible(ServiceGroq))
	assert.True(t, OpenAICompatible(ServiceAIML))
	assert.False(t, OpenAICompatible(ServiceOpenAI))
	assert.False(t, OpenAICompatible(ServiceGemini))
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputPerM: 2, OutputPerM: 8, CachedPerM: 1, CacheReadPerM: 0.5, CacheWritePerM: 2.5}

	t.Run("cached tokens bill on top of full input", func(t *testing.T) {
		// 1M input of which 400k cached, 100k output.
		got := p.Cost(1_000_000, 100_000, 400_000, 0, 0, 0)
		want := 1.0*2 + 0.4*1 + 0.1*8
		assert.InDelta(t, want, got, 1e-9)
	})

	t.Run("no discount for the cached portion", func(t *testing.T) {
		q := Pricing{InputPerM: 10, CachedPerM: 1}
		got := q.Cost(1000, 0, 400, 0, 0, 0)
		assert.InDelta(t, 0.0104, got, 1e-12)
	})

	t.Run("reasoning bills at output rate", func(t *testing.T) {
		base := p.Cost(1000, 1000, 0, 0, 0, 0)
		withReasoning := p.Cost(1000, 1000, 0, 500, 0, 0)
		assert.InDelta(t, float64(500)*8/1_000_000, withReasoning-base, 1e-12)
	})

	t.Run("anthropic cache rows", func(t *testing.T) {
		got := p.Cost(0, 0, 0, 0, 2_000_000, 1_000_000)
		assert.InDelta(t, 2*0.5+1*2.5, got, 1e-9)
	})
}

func TestPricingCostProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	props := gopter.NewProperties(parameters)

	tokens := gen.IntRange(0, 10_000_000)
	rates := gen.Float64Range(0, 100)

	props.Property("cost is non-negative and monotone in output", prop.ForAll(
		func(in, out, cached int, ir, or float64) bool {
			p := Pricing{InputPerM: ir, OutputPerM: or}
			a := p.Cost(in, out, cached, 0, 0, 0)
			b := p.Cost(in, out+1000, cached, 0, 0, 0)
			return a >= 0 && b >= a
		},
		tokens, tokens, tokens, rates, rates,
	))

	props.Property("cached tokens bill additively at the cached rate", prop.ForAll(
		func(in, cached int, ir float64) bool {
			p := Pricing{InputPerM: ir, CachedPerM: ir / 2}
			withCache := p.Cost(in, 0, cached, 0, 0, 0)
			noCache := p.Cost(in, 0, 0, 0, 0, 0)
			extra := float64(cached) * (ir / 2) / 1_000_000
			return withCache >= noCache && withCache-noCache <= extra+1e-9
		},
		tokens, tokens, rates,
	))

	props.TestingRun(t)
}

func TestSnapshot(t *testing.T) {
	snap := NewSnapshot([]*ModelConfig{
		{Service: ServiceOpenAI, Model: "gpt-4o"},
		{Service: ServiceOpenAI, Model: "gpt-4o-mini"},
		{Service: ServiceAnthropic, Model: "claude-sonnet-4"},
		nil,
		{Service: ServiceGemini, Model: ""},
	})
	require.Equal(t, 3, snap.Len())

	mc, err := snap.Lookup(ServiceOpenAI, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", mc.Model)

	_, err = snap.Lookup(ServiceAnthropic, "gpt-4o")
	assert.Error(t, err)

	models := snap.Models(ServiceOpenAI)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o", models[0].Model)

	snap.Replace([]*ModelConfig{{Service: ServiceGroq, Model: "llama-3.3-70b"}})
	assert.Equal(t, 1, snap.Len())
	_, err = snap.Lookup(ServiceOpenAI, "gpt-4o")
	assert.Error(t, err)
}

package selector

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcowger/plexus/internal/config"
)

func candidates() []Candidate {
	return []Candidate{
		{Target: config.Target{Provider: "a", Model: "m", Enabled: true}},
		{Target: config.Target{Provider: "b", Model: "m", Enabled: true}},
	}
}

func TestSelect_InOrderReturnsFirstUnattempted(t *testing.T) {
	cands := candidates()
	ctx := Context{PreviousAttempts: map[string]bool{"a\x00m": true}}

	got := Select(cands, config.SelectorInOrder, ctx)
	require.NotNil(t, got)
	require.Equal(t, "b", got.Provider)
}

func TestSelect_InOrderFirstWhenNoneAttempted(t *testing.T) {
	cands := candidates()
	got := Select(cands, config.SelectorInOrder, Context{})
	require.Equal(t, "a", got.Provider)
}

func TestSelect_ReturnsNilWhenAllAttempted(t *testing.T) {
	cands := candidates()
	ctx := Context{PreviousAttempts: map[string]bool{"a\x00m": true, "b\x00m": true}}
	require.Nil(t, Select(cands, config.SelectorInOrder, ctx))
}

func TestSelect_RandomReturnsOneOfTargets(t *testing.T) {
	cands := candidates()
	ctx := Context{Rand: rand.New(rand.NewSource(1))}
	got := Select(cands, config.SelectorRandom, ctx)
	require.Contains(t, []string{"a", "b"}, got.Provider)
}

func TestSelect_CostPrefersCheaperTarget(t *testing.T) {
	cands := []Candidate{
		{Target: config.Target{Provider: "expensive", Model: "m", Enabled: true},
			ModelConfig: config.ModelConfig{Pricing: config.Pricing{Kind: config.PricingSimple, Input: 10, Output: 10}}},
		{Target: config.Target{Provider: "cheap", Model: "m", Enabled: true},
			ModelConfig: config.ModelConfig{Pricing: config.Pricing{Kind: config.PricingSimple, Input: 1, Output: 1}}},
	}

	got := Select(cands, config.SelectorCost, Context{})
	require.Equal(t, "cheap", got.Provider)
}

func TestSelect_CostTieBreaksAlphabetically(t *testing.T) {
	cands := []Candidate{
		{Target: config.Target{Provider: "zeta", Model: "m", Enabled: true},
			ModelConfig: config.ModelConfig{Pricing: config.Pricing{Kind: config.PricingSimple, Input: 1, Output: 1}}},
		{Target: config.Target{Provider: "alpha", Model: "m", Enabled: true},
			ModelConfig: config.ModelConfig{Pricing: config.Pricing{Kind: config.PricingSimple, Input: 1, Output: 1}}},
	}

	got := Select(cands, config.SelectorCost, Context{})
	require.Equal(t, "alpha", got.Provider)
}

func TestSelect_DeterministicForFixedInputs(t *testing.T) {
	cands := []Candidate{
		{Target: config.Target{Provider: "a", Model: "m", Enabled: true},
			ModelConfig: config.ModelConfig{Pricing: config.Pricing{Kind: config.PricingSimple, Input: 5, Output: 5}}},
		{Target: config.Target{Provider: "b", Model: "m", Enabled: true},
			ModelConfig: config.ModelConfig{Pricing: config.Pricing{Kind: config.PricingSimple, Input: 1, Output: 1}}},
	}

	first := Select(cands, config.SelectorCost, Context{})
	second := Select(cands, config.SelectorCost, Context{})
	require.Equal(t, first.Provider, second.Provider)
}

func TestSelect_WeightedPrefersHeavierTarget(t *testing.T) {
	heavy := 100.0
	light := 0.0001
	cands := []Candidate{
		{Target: config.Target{Provider: "heavy", Model: "m", Enabled: true, Weight: &heavy}},
		{Target: config.Target{Provider: "light", Model: "m", Enabled: true, Weight: &light}},
	}
	ctx := Context{Rand: rand.New(rand.NewSource(42))}

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		got := Select(cands, config.SelectorWeighted, ctx)
		counts[got.Provider]++
	}
	require.Greater(t, counts["heavy"], counts["light"])
}

package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mcowger/plexus/internal/config"
)

// TestCalculate_SimplePricing verifies scenario 7 / P4 from spec.md §8.
func TestCalculate_SimplePricing(t *testing.T) {
	p := config.Pricing{Kind: config.PricingSimple, Input: 3.0, Output: 15.0, Cached: 0.3}
	tokens := Tokens{Input: 2000, Output: 500, Cached: 200}

	b := Calculate(tokens, p, nil, nil)

	require.InDelta(t, 0.006, b.Input, 1e-8)
	require.InDelta(t, 0.0075, b.Output, 1e-8)
	require.InDelta(t, 0.00006, b.Cached, 1e-8)
	require.InDelta(t, 0.01356, b.Total, 1e-8)
	require.InDelta(t, b.Total, b.Input+b.Output+b.Cached+b.CacheWrite, 1e-8)
}

// TestCalculate_PerRequest verifies P5: costTotal == amount regardless of
// token counts, discount ignored.
func TestCalculate_PerRequest(t *testing.T) {
	p := config.Pricing{Kind: config.PricingPerRequest, Amount: 0.05}
	discount := 0.5

	b := Calculate(Tokens{Input: 999999, Output: 999999}, p, &discount, nil)

	require.Equal(t, 0.05, b.Total)
	require.Equal(t, 0.05, b.Input)
	require.Equal(t, 0.0, b.Output)
	require.Equal(t, 0.0, b.Cached)
}

func TestCalculate_PerRequestZeroAmountYieldsZeroTotal(t *testing.T) {
	// Calculator itself doesn't validate; config.Validate rejects a
	// negative amount (see internal/config/validate_test.go). This test
	// checks that a zero amount yields a zero total.
	p := config.Pricing{Kind: config.PricingPerRequest, Amount: 0}
	b := Calculate(Tokens{}, p, nil, nil)
	require.Equal(t, 0.0, b.Total)
}

func TestCalculate_DefinedPricingChoosesFirstMatchingTier(t *testing.T) {
	p := config.Pricing{
		Kind: config.PricingDefined,
		Range: []config.PricingRange{
			{Lower: 0, Upper: 1000, InputPerM: 1, OutputPerM: 2},
			{Lower: 1001, Upper: 10000, InputPerM: 0.5, OutputPerM: 1},
		},
	}

	b := Calculate(Tokens{Input: 5000, Output: 1000}, p, nil, nil)

	require.InDelta(t, 0.0025, b.Input, 1e-8) // 5000/1e6 * 0.5
	require.InDelta(t, 0.001, b.Output, 1e-8) // 1000/1e6 * 1
	require.Equal(t, int64(1001), b.Metadata["tier_lower"])
}

func TestCalculate_DefinedPricingNoMatchingTierYieldsDefault(t *testing.T) {
	p := config.Pricing{
		Kind:  config.PricingDefined,
		Range: []config.PricingRange{{Lower: 0, Upper: 100, InputPerM: 1, OutputPerM: 2}},
	}

	b := Calculate(Tokens{Input: 999}, p, nil, nil)
	require.Equal(t, "default", b.Source)
	require.Equal(t, 0.0, b.Total)
}

func TestCalculate_OpenRouterAppliesDiscountAndCacheReadRate(t *testing.T) {
	p := config.Pricing{Kind: config.PricingOpenRouter, Slug: "acme/model"}
	lookup := func(slug string) (OpenRouterRate, bool) {
		require.Equal(t, "acme/model", slug)
		return OpenRouterRate{
			InputPerToken:      decimal.NewFromFloat(0.000003),
			OutputPerToken:     decimal.NewFromFloat(0.000015),
			InputCacheReadRate: decimal.NewFromFloat(0.0000003),
		}, true
	}
	discount := 0.1

	b := Calculate(Tokens{Input: 1000, Output: 1000, Cached: 1000}, p, &discount, lookup)

	require.InDelta(t, 0.0027, b.Input, 1e-8)   // 1000*0.000003*0.9
	require.InDelta(t, 0.0135, b.Output, 1e-8)  // 1000*0.000015*0.9
	require.InDelta(t, 0.00027, b.Cached, 1e-8) // 1000*0.0000003*0.9
}

func TestCalculate_UnknownPricingYieldsAllZeroDefault(t *testing.T) {
	b := Calculate(Tokens{Input: 100, Output: 100}, config.Pricing{}, nil, nil)
	require.Equal(t, "default", b.Source)
	require.Equal(t, 0.0, b.Total)
	require.Equal(t, 0.0, b.Input)
}

// Package pricing implements the Pricing & Cost Calculator:
// applying a provider's pricing table to token counts and emitting a cost
// breakdown. Arithmetic runs on github.com/shopspring/decimal rather than
// float64 so the 8-decimal rounding discipline in /§4.5 holds
// exactly instead of accumulating binary-float rounding error across many
// small per-token costs.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/mcowger/plexus/internal/config"
)

// Tokens is the token-count input to a cost calculation.
type Tokens struct {
	Input      int64
	Output     int64
	Cached     int64
	CacheWrite int64
}

// Breakdown is the computed cost, rounded to 8 decimals, plus provenance.
type Breakdown struct {
	Input      float64
	Output     float64
	Cached     float64
	CacheWrite float64
	Total      float64
	Source     string
	Metadata   map[string]any
}

// OpenRouterRate is one entry a pricing table lookup returns for an
// "openrouter" pricing slug — per-token string rates as OpenRouter's API
// reports them.
type OpenRouterRate struct {
	InputPerToken      decimal.Decimal
	OutputPerToken     decimal.Decimal
	InputCacheReadRate decimal.Decimal
}

// OpenRouterLookup resolves a pricing slug to a rate table entry. The
// concrete table (refreshed from OpenRouter's catalog) is an external
// collaborator; Calculator only needs the resolved rate.
type OpenRouterLookup func(slug string) (OpenRouterRate, bool)

const eightDecimals = 8

func round8(d decimal.Decimal) float64 {
	f, _ := d.Round(eightDecimals).Float64()
	return f
}

// Calculate applies pricing to tokens, honoring an optional provider
// discount, and returns a cost Breakdown. When pricing is the zero value
// (Kind == ""), every field is zero and Source is "default".
func Calculate(tokens Tokens, p config.Pricing, providerDiscount *float64, lookup OpenRouterLookup) Breakdown {
	switch p.Kind {
	case config.PricingSimple:
		return calcSimple(tokens, p, providerDiscount)
	case config.PricingDefined:
		return calcDefined(tokens, p, providerDiscount)
	case config.PricingOpenRouter:
		return calcOpenRouter(tokens, p, providerDiscount, lookup)
	case config.PricingPerRequest:
		return calcPerRequest(p)
	default:
		return Breakdown{Source: "default"}
	}
}

func applyDiscount(d decimal.Decimal, discount *float64) decimal.Decimal {
	if discount == nil {
		return d
	}
	factor := decimal.NewFromFloat(1 - *discount)
	return d.Mul(factor)
}

func perMillion(count int64, ratePerM float64) decimal.Decimal {
	return decimal.NewFromInt(count).
		Div(decimal.NewFromInt(1_000_000)).
		Mul(decimal.NewFromFloat(ratePerM))
}

func calcSimple(tokens Tokens, p config.Pricing, discount *float64) Breakdown {
	input := applyDiscount(perMillion(tokens.Input, p.Input), discount)
	output := applyDiscount(perMillion(tokens.Output, p.Output), discount)
	cached := applyDiscount(perMillion(tokens.Cached, p.Cached), discount)
	total := input.Add(output).Add(cached)

	return Breakdown{
		Input:  round8(input),
		Output: round8(output),
		Cached: round8(cached),
		Total:  round8(total),
		Source: "simple",
	}
}

func calcDefined(tokens Tokens, p config.Pricing, discount *float64) Breakdown {
	var tier *config.PricingRange
	for i := range p.Range {
		r := p.Range[i]
		if tokens.Input >= r.Lower && tokens.Input <= r.Upper {
			tier = &p.Range[i]
			break
		}
	}
	if tier == nil {
		return Breakdown{Source: "default"}
	}

	input := applyDiscount(perMillion(tokens.Input, tier.InputPerM), discount)
	output := applyDiscount(perMillion(tokens.Output, tier.OutputPerM), discount)
	total := input.Add(output)

	return Breakdown{
		Input:  round8(input),
		Output: round8(output),
		Total:  round8(total),
		Source: "defined",
		Metadata: map[string]any{
			"tier_lower": tier.Lower,
			"tier_upper": tier.Upper,
		},
	}
}

func calcOpenRouter(tokens Tokens, p config.Pricing, discount *float64, lookup OpenRouterLookup) Breakdown {
	if lookup == nil {
		return Breakdown{Source: "default"}
	}
	rate, ok := lookup(p.Slug)
	if !ok {
		return Breakdown{Source: "default"}
	}

	// The pricing entry's own discount field, when present, overrides the
	// provider-level discount argument for this pricing kind.
	effectiveDiscount := discount
	if p.Discount != nil {
		effectiveDiscount = p.Discount
	}

	input := applyDiscount(decimal.NewFromInt(tokens.Input).Mul(rate.InputPerToken), effectiveDiscount)
	output := applyDiscount(decimal.NewFromInt(tokens.Output).Mul(rate.OutputPerToken), effectiveDiscount)
	cached := applyDiscount(decimal.NewFromInt(tokens.Cached).Mul(rate.InputCacheReadRate), effectiveDiscount)
	total := input.Add(output).Add(cached)

	return Breakdown{
		Input:  round8(input),
		Output: round8(output),
		Cached: round8(cached),
		Total:  round8(total),
		Source: "openrouter",
		Metadata: map[string]any{"slug": p.Slug},
	}
}

func calcPerRequest(p config.Pricing) Breakdown {
	// Discount is ignored for per_request pricing.
	amount := round8(decimal.NewFromFloat(p.Amount))
	return Breakdown{
		Input:  amount,
		Output: 0,
		Cached: 0,
		Total:  amount,
		Source: "per_request",
	}
}

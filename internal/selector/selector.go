// Package selector implements the Target Selector: choosing
// one healthy target per alias according to a configured strategy.
package selector

import (
	"math/rand"
	"sort"
	"time"

	"github.com/mcowger/plexus/internal/config"
	"github.com/mcowger/plexus/internal/perf"
	"github.com/mcowger/plexus/internal/pricing"
)

// Candidate is a routable target enriched with the model configuration
// the cost/latency strategies need.
type Candidate struct {
	config.Target
	ModelConfig config.ModelConfig
}

func attemptKey(c Candidate) string {
	return c.Provider + "\x00" + c.Model
}

// Context carries attempt history and the performance snapshot a
// selector may consult.
type Context struct {
	PreviousAttempts map[string]bool
	Perf             *perf.Store
	Now              time.Time
	Rand             *rand.Rand
}

func (c Context) rng() *rand.Rand {
	if c.Rand != nil {
		return c.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func (c Context) attempted(cand Candidate) bool {
	return c.PreviousAttempts != nil && c.PreviousAttempts[attemptKey(cand)]
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

// Select applies strategy over candidates, excluding ones already present
// in ctx.PreviousAttempts, and returns nil when every candidate has been
// attempted.
func Select(candidates []Candidate, strategy config.SelectorStrategy, ctx Context) *Candidate {
	remaining := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !ctx.attempted(c) {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	switch strategy {
	case config.SelectorInOrder:
		return &remaining[0]
	case config.SelectorWeighted:
		return selectWeighted(remaining, ctx)
	case config.SelectorCost:
		return selectByMin(remaining, ctx, costPerToken, tiebreakAlphabetical)
	case config.SelectorLatency:
		return selectByMin(remaining, ctx, latencyP95, tiebreakRandom)
	case config.SelectorPerformance:
		return selectByMin(remaining, ctx, perRequestPerformance, tiebreakRandom)
	case config.SelectorRandom, "":
		return selectRandom(remaining, ctx)
	default:
		return selectRandom(remaining, ctx)
	}
}

func selectRandom(candidates []Candidate, ctx Context) *Candidate {
	hasWeight := false
	for _, c := range candidates {
		if c.Weight != nil {
			hasWeight = true
			break
		}
	}
	if hasWeight {
		return selectWeighted(candidates, ctx)
	}
	idx := ctx.rng().Intn(len(candidates))
	return &candidates[idx]
}

func selectWeighted(candidates []Candidate, ctx Context) *Candidate {
	var total float64
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		w := 1.0
		if c.Weight != nil {
			w = *c.Weight
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return &candidates[0]
	}

	r := ctx.rng().Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r <= cum {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}

// metricFunc returns a comparable score for a candidate (lower is
// better) and whether the metric could be computed at all; candidates
// without a computable metric are deprioritized, not excluded.
type metricFunc func(Candidate, Context) (float64, bool)

// tiebreakMode resolves ties among candidates with an identical score.
type tiebreakMode int

const (
	tiebreakAlphabetical tiebreakMode = iota
	tiebreakRandom
)

func selectByMin(candidates []Candidate, ctx Context, metric metricFunc, tiebreak tiebreakMode) *Candidate {
	type scored struct {
		cand  Candidate
		score float64
		known bool
	}
	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		score, known := metric(c, ctx)
		scoredList[i] = scored{cand: c, score: score, known: known}
	}

	// Deterministic ordering for non-random strategies: sort by (known desc, score asc, provider asc);
	// the provider-asc leg is itself the alphabetical tiebreak.
	sort.SliceStable(scoredList, func(i, j int) bool {
		a, b := scoredList[i], scoredList[j]
		if a.known != b.known {
			return a.known // known metrics sort before unknown
		}
		if a.known && a.score != b.score {
			return a.score < b.score
		}
		return a.cand.Provider < b.cand.Provider
	})

	if tiebreak == tiebreakAlphabetical || len(scoredList) == 1 {
		return &scoredList[0].cand
	}

	// tiebreakRandom: find the run of candidates tied with the best score
	// (or all-unknown candidates) and pick uniformly among them.
	best := scoredList[0]
	tied := []Candidate{best.cand}
	for _, s := range scoredList[1:] {
		if s.known == best.known && (!best.known || s.score == best.score) {
			tied = append(tied, s.cand)
		} else {
			break
		}
	}
	if len(tied) == 1 {
		return &tied[0]
	}
	idx := ctx.rng().Intn(len(tied))
	return &tied[idx]
}

func costPerToken(c Candidate, _ Context) (float64, bool) {
	b := pricing.Calculate(pricing.Tokens{Input: 1_000_000, Output: 1_000_000}, c.ModelConfig.Pricing, nil, nil)
	if b.Source == "default" {
		return 0, false
	}
	return b.Total, true
}

func latencyP95(c Candidate, ctx Context) (float64, bool) {
	if ctx.Perf == nil {
		return 0, false
	}
	return ctx.Perf.Percentile(c.Provider, c.Model, perf.MetricDuration, 95, ctx.now())
}

func perRequestPerformance(c Candidate, ctx Context) (float64, bool) {
	if ctx.Perf == nil {
		return 0, false
	}
	duration, ok1 := ctx.Perf.Mean(c.Provider, c.Model, perf.MetricDuration, ctx.now())
	tokens, ok2 := ctx.Perf.Mean(c.Provider, c.Model, perf.MetricTotalTokens, ctx.now())
	if !ok1 || !ok2 || tokens == 0 {
		return 0, false
	}
	return duration / tokens, true
}

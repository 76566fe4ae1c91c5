// Package usageinspect implements the Usage Inspector: a side-effect-only
// reader of a response byte stream that extracts token usage, tracks
// time-to-first-token, imputes Anthropic reasoning tokens when the
// provider doesn't report them, and hands the result to the Pricing &
// Cost Calculator and the usage/performance stores. It never modifies
// the bytes it observes.
package usageinspect

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mcowger/plexus/internal/sse"
	"github.com/mcowger/plexus/internal/tokencount"
	"github.com/mcowger/plexus/internal/transformer"
	"github.com/mcowger/plexus/internal/unified"
)

// cumulativeDialects report usage as a running total each event (last
// value wins, via max); messages reports additive partial deltas instead.
var cumulativeDialects = map[string]bool{
	transformer.DialectChat:   true,
	transformer.DialectGemini: true,
}

// Result is what the inspector has accumulated once a stream ends.
type Result struct {
	Usage           unified.Usage
	TTFTMs          int64
	DurationMs      int64
	TokensPerSec    float64
	TokensEstimated bool
}

// Inspector accumulates usage and timing for a single in-flight stream.
// Not safe for concurrent use; one instance per request.
type Inspector struct {
	dialect   string
	tr        transformer.Transformer
	startTime time.Time

	reader sse.Reader

	usage    unified.Usage
	sawUsage bool
	ttftMs   int64
	sawFirst bool

	textAccum   strings.Builder
	sawThinking bool
	estimated   bool
}

// New creates an Inspector for one stream of the given dialect, starting
// its clock at startTime (the moment the provider request was sent).
func New(dialect string, tr transformer.Transformer, startTime time.Time) *Inspector {
	return &Inspector{dialect: dialect, tr: tr, startTime: startTime}
}

// Feed observes a chunk of raw provider SSE bytes. It never alters the
// chunk; callers forward it downstream unchanged.
func (insp *Inspector) Feed(chunk []byte, now time.Time) {
	if !insp.sawFirst && len(chunk) > 0 {
		insp.sawFirst = true
		insp.ttftMs = now.Sub(insp.startTime).Milliseconds()
	}

	for _, ev := range insp.reader.Feed(chunk) {
		insp.observe(ev)
	}
}

func (insp *Inspector) observe(ev sse.Event) {
	if strings.TrimSpace(ev.Data) == "[DONE]" {
		return
	}

	if insp.dialect == transformer.DialectMessages {
		insp.observeContentBlockDelta(ev.Data)
	}

	u, ok := insp.tr.ExtractUsage(ev.Data)
	if !ok {
		return
	}
	insp.sawUsage = true
	if cumulativeDialects[insp.dialect] {
		insp.usage = maxUsage(insp.usage, u)
	} else {
		insp.usage = addUsage(insp.usage, u)
	}
}

// observeContentBlockDelta scans raw Anthropic content_block_delta
// payloads for text/thinking deltas, accumulating text into textAccum so
// imputation has a local text sample even on a bypass (pass-through)
// stream, where the caller never decodes the stream into unified events
// and ObserveText is never called.
func (insp *Inspector) observeContentBlockDelta(data string) {
	if !strings.Contains(data, `"content_block_delta"`) {
		return
	}
	var payload struct {
		Delta struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"delta"`
	}
	if json.Unmarshal([]byte(data), &payload) != nil {
		return
	}
	switch payload.Delta.Type {
	case "text_delta":
		insp.textAccum.WriteString(payload.Delta.Text)
	case "thinking_delta":
		insp.sawThinking = true
	}
}

// ObserveText lets a caller that already decoded stream events (the
// Response Pipeline's transformed tap) feed text/reasoning deltas
// directly, which is the primary path imputation relies on.
func (insp *Inspector) ObserveText(ev unified.StreamEvent) {
	switch ev.Delta.Type {
	case unified.PartText:
		insp.textAccum.WriteString(ev.Delta.Text)
	case unified.PartReasoning:
		insp.sawThinking = true
	}
	if ev.HasUsage {
		insp.sawUsage = true
		if cumulativeDialects[insp.dialect] {
			insp.usage = maxUsage(insp.usage, ev.Usage)
		} else {
			insp.usage = addUsage(insp.usage, ev.Usage)
		}
	}
}

// Finish closes out the stream at endTime, applying Anthropic imputation
// when applicable and computing final duration/throughput.
func (insp *Inspector) Finish(endTime time.Time) Result {
	if insp.dialect == transformer.DialectMessages && insp.sawThinking && insp.usage.ReasoningTokens == 0 && insp.usage.OutputTokens > 0 {
		textTokens := tokencount.Count(insp.textAccum.String())
		reasoning := insp.usage.OutputTokens - textTokens
		if reasoning < 0 {
			reasoning = 0
		}
		insp.usage.ReasoningTokens = reasoning
		insp.usage.OutputTokens = textTokens
		insp.estimated = true
	}

	durationMs := endTime.Sub(insp.startTime).Milliseconds()
	var tps float64
	denom := durationMs - insp.ttftMs
	if denom > 0 && insp.usage.OutputTokens > 0 {
		tps = float64(insp.usage.OutputTokens) / float64(denom) * 1000
	}

	return Result{
		Usage:           insp.usage,
		TTFTMs:          insp.ttftMs,
		DurationMs:      durationMs,
		TokensPerSec:    tps,
		TokensEstimated: insp.estimated || !insp.sawUsage,
	}
}

func maxUsage(a, b unified.Usage) unified.Usage {
	return unified.Usage{
		InputTokens:         maxInt(a.InputTokens, b.InputTokens),
		OutputTokens:        maxInt(a.OutputTokens, b.OutputTokens),
		ReasoningTokens:     maxInt(a.ReasoningTokens, b.ReasoningTokens),
		CachedTokens:        maxInt(a.CachedTokens, b.CachedTokens),
		CacheCreationTokens: maxInt(a.CacheCreationTokens, b.CacheCreationTokens),
	}
}

func addUsage(a, b unified.Usage) unified.Usage {
	return unified.Usage{
		InputTokens:         a.InputTokens + b.InputTokens,
		OutputTokens:        a.OutputTokens + b.OutputTokens,
		ReasoningTokens:     a.ReasoningTokens + b.ReasoningTokens,
		CachedTokens:        a.CachedTokens + b.CachedTokens,
		CacheCreationTokens: a.CacheCreationTokens + b.CacheCreationTokens,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// EstimateFromText runs the local-count fallback used when a dialect
// never reports usage at all: the caller supplies the captured
// transformed-body text and gets back its estimated token count.
func EstimateFromText(text string) int {
	return tokencount.Count(text)
}

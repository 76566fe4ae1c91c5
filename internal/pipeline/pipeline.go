// Package pipeline implements the Response Pipeline: the stage after
// dispatch that turns a provider response (raw bytes or a unified value)
// into client-dialect bytes, taps both the raw and transformed sides to
// the Debug Manager, feeds the Usage Inspector, runs cost calculation,
// and persists the completed UsageRecord and PerformanceSample.
package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcowger/plexus/internal/debugmgr"
	"github.com/mcowger/plexus/internal/dispatcher"
	"github.com/mcowger/plexus/internal/logger"
	"github.com/mcowger/plexus/internal/metrics"
	"github.com/mcowger/plexus/internal/perf"
	"github.com/mcowger/plexus/internal/pricing"
	"github.com/mcowger/plexus/internal/store"
	"github.com/mcowger/plexus/internal/transformer"
	"github.com/mcowger/plexus/internal/unified"
	"github.com/mcowger/plexus/internal/usageinspect"
)

// RequestContext carries the per-request identity the pipeline needs
// beyond what dispatcher.Result already has.
type RequestContext struct {
	RequestID          string
	SourceIP           string
	APIKeyName         string
	IncomingModelAlias string
	ToolsDefined       int
	MessageCount       int
	StartTime          time.Time
}

// Pipeline wires the Transformer Registry, Debug Manager, Performance
// Store, and durable Store together into the post-dispatch stage.
type Pipeline struct {
	registry *transformer.Registry
	debug    *debugmgr.Manager
	perfs    *perf.Store
	db       *store.Store
	metrics  *metrics.Metrics
}

// New constructs a Pipeline. debug and perfs may be nil to disable that
// side effect (tests, or a deployment that opted out).
func New(registry *transformer.Registry, debug *debugmgr.Manager, perfs *perf.Store, db *store.Store) *Pipeline {
	return &Pipeline{registry: registry, debug: debug, perfs: perfs, db: db}
}

// WithMetrics attaches a Metrics instance so cost totals, TTFT, and
// tokens-per-second get recorded. Optional: omitting it just skips the
// observations.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// RunUnary finalizes a non-streaming dispatch result: strips plexus
// metadata, serializes the client-visible body, records usage/cost, and
// returns the bytes to send.
func (p *Pipeline) RunUnary(ctx context.Context, rc RequestContext, result *dispatcher.Result, clientDialect string, now time.Time) ([]byte, error) {
	var body []byte
	var usage unified.Usage
	var finishReason string

	if result.BypassTransformation {
		body = result.RawBody
		if result.UnifiedResponse != nil {
			usage = result.UnifiedResponse.Usage
			finishReason = result.UnifiedResponse.FinishReason
		}
	} else {
		clientTr, ok := p.registry.Get(clientDialect)
		if !ok {
			return nil, errors.Errorf("no transformer registered for client dialect %q", clientDialect)
		}
		b, err := clientTr.FormatResponse(result.UnifiedResponse)
		if err != nil {
			return nil, errors.Wrap(err, "format client response")
		}
		body = b
		usage = result.UnifiedResponse.Usage
		finishReason = result.UnifiedResponse.FinishReason
	}

	if p.debug != nil {
		p.debug.AddRawResponse(rc.RequestID, result.RawBody)
		p.debug.AddTransformedResponse(rc.RequestID, body)
	}

	durationMs := now.Sub(rc.StartTime).Milliseconds()
	p.finalize(ctx, rc, result, clientDialect, usage, finishReason, durationMs, nil, "success", false, now)

	return body, nil
}

// RunStream drives the streaming path: raw tap, optional
// decode/re-encode through the Transformer Registry, transformed tap,
// Usage Inspector, and final SSE write to w. It blocks until the
// provider stream ends or ctx is cancelled (client disconnect).
func (p *Pipeline) RunStream(ctx context.Context, rc RequestContext, result *dispatcher.Result, clientDialect string, now time.Time, w http.ResponseWriter) error {
	defer result.Stream.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	var rawTap, transformedTap *tap
	if p.debug != nil {
		rawTap = newTap("raw:"+rc.RequestID, func(c []byte) { p.debug.AddRawResponseChunk(rc.RequestID, c) })
		transformedTap = newTap("transformed:"+rc.RequestID, func(c []byte) { p.debug.AddTransformedResponseChunk(rc.RequestID, c) })
		defer func() {
			// Drain both taps concurrently rather than waiting on the raw
			// tap's sink before starting the transformed tap's.
			var g errgroup.Group
			g.Go(func() error { rawTap.close(); return nil })
			g.Go(func() error { transformedTap.close(); return nil })
			g.Wait()
		}()
	}

	insp := usageinspect.New(result.OutgoingAPIType, mustGet(p.registry, result.OutgoingAPIType), now)

	var clientTr transformer.Transformer
	var outTr transformer.Transformer
	var decoder transformer.StreamDecoder
	var encoder transformer.StreamEncoder
	if !result.BypassTransformation {
		var ok bool
		outTr, ok = p.registry.Get(result.OutgoingAPIType)
		if !ok {
			return errors.Errorf("no transformer for outgoing dialect %q", result.OutgoingAPIType)
		}
		clientTr, ok = p.registry.Get(clientDialect)
		if !ok {
			return errors.Errorf("no transformer for client dialect %q", clientDialect)
		}
		decoder = outTr.NewStreamDecoder()
		encoder = clientTr.NewStreamEncoder()
	}

	buf := make([]byte, 32*1024)
	var finalErr error
	var lastFinishReason string
readLoop:
	for {
		select {
		case <-ctx.Done():
			finalErr = ctx.Err()
			break readLoop
		default:
		}

		n, err := result.Stream.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if rawTap != nil {
				rawTap.write(chunk)
			}

			var outChunk []byte
			if result.BypassTransformation {
				outChunk = chunk
				insp.Feed(chunk, time.Now())
			} else {
				events := decoder.Feed(chunk)
				var out []byte
				for _, ev := range events {
					insp.ObserveText(ev)
					if ev.FinishReason != "" {
						lastFinishReason = ev.FinishReason
					}
					out = append(out, encoder.Encode(ev)...)
				}
				outChunk = out
			}

			if len(outChunk) > 0 {
				if transformedTap != nil {
					transformedTap.write(outChunk)
				}
				if _, werr := w.Write(outChunk); werr != nil {
					finalErr = werr
					break readLoop
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				finalErr = err
			}
			break readLoop
		}
	}

	status := "success"
	if finalErr != nil {
		status = "error"
	}

	endTime := time.Now()
	res := insp.Finish(endTime)
	durationMs := endTime.Sub(rc.StartTime).Milliseconds()
	ttft := res.TTFTMs
	tps := res.TokensPerSec
	p.finalize(ctx, rc, result, clientDialect, res.Usage, lastFinishReason, durationMs, &finalizeStreamExtras{ttftMs: &ttft, tokensPerSec: &tps, estimated: res.TokensEstimated}, status, true, endTime)

	return finalErr
}

func mustGet(reg *transformer.Registry, dialect string) transformer.Transformer {
	tr, _ := reg.Get(dialect)
	return tr
}

type finalizeStreamExtras struct {
	ttftMs       *int64
	tokensPerSec *float64
	estimated    bool
}

// finalize computes cost, records the performance sample, and persists
// the UsageRecord. Persistence failures are logged and swallowed (spec
// §7 "errors during usage persistence are logged and swallowed").
func (p *Pipeline) finalize(ctx context.Context, rc RequestContext, result *dispatcher.Result, clientDialect string, usage unified.Usage, finishReason string, durationMs int64, extras *finalizeStreamExtras, status string, streamed bool, now time.Time) {
	var providerDiscount *float64
	if result.Resolved.ProviderConfig.Discount != nil {
		providerDiscount = result.Resolved.ProviderConfig.Discount
	}
	modelPricing := result.Resolved.ProviderConfig.Models[result.Resolved.Model].Pricing

	breakdown := pricing.Calculate(pricing.Tokens{
		Input:      int64(usage.InputTokens),
		Output:     int64(usage.OutputTokens),
		Cached:     int64(usage.CachedTokens),
		CacheWrite: int64(usage.CacheCreationTokens),
	}, modelPricing, providerDiscount, nil)

	var ttftMs *int64
	var tokensPerSec *float64
	estimated := false
	if extras != nil {
		ttftMs = extras.ttftMs
		tokensPerSec = extras.tokensPerSec
		estimated = extras.estimated
	}

	if p.metrics != nil {
		p.metrics.CostUSDTotal.WithLabelValues(result.Resolved.Provider, result.Resolved.Model).Add(breakdown.Total)
		if ttftMs != nil {
			p.metrics.TTFTSeconds.WithLabelValues(result.Resolved.Provider, result.Resolved.Model).Observe(float64(*ttftMs) / 1000)
		}
		if tokensPerSec != nil {
			p.metrics.TokensPerSecond.WithLabelValues(result.Resolved.Provider, result.Resolved.Model).Observe(*tokensPerSec)
		}
	}

	if p.perfs != nil {
		p.perfs.Record(perf.Sample{
			Provider:       result.Resolved.Provider,
			Model:          result.Resolved.Model,
			CanonicalModel: result.Resolved.CanonicalModel,
			RequestID:      rc.RequestID,
			TTFTMs:         ttftMs,
			TotalTokens:    int64Ptr(int64(usage.InputTokens + usage.OutputTokens)),
			DurationMs:     durationMs,
			TokensPerSec:   tokensPerSec,
			CreatedAt:      now,
		})
	}

	if p.db == nil {
		return
	}

	attempted, _ := json.Marshal(result.AllAttemptedProviders)
	metadata, _ := json.Marshal(breakdown.Metadata)

	rec := &store.UsageRecord{
		RequestID:             rc.RequestID,
		Date:                  now,
		SourceIP:               rc.SourceIP,
		APIKeyName:             rc.APIKeyName,
		IncomingAPIType:        clientDialect,
		OutgoingAPIType:        result.OutgoingAPIType,
		Provider:               result.Resolved.Provider,
		IncomingModelAlias:     rc.IncomingModelAlias,
		CanonicalModelName:     result.Resolved.CanonicalModel,
		SelectedModelName:      result.Resolved.Model,
		AttemptCount:           result.AttemptCount,
		FinalAttemptProvider:   result.Resolved.Provider,
		FinalAttemptModel:      result.Resolved.Model,
		AllAttemptedProviders:  string(attempted),
		TokensInput:            int64(usage.InputTokens),
		TokensOutput:           int64(usage.OutputTokens),
		TokensReasoning:        int64(usage.ReasoningTokens),
		TokensCached:           int64(usage.CachedTokens),
		TokensCacheWrite:       int64(usage.CacheCreationTokens),
		CostInput:              breakdown.Input,
		CostOutput:             breakdown.Output,
		CostCached:             breakdown.Cached,
		CostCacheWrite:         breakdown.CacheWrite,
		CostTotal:              breakdown.Total,
		CostSource:             breakdown.Source,
		CostMetadata:           string(metadata),
		StartTime:              rc.StartTime,
		DurationMs:             durationMs,
		TTFTMs:                 ttftMs,
		TokensPerSec:           tokensPerSec,
		IsStreamed:             streamed,
		IsPassthrough:          result.BypassTransformation,
		ResponseStatus:         status,
		TokensEstimated:        estimated,
		ToolsDefined:           rc.ToolsDefined,
		MessageCount:           rc.MessageCount,
		FinishReason:           finishReason,
	}

	if err := p.db.SaveUsage(ctx, rec); err != nil {
		logger.Logger.Warn("failed to persist usage record", zap.Error(err), zap.String("request_id", rc.RequestID))
	}

	if err := p.db.SavePerformanceSample(ctx, &store.ProviderPerformance{
		Provider:       result.Resolved.Provider,
		Model:          result.Resolved.Model,
		CanonicalModel: result.Resolved.CanonicalModel,
		RequestID:      rc.RequestID,
		TTFTMs:         ttftMs,
		TotalTokens:    int64Ptr(int64(usage.InputTokens + usage.OutputTokens)),
		DurationMs:     durationMs,
		TokensPerSec:   tokensPerSec,
		CreatedAt:      now,
	}); err != nil {
		logger.Logger.Warn("failed to persist performance sample", zap.Error(err), zap.String("request_id", rc.RequestID))
	}
}

// RecordFailure persists a failure UsageRecord when Dispatch exhausts
// every target without a successful attempt, so a request that left the
// Router still leaves a usage trail even though it never reached a
// provider response. It writes no InferenceError rows; the dispatcher
// writes those per failed attempt.
func (p *Pipeline) RecordFailure(ctx context.Context, rc RequestContext, clientDialect string, dispatchErr error, now time.Time) {
	if p.db == nil {
		return
	}

	durationMs := now.Sub(rc.StartTime).Milliseconds()

	// Dispatcher already persists one InferenceError row per failed
	// attempt as it happens (see dispatcher.Dispatch); here we only need
	// the summary fields for the failure UsageRecord.
	var derr *dispatcher.Error
	attemptCount := 0
	var finalProvider, finalModel string
	var attempted []string
	if stderrors.As(dispatchErr, &derr) {
		attemptCount = len(derr.Attempts)
		finalProvider = derr.FinalProvider
		finalModel = derr.FinalModel
		for _, a := range derr.Attempts {
			attempted = append(attempted, a.Provider)
		}
	}
	attemptedJSON, _ := json.Marshal(attempted)

	rec := &store.UsageRecord{
		RequestID:             rc.RequestID,
		Date:                  now,
		SourceIP:              rc.SourceIP,
		APIKeyName:            rc.APIKeyName,
		IncomingAPIType:       clientDialect,
		IncomingModelAlias:    rc.IncomingModelAlias,
		AttemptCount:          attemptCount,
		FinalAttemptProvider:  finalProvider,
		FinalAttemptModel:     finalModel,
		AllAttemptedProviders: string(attemptedJSON),
		StartTime:             rc.StartTime,
		DurationMs:            durationMs,
		ResponseStatus:        "error",
		ToolsDefined:          rc.ToolsDefined,
		MessageCount:          rc.MessageCount,
	}

	if err := p.db.SaveUsage(ctx, rec); err != nil {
		logger.Logger.Warn("failed to persist failure usage record", zap.Error(err), zap.String("request_id", rc.RequestID))
	}
}

func int64Ptr(v int64) *int64 { return &v }

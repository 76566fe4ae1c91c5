// Package dispatcher implements the Dispatcher: the
// attempt loop that resolves a target, sends the request, classifies
// failures, and updates the Cooldown Manager between attempts.
package dispatcher

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/mcowger/plexus/internal/config"
	"github.com/mcowger/plexus/internal/cooldown"
	"github.com/mcowger/plexus/internal/logger"
	"github.com/mcowger/plexus/internal/metrics"
	"github.com/mcowger/plexus/internal/providerclient"
	"github.com/mcowger/plexus/internal/routing"
	"github.com/mcowger/plexus/internal/selector"
	"github.com/mcowger/plexus/internal/store"
	"github.com/mcowger/plexus/internal/transformer"
	"github.com/mcowger/plexus/internal/unified"
)

// Result is what Dispatch returns on success: everything the Response
// Pipeline needs, covering both the unary and streaming paths.
type Result struct {
	Resolved              routing.Resolved
	OutgoingAPIType       string
	BypassTransformation  bool
	AttemptCount          int
	AllAttemptedProviders []string

	// Unary path: populated when !unifiedReq.Stream.
	UnifiedResponse *unified.Response
	RawBody         []byte

	// Streaming path: populated when unifiedReq.Stream. Caller owns
	// closing Stream.
	Stream *http.Response
}

// Error is returned when every target was exhausted without success.
type Error struct {
	Cause        error
	Attempts     []AttemptFailure
	StatusCode   int
	FinalProvider string
	FinalModel    string
}

// AttemptFailure records one failed attempt for diagnostics.
type AttemptFailure struct {
	Provider string
	Model    string
	Reason   cooldown.Reason
	Err      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return "dispatch exhausted all targets: " + e.Cause.Error()
	}
	return "dispatch exhausted all targets"
}
func (e *Error) Unwrap() error { return e.Cause }

// Dispatcher wires the Router, Transformer Registry, Provider Client,
// and Cooldown Manager together into the single dispatch(request)
// entrypoint.
type Dispatcher struct {
	router     *routing.Router
	registry   *transformer.Registry
	client     *providerclient.Client
	cooldowns  *cooldown.Manager
	metrics    *metrics.Metrics
	store      *store.Store
}

// New constructs a Dispatcher.
func New(router *routing.Router, registry *transformer.Registry, client *providerclient.Client, cooldowns *cooldown.Manager) *Dispatcher {
	return &Dispatcher{router: router, registry: registry, client: client, cooldowns: cooldowns}
}

// WithMetrics attaches a Metrics instance so every attempt/cooldown-trip
// is counted. Optional: a Dispatcher with no Metrics attached just skips
// the increments.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithStore attaches the durable Store so every failed attempt leaves an
// InferenceError row, independent of whether the overall dispatch
// eventually succeeds on a later target. Optional: a Dispatcher with no
// Store attached just skips the write.
func (d *Dispatcher) WithStore(s *store.Store) *Dispatcher {
	d.store = s
	return d
}

// Dispatch resolves a target, invokes it, and retries the next
// target on failure until one succeeds or every target is exhausted.
func (d *Dispatcher) Dispatch(ctx context.Context, snap *config.Snapshot, req *unified.Request, requestedModel string, now time.Time) (*Result, error) {
	selCtx := selector.Context{PreviousAttempts: map[string]bool{}, Now: now}
	var failures []AttemptFailure
	var attempted []string

	for {
		resolved, err := d.router.Resolve(snap, requestedModel, req.IncomingAPIType, selCtx, now)
		if err != nil {
			return nil, &Error{Cause: err, Attempts: failures, FinalProvider: lastProvider(failures), FinalModel: lastModel(failures)}
		}

		outgoingAPIType := outgoingDialectFor(resolved)
		bypass := req.IncomingAPIType == outgoingAPIType

		if d.metrics != nil {
			d.metrics.DispatchAttemptsTotal.WithLabelValues(resolved.Provider, resolved.Model).Inc()
		}

		result, attemptErr := d.attempt(ctx, req, resolved, outgoingAPIType, bypass, len(failures)+1, attempted)
		if attemptErr == nil {
			d.cooldowns.ResetOnSuccess(ctx, resolved.Provider, resolved.Model, "")
			return result, nil
		}

		reason := classify(attemptErr)
		if reason == "" {
			// invalid_request / authentication-as-inbound-auth style errors
			// are not retryable target failures; surface immediately.
			return nil, attemptErr
		}
		if d.metrics != nil {
			d.metrics.DispatchFailuresTotal.WithLabelValues(resolved.Provider, resolved.Model, string(reason)).Inc()
			d.metrics.CooldownTripsTotal.WithLabelValues(resolved.Provider, resolved.Model, string(reason)).Inc()
		}
		if d.store != nil {
			if err := d.store.SaveInferenceError(ctx, &store.InferenceError{
				RequestID:  req.RequestID,
				Provider:   resolved.Provider,
				Model:      resolved.Model,
				Reason:     string(reason),
				StatusCode: statusCodeOf(attemptErr),
				Message:    attemptErr.Error(),
				CreatedAt:  now,
			}); err != nil {
				logger.Logger.Warn("failed to persist inference error", zap.Error(err))
			}
		}
		if err := d.cooldowns.SetCooldown(ctx, resolved.Provider, resolved.Model, "", reason, now); err != nil {
			logger.Logger.Warn("failed to set cooldown after attempt failure", zap.Error(err))
		}
		failures = append(failures, AttemptFailure{Provider: resolved.Provider, Model: resolved.Model, Reason: reason, Err: attemptErr})
		attempted = append(attempted, resolved.Provider)
		selCtx.PreviousAttempts[resolved.Provider+"\x00"+resolved.Model] = true
	}
}

// outgoingDialectFor picks the target's wire dialect: the model's
// access_via list when non-empty, else the provider's native type.
func outgoingDialectFor(resolved *routing.Resolved) string {
	if resolved.ModelConfig != nil && len(resolved.ModelConfig.AccessVia) > 0 {
		return resolved.ModelConfig.AccessVia[0]
	}
	return resolved.ProviderConfig.Type
}

func (d *Dispatcher) attempt(ctx context.Context, req *unified.Request, resolved *routing.Resolved, outgoingAPIType string, bypass bool, attemptCount int, attempted []string) (*Result, error) {
	var body []byte
	if bypass {
		body = swapModel(req.OriginalBody, resolved.Model)
	} else {
		outTr, ok := d.registry.Get(outgoingAPIType)
		if !ok {
			return nil, errors.Errorf("no transformer registered for dialect %q", outgoingAPIType)
		}
		b, err := outTr.TransformRequest(req, resolved.Model)
		if err != nil {
			return nil, errors.Wrap(err, "transform outgoing request")
		}
		body = b
	}

	url := endpointFor(resolved.ProviderConfig, outgoingAPIType, resolved.Model)
	opts := providerclient.Options{
		Provider:  resolved.ProviderConfig,
		Method:    http.MethodPost,
		URL:       url,
		Body:      body,
		RequestID: req.RequestID,
		Stream:    req.Stream,
	}

	envelope := unified.PlexusEnvelope{
		Provider:              resolved.Provider,
		Model:                 resolved.Model,
		CanonicalModel:        resolved.CanonicalModel,
		APIType:               outgoingAPIType,
		AttemptCount:          attemptCount,
		FinalAttemptProvider:  resolved.Provider,
		FinalAttemptModel:     resolved.Model,
		AllAttemptedProviders: append(append([]string(nil), attempted...), resolved.Provider),
	}
	if resolved.ProviderConfig.Discount != nil {
		envelope.ProviderDiscount = *resolved.ProviderConfig.Discount
	}

	if req.Stream {
		resp, err := d.client.RequestRaw(ctx, opts)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &providerclient.APIError{Status: resp.StatusCode, Body: b}
		}
		return &Result{
			Resolved: *resolved, OutgoingAPIType: outgoingAPIType, BypassTransformation: bypass,
			AttemptCount: attemptCount, AllAttemptedProviders: envelope.AllAttemptedProviders,
			Stream: resp,
		}, nil
	}

	respBody, err := d.client.Request(ctx, opts)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Resolved: *resolved, OutgoingAPIType: outgoingAPIType, BypassTransformation: bypass,
		AttemptCount: attemptCount, AllAttemptedProviders: envelope.AllAttemptedProviders,
		RawBody: respBody,
	}
	if bypass {
		result.UnifiedResponse = &unified.Response{RawResponse: json.RawMessage(respBody), BypassTransformation: true, Plexus: envelope}
		return result, nil
	}

	outTr, _ := d.registry.Get(outgoingAPIType)
	unifiedResp, err := outTr.ParseResponse(respBody)
	if err != nil {
		return nil, errors.Wrap(err, "parse provider response")
	}
	unifiedResp.Plexus = envelope
	result.UnifiedResponse = unifiedResp
	return result, nil
}

// swapModel clones originalBody and rewrites its top-level "model"
// field, implementing Open Question (a): clone + modify rather than
// mutate in place.
func swapModel(originalBody json.RawMessage, model string) []byte {
	cloned := append(json.RawMessage(nil), originalBody...)
	var m map[string]json.RawMessage
	if json.Unmarshal(cloned, &m) != nil {
		return cloned
	}
	modelJSON, _ := json.Marshal(model)
	m["model"] = modelJSON
	out, err := json.Marshal(m)
	if err != nil {
		return cloned
	}
	return out
}

func endpointFor(provider config.ProviderConfig, dialect, model string) string {
	if url, ok := provider.BaseURLs[dialect]; ok {
		return url
	}
	for _, url := range provider.BaseURLs {
		return url
	}
	return ""
}

func classify(err error) cooldown.Reason {
	var apiErr *providerclient.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401 || apiErr.Status == 403:
			return cooldown.ReasonAuthError
		case apiErr.Status == 429:
			return cooldown.ReasonRateLimit
		case apiErr.Status >= 500:
			return cooldown.ReasonServerError
		default:
			return ""
		}
	}
	var timeoutErr *providerclient.TimeoutError
	if stderrors.As(err, &timeoutErr) {
		return cooldown.ReasonTimeout
	}
	var connErr *providerclient.ConnectionError
	if stderrors.As(err, &connErr) {
		return cooldown.ReasonConnectionError
	}
	return ""
}

func statusCodeOf(err error) int {
	var apiErr *providerclient.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func lastProvider(failures []AttemptFailure) string {
	if len(failures) == 0 {
		return ""
	}
	return failures[len(failures)-1].Provider
}

func lastModel(failures []AttemptFailure) string {
	if len(failures) == 0 {
		return ""
	}
	return failures[len(failures)-1].Model
}

// Package httpapi implements the thin per-dialect HTTP handlers: parse
// the inbound body with the matching Transformer, run the Dispatcher,
// push the result through the Response Pipeline, and write a
// dialect-appropriate body (success or error) to the client. Route
// registration, TLS, and middleware setup belong to cmd/plexus.
package httpapi

import (
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mcowger/plexus/internal/config"
	"github.com/mcowger/plexus/internal/dispatcher"
	"github.com/mcowger/plexus/internal/metrics"
	"github.com/mcowger/plexus/internal/pipeline"
	"github.com/mcowger/plexus/internal/providerclient"
	"github.com/mcowger/plexus/internal/quota"
	"github.com/mcowger/plexus/internal/routing"
	"github.com/mcowger/plexus/internal/transformer"
)

// API holds everything a handler needs: the Config Snapshot Store, the
// Dispatcher, the Transformer Registry, the Response Pipeline, and the
// Quota Enforcer.
type API struct {
	Snapshots *config.Store
	Dispatch  *dispatcher.Dispatcher
	Registry  *transformer.Registry
	Pipeline  *pipeline.Pipeline
	Quota     *quota.Enforcer
	Metrics   *metrics.Metrics
}

// authKeyName resolves the inbound secret (Bearer or x-api-key) to the
// Name of the entry that keys holds under that secret. A secret with no
// entry in keys is still accepted, and the secret itself is returned as
// the identity, so it is what gets logged and recorded.
func authKeyName(c *gin.Context, keys map[string]config.APIKeyConfig) (string, bool) {
	secret := c.GetHeader("x-api-key")
	if secret == "" {
		auth := c.GetHeader("Authorization")
		secret = strings.TrimPrefix(auth, "Bearer ")
	}
	if secret == "" {
		return "", false
	}
	if cfg, ok := keys[secret]; ok {
		return cfg.Name, true
	}
	return secret, true
}

// Chat handles POST /v1/chat/completions.
func (a *API) Chat(c *gin.Context) { a.handle(c, transformer.DialectChat) }

// Messages handles POST /v1/messages.
func (a *API) Messages(c *gin.Context) { a.handle(c, transformer.DialectMessages) }

// GenerateContent handles POST /v1beta/models/{model}:generateContent
// and its :streamGenerateContent variant.
func (a *API) GenerateContent(c *gin.Context) { a.handle(c, transformer.DialectGemini) }

// Responses handles POST /v1/responses.
func (a *API) Responses(c *gin.Context) { a.handle(c, transformer.DialectResponses) }

func (a *API) handle(c *gin.Context, dialect string) {
	now := time.Now()
	requestID := uuid.NewString()

	snap := a.Snapshots.Current()
	tr, ok := a.Registry.Get(dialect)
	if !ok {
		writeDialectError(c, dialect, http.StatusInternalServerError, "server_error", "unknown dialect")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeDialectError(c, dialect, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	req, err := tr.ParseRequest(body)
	if err != nil {
		writeDialectError(c, dialect, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.IncomingAPIType = dialect
	req.OriginalBody = body
	req.RequestID = requestID

	if dialect == transformer.DialectGemini {
		model, stream := parseGeminiPathParam(c.Param("model"))
		req.Model = model
		req.Stream = stream
	}

	keyName, authed := authKeyName(c, snap.APIKeys)
	if !authed {
		writeDialectError(c, dialect, http.StatusUnauthorized, "authentication", "missing credentials")
		return
	}

	if a.Quota != nil {
		var quotas []config.QuotaDefinition
		for _, cfg := range snap.APIKeys {
			if cfg.Name == keyName {
				quotas = cfg.Quotas
				break
			}
		}
		if len(quotas) > 0 {
			decision, qerr := a.Quota.Check(c.Request.Context(), keyName, quotas, now)
			if qerr == nil && !decision.Allowed {
				if a.Metrics != nil {
					a.Metrics.QuotaDenialsTotal.WithLabelValues(keyName).Inc()
				}
				c.Header("x-ratelimit-remaining", strconv.FormatInt(decision.Remaining, 10))
				c.Header("x-ratelimit-reset", decision.ResetsAt.Format(time.RFC3339))
				writeQuotaDenied(c, dialect, decision)
				return
			}
		}
	}

	requestedModel := req.Model

	rc := pipeline.RequestContext{
		RequestID:          requestID,
		SourceIP:           c.ClientIP(),
		APIKeyName:         keyName,
		IncomingModelAlias: requestedModel,
		ToolsDefined:       len(req.Tools),
		MessageCount:       len(req.Messages),
		StartTime:          now,
	}

	result, err := a.Dispatch.Dispatch(c.Request.Context(), snap, req, requestedModel, now)
	if err != nil {
		a.Pipeline.RecordFailure(c.Request.Context(), rc, dialect, err, time.Now())
		writeDispatchError(c, dialect, err)
		return
	}

	if result.Stream != nil {
		if err := a.Pipeline.RunStream(c.Request.Context(), rc, result, dialect, now, c.Writer); err != nil {
			// Headers are already committed by the time streaming starts;
			// nothing further can be sent to the client.
			return
		}
		return
	}

	respBody, err := a.Pipeline.RunUnary(c.Request.Context(), rc, result, dialect, time.Now())
	if err != nil {
		writeDialectError(c, dialect, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", respBody)
}

// writeDialectError emits the dialect-appropriate error envelope.
func writeDialectError(c *gin.Context, dialect string, status int, kind, message string) {
	switch dialect {
	case transformer.DialectMessages:
		c.JSON(status, gin.H{"type": "error", "error": gin.H{"type": anthropicErrorType(status), "message": message}})
	case transformer.DialectGemini:
		c.JSON(status, gin.H{"error": gin.H{"code": status, "message": message, "status": geminiErrorStatus(status)}})
	default:
		c.JSON(status, gin.H{"error": gin.H{"message": message, "type": kind}})
	}
}

func anthropicErrorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

func geminiErrorStatus(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

func writeQuotaDenied(c *gin.Context, dialect string, d quota.Decision) {
	c.Header("retry-after", strconv.FormatInt(int64(time.Until(d.ResetsAt).Seconds()), 10))
	writeDialectError(c, dialect, http.StatusTooManyRequests, "quota_exceeded", "quota exceeded")
}

// writeDispatchError maps a *dispatcher.Error or *routing.Error into an
// HTTP response.
func writeDispatchError(c *gin.Context, dialect string, err error) {
	if apiErr, ok := asAPIError(err); ok {
		writeDialectError(c, dialect, apiErr.Status, "provider_error", apiErr.Error())
		return
	}

	var routeErr *routing.Error
	if stderrors.As(err, &routeErr) {
		status := http.StatusServiceUnavailable
		if routeErr.Kind == routing.ErrAliasNotFound || routeErr.Kind == routing.ErrProviderNotFound {
			status = http.StatusNotFound
		}
		writeDialectError(c, dialect, status, "no_routes", routeErr.Error())
		return
	}

	writeDialectError(c, dialect, http.StatusServiceUnavailable, "no_routes", err.Error())
}

func asAPIError(err error) (*providerclient.APIError, bool) {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if apiErr, ok := e.(*providerclient.APIError); ok {
			return apiErr, true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return nil, false
		}
		e = u.Unwrap()
	}
	return nil, false
}

// parseGeminiPathParam splits Gemini's "{model}:{verb}" path segment
// (e.g. "gemini-1.5-pro:streamGenerateContent") into the model name and
// whether the verb requests streaming.
func parseGeminiPathParam(raw string) (model string, stream bool) {
	name, verb, found := strings.Cut(raw, ":")
	if !found {
		return raw, false
	}
	return name, verb == "streamGenerateContent"
}

// ListModels handles GET /v1/models.
func (a *API) ListModels(c *gin.Context) {
	snap := a.Snapshots.Current()
	now := time.Now().Unix()
	models := make([]gin.H, 0, len(snap.Aliases))
	for name := range snap.Aliases {
		models = append(models, gin.H{"id": name, "object": "model", "created": now, "owned_by": "plexus"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

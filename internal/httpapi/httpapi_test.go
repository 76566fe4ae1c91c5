package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/mcowger/plexus/internal/config"
	"github.com/mcowger/plexus/internal/cooldown"
	"github.com/mcowger/plexus/internal/debugmgr"
	"github.com/mcowger/plexus/internal/dispatcher"
	"github.com/mcowger/plexus/internal/perf"
	"github.com/mcowger/plexus/internal/pipeline"
	"github.com/mcowger/plexus/internal/providerclient"
	"github.com/mcowger/plexus/internal/quota"
	"github.com/mcowger/plexus/internal/routing"
	"github.com/mcowger/plexus/internal/transformer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestCooldownManager(t *testing.T) *cooldown.Manager {
	t.Helper()
	m, err := cooldown.New(context.Background(), nil, cooldown.DefaultDurations())
	require.NoError(t, err)
	return m
}

func newTestAPI(t *testing.T, providerURL string, keys map[string]config.APIKeyConfig) *API {
	t.Helper()
	snap := &config.Snapshot{
		Providers: map[string]config.ProviderConfig{
			"primary": {
				Name: "primary", Type: "chat", Enabled: true,
				AuthScheme: config.AuthBearer, APIKey: "k",
				BaseURLs: map[string]string{"chat": providerURL},
				Models:   map[string]config.ModelConfig{"gpt-4o": {}},
			},
		},
		Aliases: map[string]config.ModelAlias{
			"alias": {Name: "alias", Selector: config.SelectorInOrder, Targets: []config.Target{
				{Provider: "primary", Model: "gpt-4o", Enabled: true},
			}},
		},
		APIKeys: keys,
	}
	snapStore, err := config.NewStore(snap)
	require.NoError(t, err)

	cd := newTestCooldownManager(t)
	router := routing.New(cd, perf.New(64, time.Minute))
	registry := transformer.NewRegistry()
	client := providerclient.New(http.DefaultClient, 5*time.Second)
	disp := dispatcher.New(router, registry, client, cd)
	pipe := pipeline.New(registry, debugmgr.New(false), nil, nil)

	return &API{
		Snapshots: snapStore,
		Dispatch:  disp,
		Registry:  registry,
		Pipeline:  pipe,
		Quota:     quota.New(nil),
	}
}

func TestChat_SuccessfulRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer upstream.Close()

	api := newTestAPI(t, upstream.URL, nil)
	r := gin.New()
	r.POST("/v1/chat/completions", api.Chat)

	body := `{"model":"alias","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "hi there")
}

func TestChat_MissingCredentialsReturnsUnauthorized(t *testing.T) {
	api := newTestAPI(t, "http://unused.invalid", nil)
	r := gin.New()
	r.POST("/v1/chat/completions", api.Chat)

	body := `{"model":"alias","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChat_QuotaExceededReturnsTooManyRequestsWithHeaders(t *testing.T) {
	keys := map[string]config.APIKeyConfig{
		"secret": {Name: "limited", Quotas: []config.QuotaDefinition{
			{Name: "daily-tokens", LimitType: config.QuotaLimitTokens, Limit: 0, Period: config.QuotaDaily},
		}},
	}
	api := newTestAPI(t, "http://unused.invalid", keys)
	r := gin.New()
	r.POST("/v1/chat/completions", api.Chat)

	body := `{"model":"alias","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("retry-after"))
	require.NotEmpty(t, w.Header().Get("x-ratelimit-remaining"))
}

func TestMessages_ErrorEnvelopeUsesAnthropicShape(t *testing.T) {
	api := newTestAPI(t, "http://unused.invalid", nil)
	r := gin.New()
	r.POST("/v1/messages", api.Messages)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`not json`))
	req.Header.Set("x-api-key", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, "error", payload["type"])
	errObj, ok := payload["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "api_error", errObj["type"])
}

func TestGenerateContent_ErrorEnvelopeUsesGeminiShape(t *testing.T) {
	api := newTestAPI(t, "http://unused.invalid", nil)
	r := gin.New()
	r.POST("/v1beta/models/:model", api.GenerateContent)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-1.5-pro:generateContent", strings.NewReader(`not json`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	errObj, ok := payload["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "INTERNAL", errObj["status"])
}

func TestParseGeminiPathParam(t *testing.T) {
	model, stream := parseGeminiPathParam("gemini-1.5-pro:streamGenerateContent")
	require.Equal(t, "gemini-1.5-pro", model)
	require.True(t, stream)

	model, stream = parseGeminiPathParam("gemini-1.5-pro:generateContent")
	require.Equal(t, "gemini-1.5-pro", model)
	require.False(t, stream)

	model, stream = parseGeminiPathParam("gemini-1.5-pro")
	require.Equal(t, "gemini-1.5-pro", model)
	require.False(t, stream)
}

func TestListModels_ReturnsConfiguredAliases(t *testing.T) {
	api := newTestAPI(t, "http://unused.invalid", nil)
	r := gin.New()
	r.GET("/v1/models", api.ListModels)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var payload struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 1)
	require.Equal(t, "alias", payload.Data[0]["id"])
}

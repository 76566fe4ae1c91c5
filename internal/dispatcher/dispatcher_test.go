package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcowger/plexus/internal/config"
	"github.com/mcowger/plexus/internal/cooldown"
	"github.com/mcowger/plexus/internal/providerclient"
	"github.com/mcowger/plexus/internal/routing"
	"github.com/mcowger/plexus/internal/store"
	"github.com/mcowger/plexus/internal/transformer"
	"github.com/mcowger/plexus/internal/unified"
)

func newTestCooldownManager(t *testing.T) *cooldown.Manager {
	t.Helper()
	m, err := cooldown.New(context.Background(), nil, cooldown.DefaultDurations())
	require.NoError(t, err)
	return m
}

func TestDispatch_BypassPassThroughSwapsModelOnly(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(200)
		w.Write([]byte(`{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	snap := &config.Snapshot{
		Providers: map[string]config.ProviderConfig{
			"primary": {
				Name: "primary", Type: "chat", Enabled: true,
				AuthScheme: config.AuthBearer, APIKey: "k",
				BaseURLs: map[string]string{"chat": srv.URL},
				Models:   map[string]config.ModelConfig{"gpt-4o": {}},
			},
		},
		Aliases: map[string]config.ModelAlias{
			"alias": {Name: "alias", Selector: config.SelectorInOrder, Targets: []config.Target{{Provider: "primary", Model: "gpt-4o", Enabled: true}}},
		},
	}

	router := routing.New(newTestCooldownManager(t), nil)
	registry := transformer.NewRegistry()
	client := providerclient.New(srv.Client(), 5*time.Second)
	d := New(router, registry, client, newTestCooldownManager(t))

	req := &unified.Request{
		IncomingAPIType: "chat",
		OriginalBody:    []byte(`{"model":"alias","messages":[{"role":"user","content":"hi"}]}`),
	}

	result, err := d.Dispatch(context.Background(), snap, req, "alias", time.Now())
	require.NoError(t, err)
	require.True(t, result.BypassTransformation)
	require.Contains(t, gotBody, `"gpt-4o"`)
	require.NotContains(t, gotBody, `"alias"`)
}

func TestDispatch_RetriesNextTargetOnServerError(t *testing.T) {
	srvBad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srvBad.Close()
	srvGood := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"model":"m","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer srvGood.Close()

	snap := &config.Snapshot{
		Providers: map[string]config.ProviderConfig{
			"bad":  {Name: "bad", Type: "chat", Enabled: true, AuthScheme: config.AuthBearer, APIKey: "k", BaseURLs: map[string]string{"chat": srvBad.URL}, Models: map[string]config.ModelConfig{"m": {}}},
			"good": {Name: "good", Type: "chat", Enabled: true, AuthScheme: config.AuthBearer, APIKey: "k", BaseURLs: map[string]string{"chat": srvGood.URL}, Models: map[string]config.ModelConfig{"m": {}}},
		},
		Aliases: map[string]config.ModelAlias{
			"alias": {Name: "alias", Selector: config.SelectorInOrder, Targets: []config.Target{
				{Provider: "bad", Model: "m", Enabled: true},
				{Provider: "good", Model: "m", Enabled: true},
			}},
		},
	}

	cd := newTestCooldownManager(t)
	router := routing.New(cd, nil)
	registry := transformer.NewRegistry()
	client := providerclient.New(http.DefaultClient, 5*time.Second)
	d := New(router, registry, client, cd)

	req := &unified.Request{
		IncomingAPIType: "chat",
		Messages:        []unified.Message{{Role: unified.RoleUser, Parts: []unified.Part{{Type: unified.PartText, Text: "hi"}}}},
		OriginalBody:    []byte(`{"model":"alias","messages":[{"role":"user","content":"hi"}]}`),
	}

	result, err := d.Dispatch(context.Background(), snap, req, "alias", time.Now())
	require.NoError(t, err)
	require.Equal(t, "good", result.Resolved.Provider)
	require.Equal(t, 2, result.AttemptCount)
}

func TestDispatch_ExhaustsAllTargetsReturnsError(t *testing.T) {
	srvBad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srvBad.Close()

	snap := &config.Snapshot{
		Providers: map[string]config.ProviderConfig{
			"bad": {Name: "bad", Type: "chat", Enabled: true, AuthScheme: config.AuthBearer, APIKey: "k", BaseURLs: map[string]string{"chat": srvBad.URL}, Models: map[string]config.ModelConfig{"m": {}}},
		},
		Aliases: map[string]config.ModelAlias{
			"alias": {Name: "alias", Selector: config.SelectorInOrder, Targets: []config.Target{{Provider: "bad", Model: "m", Enabled: true}}},
		},
	}

	cd := newTestCooldownManager(t)
	router := routing.New(cd, nil)
	registry := transformer.NewRegistry()
	client := providerclient.New(http.DefaultClient, 5*time.Second)
	d := New(router, registry, client, cd)

	req := &unified.Request{
		IncomingAPIType: "chat",
		Messages:        []unified.Message{{Role: unified.RoleUser, Parts: []unified.Part{{Type: unified.PartText, Text: "hi"}}}},
		OriginalBody:    []byte(`{"model":"alias","messages":[{"role":"user","content":"hi"}]}`),
	}

	_, err := d.Dispatch(context.Background(), snap, req, "alias", time.Now())
	require.Error(t, err)
	dispatchErr, ok := err.(*Error)
	require.True(t, ok)
	require.Len(t, dispatchErr.Attempts, 1)
}

func TestDispatch_PersistsInferenceErrorPerFailedAttempt(t *testing.T) {
	srvBad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srvBad.Close()
	srvGood := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"model":"m","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer srvGood.Close()

	snap := &config.Snapshot{
		Providers: map[string]config.ProviderConfig{
			"bad":  {Name: "bad", Type: "chat", Enabled: true, AuthScheme: config.AuthBearer, APIKey: "k", BaseURLs: map[string]string{"chat": srvBad.URL}, Models: map[string]config.ModelConfig{"m": {}}},
			"good": {Name: "good", Type: "chat", Enabled: true, AuthScheme: config.AuthBearer, APIKey: "k", BaseURLs: map[string]string{"chat": srvGood.URL}, Models: map[string]config.ModelConfig{"m": {}}},
		},
		Aliases: map[string]config.ModelAlias{
			"alias": {Name: "alias", Selector: config.SelectorInOrder, Targets: []config.Target{
				{Provider: "bad", Model: "m", Enabled: true},
				{Provider: "good", Model: "m", Enabled: true},
			}},
		},
	}

	db, err := store.Open(store.DialectSQLite, ":memory:")
	require.NoError(t, err)

	cd := newTestCooldownManager(t)
	router := routing.New(cd, nil)
	registry := transformer.NewRegistry()
	client := providerclient.New(http.DefaultClient, 5*time.Second)
	d := New(router, registry, client, cd).WithStore(db)

	req := &unified.Request{
		RequestID:       "req-persist-1",
		IncomingAPIType: "chat",
		Messages:        []unified.Message{{Role: unified.RoleUser, Parts: []unified.Part{{Type: unified.PartText, Text: "hi"}}}},
		OriginalBody:    []byte(`{"model":"alias","messages":[{"role":"user","content":"hi"}]}`),
	}

	result, err := d.Dispatch(context.Background(), snap, req, "alias", time.Now())
	require.NoError(t, err)
	require.Equal(t, "good", result.Resolved.Provider)

	var rows []store.InferenceError
	require.NoError(t, db.DB().Where("request_id = ?", "req-persist-1").Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, "bad", rows[0].Provider)
	require.Equal(t, 500, rows[0].StatusCode)
}

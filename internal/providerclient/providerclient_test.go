package providerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcowger/plexus/internal/config"
)

func TestRequest_InjectsBearerAuthAndCustomHeaders(t *testing.T) {
	var gotAuth, gotCustom, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("x-org")
		gotContentType = r.Header.Get("content-type")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.Client(), 5*time.Second)
	provider := config.ProviderConfig{AuthScheme: config.AuthBearer, APIKey: "sk-test", CustomHeaders: map[string]string{"x-org": "acme"}}

	body, err := c.Request(context.Background(), Options{Provider: provider, Method: "POST", URL: srv.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "acme", gotCustom)
	require.Equal(t, "application/json", gotContentType)
}

func TestRequest_XAPIKeyScheme(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New(srv.Client(), 5*time.Second)
	provider := config.ProviderConfig{AuthScheme: config.AuthAPIKey, APIKey: "secret"}
	_, err := c.Request(context.Background(), Options{Provider: provider, Method: "POST", URL: srv.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, "secret", gotKey)
}

func TestRequest_ResolvesEnvSigil(t *testing.T) {
	os.Setenv("PLEXUS_TEST_KEY", "from-env")
	defer os.Unsetenv("PLEXUS_TEST_KEY")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New(srv.Client(), 5*time.Second)
	provider := config.ProviderConfig{AuthScheme: config.AuthBearer, APIKey: "{env:PLEXUS_TEST_KEY}"}
	_, err := c.Request(context.Background(), Options{Provider: provider, Method: "POST", URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "Bearer from-env", gotAuth)
}

func TestRequest_MissingEnvSigilFails(t *testing.T) {
	c := New(http.DefaultClient, time.Second)
	provider := config.ProviderConfig{AuthScheme: config.AuthBearer, APIKey: "{env:PLEXUS_DOES_NOT_EXIST}"}
	_, err := c.Request(context.Background(), Options{Provider: provider, Method: "POST", URL: "http://127.0.0.1:1"})
	require.Error(t, err)
}

func TestRequest_NonTwoXXReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	c := New(srv.Client(), 5*time.Second)
	provider := config.ProviderConfig{AuthScheme: config.AuthBearer, APIKey: "k"}
	_, err := c.Request(context.Background(), Options{Provider: provider, Method: "POST", URL: srv.URL})
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	require.Equal(t, 500, apiErr.Status)
}

func TestParseRetryAfter_SecondsHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
	ra := ParseRetryAfter(resp, 10*time.Second)
	require.Equal(t, "header", ra.Source)
	require.Equal(t, 30*time.Second, ra.Duration)
}

func TestParseRetryAfter_MissingHeaderReturnsDefault(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	ra := ParseRetryAfter(resp, 10*time.Second)
	require.Equal(t, "default", ra.Source)
	require.Equal(t, 10*time.Second, ra.Duration)
}

func TestParseRetryAfter_HTTPDateHeader(t *testing.T) {
	future := time.Now().Add(45 * time.Second).UTC()
	resp := &http.Response{Header: http.Header{"Retry-After": []string{future.Format(http.TimeFormat)}}}
	ra := ParseRetryAfter(resp, 10*time.Second)
	require.Equal(t, "header", ra.Source)
	require.InDelta(t, 45*time.Second, ra.Duration, float64(2*time.Second))
}

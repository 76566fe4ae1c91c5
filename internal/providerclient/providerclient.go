// Package providerclient implements the Provider Client: a
// per-provider HTTP client applying auth, header, timeout, and
// retry-after parsing policy uniformly across dialects.
package providerclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/mcowger/plexus/internal/config"
)

// DefaultTimeout is the provider request budget absent an explicit
// override.
const DefaultTimeout = 120 * time.Second

// Client issues HTTP requests to one provider, applying its auth
// scheme, custom headers, and the tracing header carrying the request
// id.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New constructs a Client. A nil httpClient is replaced by a new, empty
// http.Client, and a non-positive timeout becomes DefaultTimeout.
func New(httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{httpClient: httpClient, timeout: timeout}
}

// Options describes one outbound call.
type Options struct {
	Provider  config.ProviderConfig
	Method    string
	URL       string
	Body      []byte
	RequestID string
	Stream    bool
}

// APIError is returned by Request on a non-2xx response, carrying
// enough to classify the failure.
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.Status)
}

// resolveAPIKey resolves a literal key or a "{env:VAR}" sigil from the
// process environment, failing loudly when the variable is unset (spec
// §4.9).
func resolveAPIKey(raw string) (string, error) {
	if strings.HasPrefix(raw, "{env:") && strings.HasSuffix(raw, "}") {
		name := strings.TrimSuffix(strings.TrimPrefix(raw, "{env:"), "}")
		val, ok := os.LookupEnv(name)
		if !ok {
			return "", errors.Errorf("environment variable %q referenced by api_key is not set", name)
		}
		return val, nil
	}
	return raw, nil
}

func (c *Client) buildRequest(ctx context.Context, opts Options) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, bytes.NewReader(opts.Body))
	if err != nil {
		return nil, errors.Wrap(err, "build provider request")
	}
	req.Header.Set("content-type", "application/json")

	apiKey, err := resolveAPIKey(opts.Provider.APIKey)
	if err != nil {
		return nil, err
	}
	switch opts.Provider.AuthScheme {
	case config.AuthAPIKey:
		req.Header.Set("x-api-key", apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	for k, v := range opts.Provider.CustomHeaders {
		req.Header.Set(k, v)
	}
	if opts.RequestID != "" {
		req.Header.Set("x-plexus-request-id", opts.RequestID)
	}
	return req, nil
}

// Request performs a non-streaming call bounded by the client's
// timeout and returns the parsed (i.e. fully-read) response body, or an
// *APIError on non-2xx status.
func (c *Client) Request(ctx context.Context, opts Options) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read provider response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}

// RequestRaw performs the call and returns the live *http.Response
// without consuming the body, needed for streaming callers that must
// interpret non-2xx themselves and keep reading as bytes arrive. The
// caller's ctx governs cancellation (propagated client disconnect),
// not c.timeout — an open SSE stream legitimately outlives it.
func (c *Client) RequestRaw(ctx context.Context, opts Options) (*http.Response, error) {
	return c.do(ctx, opts)
}

func (c *Client) do(ctx context.Context, opts Options) (*http.Response, error) {
	req, err := c.buildRequest(ctx, opts)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Cause: err}
	}
	return &ConnectionError{Cause: err}
}

// TimeoutError marks a request that exceeded its deadline.
type TimeoutError struct{ Cause error }

func (e *TimeoutError) Error() string { return "provider request timed out: " + e.Cause.Error() }
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ConnectionError marks a DNS/TCP/TLS-layer failure.
type ConnectionError struct{ Cause error }

func (e *ConnectionError) Error() string { return "provider connection failed: " + e.Cause.Error() }
func (e *ConnectionError) Unwrap() error { return e.Cause }

// RetryAfter is the parsed result of parseRetryAfter.
type RetryAfter struct {
	Duration time.Duration
	Source   string // "header" or "default"
}

// ParseRetryAfter reads the Retry-After header, accepting either a
// delta-seconds integer or an HTTP-date. Absent or unparseable yields
// {Source: "default"}.
func ParseRetryAfter(resp *http.Response, defaultDur time.Duration) RetryAfter {
	if resp == nil {
		return RetryAfter{Duration: defaultDur, Source: "default"}
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return RetryAfter{Duration: defaultDur, Source: "default"}
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		return RetryAfter{Duration: time.Duration(secs) * time.Second, Source: "header"}
	}
	if when, err := http.ParseTime(raw); err == nil {
		dur := time.Until(when)
		if dur < 0 {
			dur = 0
		}
		return RetryAfter{Duration: dur, Source: "header"}
	}
	return RetryAfter{Duration: defaultDur, Source: "default"}
}

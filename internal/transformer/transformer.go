// Package transformer implements the Transformer Registry:
// one Transformer per wire dialect, converting between that dialect and
// the package-unified internal representation.
package transformer

import (
	"github.com/mcowger/plexus/internal/sse"
	"github.com/mcowger/plexus/internal/unified"
)

// Dialect names, matching config.ModelConfig.AccessVia and
// unified.Request.IncomingAPIType.
const (
	DialectChat      = "chat"
	DialectMessages   = "messages"
	DialectGemini    = "gemini"
	DialectResponses = "responses"
)

// Transformer is the single interface every dialect implements: no inheritance,
// each concrete type holds only its own state (here, none — all methods
// are pure functions of their arguments).
type Transformer interface {
	Name() string
	DefaultEndpoint() string

	// ParseRequest parses a dialect-native request body into the unified
	// representation. Never lossy in a way that would prevent a matching
	// FormatResponse from reconstructing an equivalent reply.
	ParseRequest(body []byte) (*unified.Request, error)

	// TransformRequest produces a wire body for modelName in this
	// transformer's dialect from a unified request.
	TransformRequest(req *unified.Request, modelName string) ([]byte, error)

	// FormatResponse produces a dialect-native client body from a unified
	// response.
	FormatResponse(resp *unified.Response) ([]byte, error)

	// ParseResponse is FormatResponse's logical inverse: it parses a
	// dialect-native provider response body into the unified
	// representation, needed when the outgoing and client dialects
	// differ.
	ParseResponse(body []byte) (*unified.Response, error)

	// NewStreamDecoder returns a fresh decoder that turns this dialect's
	// raw SSE bytes into unified.StreamEvents. A new instance must be
	// created per in-flight stream: decoders hold accumulation state.
	NewStreamDecoder() StreamDecoder

	// NewStreamEncoder returns a fresh encoder turning unified.StreamEvents
	// back into this dialect's SSE bytes for the client.
	NewStreamEncoder() StreamEncoder

	// ExtractUsage pulls a usage object out of one SSE event's data
	// payload, when that event carries one.
	ExtractUsage(eventData string) (unified.Usage, bool)
}

// StreamDecoder turns raw provider SSE bytes into unified stream events.
// Implementations buffer internally via internal/sse.Reader since a read
// chunk may not align to an event boundary.
type StreamDecoder interface {
	Feed(chunk []byte) []unified.StreamEvent
}

// StreamEncoder turns unified stream events into dialect-native SSE bytes.
type StreamEncoder interface {
	Encode(ev unified.StreamEvent) []byte
}

// Registry looks up a Transformer by dialect name.
type Registry struct {
	byName map[string]Transformer
}

// NewRegistry constructs a Registry pre-populated with the four dialects
// named in DialectChat, DialectMessages, DialectGemini, and DialectResponses.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Transformer, 4)}
	for _, t := range []Transformer{Chat{}, Messages{}, Gemini{}, Responses{}} {
		r.byName[t.Name()] = t
	}
	return r
}

// Get returns the transformer registered under name, or false if none.
func (r *Registry) Get(name string) (Transformer, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// sseReader is embedded by each dialect's decoder to share the
// buffering logic in internal/sse without duplicating it per dialect.
type sseReader struct {
	r sse.Reader
}

// Package unified defines the dialect-agnostic request/response shapes
// that flow between the Router, Dispatcher, Transformer Registry, and
// Response Pipeline.
package unified

import "encoding/json"

// Role is a message author role, shared across all dialects.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType distinguishes ordered content-part kinds within a message.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartFile       PartType = "file"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
)

// ImageSource carries one of base64/url/file_id, matching whichever the
// source dialect provided; transformers are responsible for producing a
// target dialect's preferred form.
type ImageSource struct {
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

// Part is one ordered piece of message content.
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	Image *ImageSource `json:"image,omitempty"`

	// File covers document/PDF inputs, using the same source shape as Image.
	File *ImageSource `json:"file,omitempty"`

	// ToolUse fields, present when Type == PartToolUse.
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolArgsRaw json.RawMessage `json:"tool_args,omitempty"`

	// ToolResult fields, present when Type == PartToolResult.
	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	ToolResultText  string `json:"tool_result_text,omitempty"`
	ToolResultError bool   `json:"tool_result_is_error,omitempty"`

	// Reasoning holds provider "thinking"/extended-reasoning content,
	// mapped here from whichever dialect-specific block carried it.
	Reasoning string `json:"reasoning,omitempty"`
}

// Message is one turn in the conversation, dialect-agnostic.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// ToolChoice is normalized to one of these four shapes; dialect "any"
// collapses to ToolChoiceAuto.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "tool"
)

// ToolChoice selects how the model may invoke tools.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"` // set when Mode == ToolChoiceNamed
}

// Tool is a single callable tool/function schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponseFormatKind is the unified response-format discriminant; the
// dialects' json_object and json_schema both collapse to FormatJSON with
// an optional Schema.
type ResponseFormatKind string

const (
	FormatText ResponseFormatKind = "text"
	FormatJSON ResponseFormatKind = "json"
)

// ResponseFormat constrains the shape of the model's reply.
type ResponseFormat struct {
	Kind   ResponseFormatKind `json:"kind"`
	Schema json.RawMessage    `json:"schema,omitempty"`
}

// Warning is a structured, non-fatal note attached when an incoming
// feature has no target-dialect equivalent.
type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Request is the dialect-agnostic request shape produced by
// Transformer.ParseRequest and consumed by Transformer.TransformRequest.
type Request struct {
	Model string `json:"model"`

	Messages []Message `json:"messages"`
	System   string    `json:"system,omitempty"`

	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	MaxTokens      *int     `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	StopSequences  []string `json:"stop,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	Stream bool `json:"stream,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// IncomingAPIType is the dialect this request was parsed from: one of
	// "chat", "messages", "gemini", "responses".
	IncomingAPIType string `json:"-"`

	// OriginalBody is the raw bytes the caller sent, retained for the
	// pass-through optimization.
	OriginalBody json.RawMessage `json:"-"`

	// RequestID is the id assigned at ingress, threaded through dispatch
	// and persistence.
	RequestID string `json:"-"`

	Warnings []Warning `json:"-"`
}

// Clone returns a deep-enough copy of Request safe to mutate (e.g. to swap
// Model) without aliasing the original — see Open Question (a) in
// spec.md §9: the source mutates OriginalBody.model in place, Plexus
// clones first.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Messages = append([]Message(nil), r.Messages...)
	cp.Tools = append([]Tool(nil), r.Tools...)
	cp.StopSequences = append([]string(nil), r.StopSequences...)
	cp.Warnings = append([]Warning(nil), r.Warnings...)
	if len(r.OriginalBody) > 0 {
		cp.OriginalBody = append(json.RawMessage(nil), r.OriginalBody...)
	}
	return &cp
}

// Usage carries token accounting, populated incrementally by the Usage
// Inspector during streaming or all at once for unary responses.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	ReasoningTokens     int `json:"reasoning_tokens,omitempty"`
	CachedTokens        int `json:"cached_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// PlexusEnvelope is internal routing/cost/attempt metadata attached to a
// Response. It must never reach the client (spec invariant I4); the
// Response Pipeline strips it before serialization.
type PlexusEnvelope struct {
	Provider             string   `json:"provider"`
	Model                string   `json:"model"`
	CanonicalModel       string   `json:"canonical_model"`
	APIType              string   `json:"api_type"`
	Pricing              any      `json:"pricing,omitempty"`
	ProviderDiscount     float64  `json:"provider_discount,omitempty"`
	AttemptCount         int      `json:"attempt_count"`
	FinalAttemptProvider string   `json:"final_attempt_provider"`
	FinalAttemptModel    string   `json:"final_attempt_model"`
	AllAttemptedProviders []string `json:"all_attempted_providers"`
}

// StreamEvent is one decoded chunk of a unified streaming response, the
// currency between a transformer's StreamDecoder.Feed and StreamEncoder.Encode.
type StreamEvent struct {
	Delta        Part   `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage is set only on the terminal event(s) that carried usage data;
	// zero-value otherwise.
	Usage   Usage `json:"-"`
	HasUsage bool  `json:"-"`

	// Done marks the dialect's explicit stream terminator (e.g. OpenAI's
	// "[DONE]"), carrying no delta of its own.
	Done bool `json:"-"`
}

// Response is the dialect-agnostic response shape produced either by a
// provider transformer's logical inverse (unary) or accumulated by the
// Usage Inspector (streaming).
type Response struct {
	Model string `json:"model"`

	Content []Part `json:"content"`

	Stream bool `json:"stream,omitempty"`

	// RawResponse holds the verbatim provider body/stream for pass-through
	// flows; mutually exclusive in practice with Content being populated
	// from a transformed flow.
	RawResponse json.RawMessage `json:"-"`

	// BypassTransformation is set by the Dispatcher when incoming and
	// outgoing dialects matched and no transformation ran.
	BypassTransformation bool `json:"-"`

	Usage Usage `json:"usage"`

	ToolCalls []Part `json:"tool_calls,omitempty"`

	FinishReason string `json:"finish_reason,omitempty"`

	Warnings []Warning `json:"-"`

	Plexus PlexusEnvelope `json:"-"`
}

package transformer

import (
	"encoding/json"

	"github.com/mcowger/plexus/internal/unified"
)

// Messages implements the Anthropic Messages API dialect. Imputation of
// missing reasoning-token counts from accumulated thinking deltas (spec
// §4.8 "Anthropic imputation") is performed by internal/usageinspect,
// which consumes the unified.StreamEvent.Delta.Reasoning text this
// decoder produces.
type Messages struct{}

func (Messages) Name() string            { return DialectMessages }
func (Messages) DefaultEndpoint() string { return "/v1/messages" }

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicBlock struct {
	Type      string                `json:"type"`
	Text      string                `json:"text,omitempty"`
	Source    *anthropicImageSource `json:"source,omitempty"`
	ID        string                `json:"id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Input     json.RawMessage       `json:"input,omitempty"`
	ToolUseID string                `json:"tool_use_id,omitempty"`
	Content   json.RawMessage       `json:"content,omitempty"`
	IsError   bool                  `json:"is_error,omitempty"`
	Thinking  string                `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicRequest struct {
	Model         string               `json:"model"`
	System        string               `json:"system,omitempty"`
	Messages      []anthropicMessage   `json:"messages"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	MaxTokens     int                  `json:"max_tokens"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason,omitempty"`
	Usage      anthropicUsage   `json:"usage"`
}

func (Messages) ParseRequest(body []byte) (*unified.Request, error) {
	var raw anthropicRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	maxTokens := raw.MaxTokens
	req := &unified.Request{
		Model:           raw.Model,
		System:          raw.System,
		MaxTokens:       &maxTokens,
		Temperature:     raw.Temperature,
		TopP:            raw.TopP,
		StopSequences:   raw.StopSequences,
		Stream:          raw.Stream,
		IncomingAPIType: DialectMessages,
		OriginalBody:    json.RawMessage(body),
	}
	for _, m := range raw.Messages {
		msg := unified.Message{Role: unified.Role(m.Role)}
		for _, b := range m.Content {
			msg.Parts = append(msg.Parts, blockToPart(b))
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range raw.Tools {
		req.Tools = append(req.Tools, unified.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	if raw.ToolChoice != nil {
		switch raw.ToolChoice.Type {
		case "auto", "any":
			req.ToolChoice = &unified.ToolChoice{Mode: unified.ToolChoiceAuto}
		case "none":
			req.ToolChoice = &unified.ToolChoice{Mode: unified.ToolChoiceNone}
		case "tool":
			req.ToolChoice = &unified.ToolChoice{Mode: unified.ToolChoiceNamed, Name: raw.ToolChoice.Name}
		}
	}
	return req, nil
}

func blockToPart(b anthropicBlock) unified.Part {
	switch b.Type {
	case "text":
		return unified.Part{Type: unified.PartText, Text: b.Text}
	case "thinking":
		return unified.Part{Type: unified.PartReasoning, Reasoning: b.Thinking}
	case "image":
		img := &unified.ImageSource{}
		if b.Source != nil {
			img.Base64 = b.Source.Data
			img.MimeType = b.Source.MediaType
			img.URL = b.Source.URL
		}
		return unified.Part{Type: unified.PartImage, Image: img}
	case "document":
		img := &unified.ImageSource{}
		if b.Source != nil {
			img.Base64 = b.Source.Data
			img.MimeType = b.Source.MediaType
			img.URL = b.Source.URL
		}
		return unified.Part{Type: unified.PartFile, File: img}
	case "tool_use":
		return unified.Part{Type: unified.PartToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolArgsRaw: b.Input}
	case "tool_result":
		text := ""
		var s string
		if json.Unmarshal(b.Content, &s) == nil {
			text = s
		}
		return unified.Part{Type: unified.PartToolResult, ToolResultForID: b.ToolUseID, ToolResultText: text, ToolResultError: b.IsError}
	default:
		return unified.Part{Type: unified.PartText}
	}
}

func partToBlock(p unified.Part) anthropicBlock {
	switch p.Type {
	case unified.PartReasoning:
		return anthropicBlock{Type: "thinking", Thinking: p.Reasoning}
	case unified.PartImage:
		b := anthropicBlock{Type: "image"}
		if p.Image != nil {
			b.Source = &anthropicImageSource{Type: "base64", MediaType: p.Image.MimeType, Data: p.Image.Base64, URL: p.Image.URL}
		}
		return b
	case unified.PartFile:
		b := anthropicBlock{Type: "document"}
		if p.File != nil {
			b.Source = &anthropicImageSource{Type: "base64", MediaType: p.File.MimeType, Data: p.File.Base64, URL: p.File.URL}
		}
		return b
	case unified.PartToolUse:
		return anthropicBlock{Type: "tool_use", ID: p.ToolUseID, Name: p.ToolName, Input: p.ToolArgsRaw}
	case unified.PartToolResult:
		content, _ := json.Marshal(p.ToolResultText)
		return anthropicBlock{Type: "tool_result", ToolUseID: p.ToolResultForID, Content: content, IsError: p.ToolResultError}
	default:
		return anthropicBlock{Type: "text", Text: p.Text}
	}
}

func (Messages) TransformRequest(req *unified.Request, modelName string) ([]byte, error) {
	out := anthropicRequest{
		Model:         modelName,
		System:        req.System,
		MaxTokens:     ptrIntVal(req.MaxTokens),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}
	for _, m := range req.Messages {
		am := anthropicMessage{Role: string(m.Role)}
		for _, p := range m.Parts {
			am.Content = append(am.Content, partToBlock(p))
		}
		out.Messages = append(out.Messages, am)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case unified.ToolChoiceNone:
			out.ToolChoice = &anthropicToolChoice{Type: "none"}
		case unified.ToolChoiceRequired:
			out.ToolChoice = &anthropicToolChoice{Type: "any"}
		case unified.ToolChoiceNamed:
			out.ToolChoice = &anthropicToolChoice{Type: "tool", Name: req.ToolChoice.Name}
		default:
			out.ToolChoice = &anthropicToolChoice{Type: "auto"}
		}
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Kind == unified.FormatJSON {
		req.Warnings = append(req.Warnings, warnDropped("response_format", "messages dialect has no native json response_format; relying on prompt instructions"))
	}
	return json.Marshal(out)
}

func (Messages) FormatResponse(resp *unified.Response) ([]byte, error) {
	out := anthropicResponse{Model: resp.Model, StopReason: resp.FinishReason}
	for _, p := range resp.Content {
		out.Content = append(out.Content, partToBlock(p))
	}
	for _, p := range resp.ToolCalls {
		out.Content = append(out.Content, partToBlock(p))
	}
	out.Usage = anthropicUsage{
		InputTokens:              resp.Usage.InputTokens,
		OutputTokens:             resp.Usage.OutputTokens,
		CacheCreationInputTokens: resp.Usage.CacheCreationTokens,
		CacheReadInputTokens:     resp.Usage.CachedTokens,
	}
	return json.Marshal(out)
}

func (Messages) ParseResponse(body []byte) (*unified.Response, error) {
	var raw anthropicResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	resp := &unified.Response{Model: raw.Model, FinishReason: raw.StopReason, Usage: usageFromAnthropic(raw.Usage), RawResponse: json.RawMessage(body)}
	for _, b := range raw.Content {
		p := blockToPart(b)
		if p.Type == unified.PartToolUse {
			resp.ToolCalls = append(resp.ToolCalls, p)
		} else {
			resp.Content = append(resp.Content, p)
		}
	}
	return resp, nil
}

type anthropicStreamDecoder struct {
	sseReader
	activeBlockType string
}

func (Messages) NewStreamDecoder() StreamDecoder { return &anthropicStreamDecoder{} }

func (d *anthropicStreamDecoder) Feed(chunk []byte) []unified.StreamEvent {
	var out []unified.StreamEvent
	for _, ev := range d.r.Feed(chunk) {
		switch ev.Name {
		case "content_block_start":
			var payload struct {
				ContentBlock struct {
					Type string `json:"type"`
				} `json:"content_block"`
			}
			if json.Unmarshal([]byte(ev.Data), &payload) == nil {
				d.activeBlockType = payload.ContentBlock.Type
			}
		case "content_block_delta":
			var payload struct {
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
					Thinking    string `json:"thinking"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(ev.Data), &payload) != nil {
				continue
			}
			switch payload.Delta.Type {
			case "text_delta":
				out = append(out, unified.StreamEvent{Delta: unified.Part{Type: unified.PartText, Text: payload.Delta.Text}})
			case "thinking_delta":
				out = append(out, unified.StreamEvent{Delta: unified.Part{Type: unified.PartReasoning, Reasoning: payload.Delta.Thinking}})
			case "input_json_delta":
				out = append(out, unified.StreamEvent{Delta: unified.Part{Type: unified.PartToolUse, ToolArgsRaw: json.RawMessage(payload.Delta.PartialJSON)}})
			}
		case "message_start":
			var payload struct {
				Message struct {
					Usage anthropicUsage `json:"usage"`
				} `json:"message"`
			}
			if json.Unmarshal([]byte(ev.Data), &payload) == nil {
				out = append(out, unified.StreamEvent{HasUsage: true, Usage: usageFromAnthropic(payload.Message.Usage)})
			}
		case "message_delta":
			var payload struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage anthropicUsage `json:"usage"`
			}
			if json.Unmarshal([]byte(ev.Data), &payload) == nil {
				out = append(out, unified.StreamEvent{FinishReason: payload.Delta.StopReason, HasUsage: true, Usage: usageFromAnthropic(payload.Usage)})
			}
		case "message_stop":
			out = append(out, unified.StreamEvent{Done: true})
		}
	}
	return out
}

func usageFromAnthropic(u anthropicUsage) unified.Usage {
	return unified.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CachedTokens:        u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

type anthropicStreamEncoder struct{ blockOpen bool }

func (Messages) NewStreamEncoder() StreamEncoder { return &anthropicStreamEncoder{} }

func (e *anthropicStreamEncoder) Encode(ev unified.StreamEvent) []byte {
	if ev.Done {
		return sseFrame("message_stop", map[string]any{"type": "message_stop"})
	}
	if ev.FinishReason != "" {
		return sseFrame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]string{"stop_reason": ev.FinishReason},
			"usage": anthropicUsage{OutputTokens: ev.Usage.OutputTokens},
		})
	}
	deltaType := "text_delta"
	payload := map[string]any{"type": deltaType, "text": ev.Delta.Text}
	if ev.Delta.Type == unified.PartReasoning {
		payload = map[string]any{"type": "thinking_delta", "thinking": ev.Delta.Reasoning}
	}
	return sseFrame("content_block_delta", map[string]any{"type": "content_block_delta", "index": 0, "delta": payload})
}

func sseFrame(name string, payload any) []byte {
	b, _ := json.Marshal(payload)
	out := "event: " + name + "\ndata: " + string(b) + "\n\n"
	return []byte(out)
}

func (Messages) ExtractUsage(eventData string) (unified.Usage, bool) {
	var payload struct {
		Type  string         `json:"type"`
		Usage anthropicUsage `json:"usage"`
		Message struct {
			Usage anthropicUsage `json:"usage"`
		} `json:"message"`
	}
	if json.Unmarshal([]byte(eventData), &payload) != nil {
		return unified.Usage{}, false
	}
	switch payload.Type {
	case "message_start":
		return usageFromAnthropic(payload.Message.Usage), true
	case "message_delta":
		return usageFromAnthropic(payload.Usage), true
	default:
		return unified.Usage{}, false
	}
}

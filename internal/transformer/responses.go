package transformer

import (
	"encoding/json"

	"github.com/mcowger/plexus/internal/unified"
)

// Responses implements the OpenAI Responses API dialect.
type Responses struct{}

func (Responses) Name() string            { return DialectResponses }
func (Responses) DefaultEndpoint() string { return "/v1/responses" }

type responsesContentItem struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image_url,omitempty"`
}

type responsesInputItem struct {
	Type      string                  `json:"type,omitempty"`
	Role      string                  `json:"role,omitempty"`
	Content   []responsesContentItem  `json:"content,omitempty"`
	CallID    string                  `json:"call_id,omitempty"`
	Name      string                  `json:"name,omitempty"`
	Arguments string                  `json:"arguments,omitempty"`
	Output    string                  `json:"output,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responsesRequest struct {
	Model           string                `json:"model"`
	Input           []responsesInputItem  `json:"input"`
	Instructions    string                `json:"instructions,omitempty"`
	Tools           []responsesTool       `json:"tools,omitempty"`
	ToolChoice      json.RawMessage       `json:"tool_choice,omitempty"`
	MaxOutputTokens *int                  `json:"max_output_tokens,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"top_p,omitempty"`
	Stream          bool                  `json:"stream,omitempty"`
	Text            *responsesTextConfig  `json:"text,omitempty"`
}

type responsesTextConfig struct {
	Format *struct {
		Type   string          `json:"type"`
		Schema json.RawMessage `json:"schema,omitempty"`
	} `json:"format,omitempty"`
}

type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	OutputTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details,omitempty"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
}

type responsesOutputItem struct {
	Type      string                 `json:"type"`
	Role      string                 `json:"role,omitempty"`
	Content   []responsesContentItem `json:"content,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments string                 `json:"arguments,omitempty"`
	Summary   []responsesContentItem `json:"summary,omitempty"`
}

type responsesResponse struct {
	Model  string                 `json:"model"`
	Output []responsesOutputItem  `json:"output"`
	Usage  responsesUsage         `json:"usage"`
}

func (Responses) ParseRequest(body []byte) (*unified.Request, error) {
	var raw responsesRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	req := &unified.Request{
		Model:           raw.Model,
		System:          raw.Instructions,
		MaxTokens:       raw.MaxOutputTokens,
		Temperature:     raw.Temperature,
		TopP:            raw.TopP,
		Stream:          raw.Stream,
		IncomingAPIType: DialectResponses,
		OriginalBody:    json.RawMessage(body),
	}
	for _, item := range raw.Input {
		switch item.Type {
		case "function_call":
			req.Messages = append(req.Messages, unified.Message{
				Role:  unified.RoleAssistant,
				Parts: []unified.Part{{Type: unified.PartToolUse, ToolUseID: item.CallID, ToolName: item.Name, ToolArgsRaw: json.RawMessage(item.Arguments)}},
			})
		case "function_call_output":
			req.Messages = append(req.Messages, unified.Message{
				Role:  unified.RoleTool,
				Parts: []unified.Part{{Type: unified.PartToolResult, ToolResultForID: item.CallID, ToolResultText: item.Output}},
			})
		default:
			role := unified.Role(item.Role)
			if role == "" {
				role = unified.RoleUser
			}
			msg := unified.Message{Role: role}
			for _, c := range item.Content {
				switch c.Type {
				case "input_text", "output_text":
					msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartText, Text: c.Text})
				case "input_image":
					msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartImage, Image: &unified.ImageSource{URL: c.Image}})
				}
			}
			req.Messages = append(req.Messages, msg)
		}
	}
	for _, t := range raw.Tools {
		req.Tools = append(req.Tools, unified.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	req.ToolChoice = parseChatToolChoice(raw.ToolChoice)
	if raw.Text != nil && raw.Text.Format != nil {
		switch raw.Text.Format.Type {
		case "json_object":
			req.ResponseFormat = &unified.ResponseFormat{Kind: unified.FormatJSON}
		case "json_schema":
			req.ResponseFormat = &unified.ResponseFormat{Kind: unified.FormatJSON, Schema: raw.Text.Format.Schema}
		}
	}
	return req, nil
}

func (Responses) TransformRequest(req *unified.Request, modelName string) ([]byte, error) {
	out := responsesRequest{
		Model:           modelName,
		Instructions:    req.System,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
		ToolChoice:      formatChatToolChoice(req.ToolChoice),
	}
	for _, m := range req.Messages {
		out.Input = append(out.Input, messageToResponsesItem(m))
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, responsesTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Kind == unified.FormatJSON {
		format := &struct {
			Type   string          `json:"type"`
			Schema json.RawMessage `json:"schema,omitempty"`
		}{Type: "json_object"}
		if len(req.ResponseFormat.Schema) > 0 {
			format.Type = "json_schema"
			format.Schema = req.ResponseFormat.Schema
		}
		out.Text = &responsesTextConfig{Format: format}
	}
	return json.Marshal(out)
}

func messageToResponsesItem(m unified.Message) responsesInputItem {
	for _, p := range m.Parts {
		if p.Type == unified.PartToolUse {
			args, _ := json.Marshal(json.RawMessage(p.ToolArgsRaw))
			return responsesInputItem{Type: "function_call", CallID: p.ToolUseID, Name: p.ToolName, Arguments: string(args)}
		}
		if p.Type == unified.PartToolResult {
			return responsesInputItem{Type: "function_call_output", CallID: p.ToolResultForID, Output: p.ToolResultText}
		}
	}
	item := responsesInputItem{Role: string(m.Role)}
	contentType := "input_text"
	if m.Role == unified.RoleAssistant {
		contentType = "output_text"
	}
	for _, p := range m.Parts {
		switch p.Type {
		case unified.PartText:
			item.Content = append(item.Content, responsesContentItem{Type: contentType, Text: p.Text})
		case unified.PartImage:
			if p.Image != nil {
				url := p.Image.URL
				if url == "" && p.Image.Base64 != "" {
					url = "data:" + p.Image.MimeType + ";base64," + p.Image.Base64
				}
				item.Content = append(item.Content, responsesContentItem{Type: "input_image", Image: url})
			}
		}
	}
	return item
}

func (Responses) FormatResponse(resp *unified.Response) ([]byte, error) {
	out := responsesResponse{Model: resp.Model}
	text := textOf(resp.Content)
	if text != "" {
		out.Output = append(out.Output, responsesOutputItem{
			Type: "message", Role: "assistant",
			Content: []responsesContentItem{{Type: "output_text", Text: text}},
		})
	}
	for _, p := range resp.Content {
		if p.Type == unified.PartReasoning {
			out.Output = append(out.Output, responsesOutputItem{Type: "reasoning", Summary: []responsesContentItem{{Text: p.Reasoning}}})
		}
	}
	for _, p := range resp.ToolCalls {
		args, _ := json.Marshal(json.RawMessage(p.ToolArgsRaw))
		out.Output = append(out.Output, responsesOutputItem{Type: "function_call", CallID: p.ToolUseID, Name: p.ToolName, Arguments: string(args)})
	}
	out.Usage = responsesUsage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	if resp.Usage.ReasoningTokens > 0 {
		out.Usage.OutputTokensDetails = &struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		}{ReasoningTokens: resp.Usage.ReasoningTokens}
	}
	if resp.Usage.CachedTokens > 0 {
		out.Usage.InputTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens"`
		}{CachedTokens: resp.Usage.CachedTokens}
	}
	return json.Marshal(out)
}

func (Responses) ParseResponse(body []byte) (*unified.Response, error) {
	var raw responsesResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	resp := &unified.Response{Model: raw.Model, Usage: usageFromResponses(raw.Usage), RawResponse: json.RawMessage(body)}
	for _, item := range raw.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					resp.Content = append(resp.Content, unified.Part{Type: unified.PartText, Text: c.Text})
				}
			}
		case "reasoning":
			for _, s := range item.Summary {
				resp.Content = append(resp.Content, unified.Part{Type: unified.PartReasoning, Reasoning: s.Text})
			}
		case "function_call":
			resp.ToolCalls = append(resp.ToolCalls, unified.Part{
				Type: unified.PartToolUse, ToolUseID: item.CallID, ToolName: item.Name,
				ToolArgsRaw: json.RawMessage(item.Arguments),
			})
		}
	}
	return resp, nil
}

type responsesStreamDecoder struct{ sseReader }

func (Responses) NewStreamDecoder() StreamDecoder { return &responsesStreamDecoder{} }

type responsesStreamEnvelope struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Response *struct {
		Usage responsesUsage `json:"usage"`
	} `json:"response,omitempty"`
}

func (d *responsesStreamDecoder) Feed(chunk []byte) []unified.StreamEvent {
	var out []unified.StreamEvent
	for _, ev := range d.r.Feed(chunk) {
		var payload responsesStreamEnvelope
		if json.Unmarshal([]byte(ev.Data), &payload) != nil {
			continue
		}
		switch payload.Type {
		case "response.output_text.delta":
			out = append(out, unified.StreamEvent{Delta: unified.Part{Type: unified.PartText, Text: payload.Delta}})
		case "response.reasoning_summary_text.delta":
			out = append(out, unified.StreamEvent{Delta: unified.Part{Type: unified.PartReasoning, Reasoning: payload.Delta}})
		case "response.function_call_arguments.delta":
			out = append(out, unified.StreamEvent{Delta: unified.Part{Type: unified.PartToolUse, ToolArgsRaw: json.RawMessage(payload.Delta)}})
		case "response.completed":
			e := unified.StreamEvent{FinishReason: "stop", Done: true}
			if payload.Response != nil {
				e.HasUsage = true
				e.Usage = usageFromResponses(payload.Response.Usage)
			}
			out = append(out, e)
		}
	}
	return out
}

func usageFromResponses(u responsesUsage) unified.Usage {
	out := unified.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	if u.OutputTokensDetails != nil {
		out.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
	}
	if u.InputTokensDetails != nil {
		out.CachedTokens = u.InputTokensDetails.CachedTokens
	}
	return out
}

type responsesStreamEncoder struct{}

func (Responses) NewStreamEncoder() StreamEncoder { return responsesStreamEncoder{} }

func (responsesStreamEncoder) Encode(ev unified.StreamEvent) []byte {
	if ev.Done {
		payload := map[string]any{"type": "response.completed", "response": map[string]any{"usage": responsesUsage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}}}
		b, _ := json.Marshal(payload)
		return append(append([]byte("data: "), b...), []byte("\n\n")...)
	}
	evType := "response.output_text.delta"
	if ev.Delta.Type == unified.PartReasoning {
		evType = "response.reasoning_summary_text.delta"
	}
	b, _ := json.Marshal(map[string]any{"type": evType, "delta": ev.Delta.Text})
	return append(append([]byte("data: "), b...), []byte("\n\n")...)
}

func (Responses) ExtractUsage(eventData string) (unified.Usage, bool) {
	var payload responsesStreamEnvelope
	if json.Unmarshal([]byte(eventData), &payload) != nil || payload.Response == nil {
		return unified.Usage{}, false
	}
	return usageFromResponses(payload.Response.Usage), true
}

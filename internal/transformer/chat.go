package transformer

import (
	"encoding/json"

	"github.com/mcowger/plexus/internal/unified"
)

// Chat implements the OpenAI Chat Completions dialect.
type Chat struct{}

func (Chat) Name() string            { return DialectChat }
func (Chat) DefaultEndpoint() string { return "/v1/chat/completions" }

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Tools          []chatTool      `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta        chatMessage `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (Chat) ParseRequest(body []byte) (*unified.Request, error) {
	var raw chatRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	req := &unified.Request{
		Model:           raw.Model,
		MaxTokens:       raw.MaxTokens,
		Temperature:     raw.Temperature,
		TopP:            raw.TopP,
		StopSequences:   raw.Stop,
		Stream:          raw.Stream,
		IncomingAPIType: DialectChat,
		OriginalBody:    json.RawMessage(body),
	}

	for _, m := range raw.Messages {
		role := unified.Role(m.Role)
		if m.Role == "system" {
			req.System += textFromChatContent(m.Content)
			continue
		}
		msg := unified.Message{Role: role}
		msg.Parts = append(msg.Parts, partsFromChatContent(m.Content)...)
		if m.ToolCallID != "" {
			msg.Parts = append(msg.Parts, unified.Part{
				Type:            unified.PartToolResult,
				ToolResultForID: m.ToolCallID,
				ToolResultText:  textFromChatContent(m.Content),
			})
		}
		for _, tc := range m.ToolCalls {
			msg.Parts = append(msg.Parts, unified.Part{
				Type:        unified.PartToolUse,
				ToolUseID:   tc.ID,
				ToolName:    tc.Function.Name,
				ToolArgsRaw: json.RawMessage(tc.Function.Arguments),
			})
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range raw.Tools {
		req.Tools = append(req.Tools, unified.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	req.ToolChoice = parseChatToolChoice(raw.ToolChoice)
	req.ResponseFormat = parseChatResponseFormat(raw.ResponseFormat)
	return req, nil
}

func textFromChatContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []chatContentPart
	if json.Unmarshal(raw, &parts) == nil {
		out := ""
		for _, p := range parts {
			if p.Type == "text" {
				out += p.Text
			}
		}
		return out
	}
	return ""
}

func partsFromChatContent(raw json.RawMessage) []unified.Part {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil
		}
		return []unified.Part{{Type: unified.PartText, Text: s}}
	}
	var parts []chatContentPart
	if json.Unmarshal(raw, &parts) == nil {
		out := make([]unified.Part, 0, len(parts))
		for _, p := range parts {
			switch p.Type {
			case "text":
				out = append(out, unified.Part{Type: unified.PartText, Text: p.Text})
			case "image_url":
				if p.ImageURL != nil {
					out = append(out, unified.Part{Type: unified.PartImage, Image: &unified.ImageSource{URL: p.ImageURL.URL}})
				}
			}
		}
		return out
	}
	return nil
}

func parseChatToolChoice(raw json.RawMessage) *unified.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto", "any":
			return &unified.ToolChoice{Mode: unified.ToolChoiceAuto}
		case "none":
			return &unified.ToolChoice{Mode: unified.ToolChoiceNone}
		case "required":
			return &unified.ToolChoice{Mode: unified.ToolChoiceRequired}
		}
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Function.Name != "" {
		return &unified.ToolChoice{Mode: unified.ToolChoiceNamed, Name: named.Function.Name}
	}
	return nil
}

func formatChatToolChoice(tc *unified.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case unified.ToolChoiceNone:
		return json.RawMessage(`"none"`)
	case unified.ToolChoiceRequired:
		return json.RawMessage(`"required"`)
	case unified.ToolChoiceNamed:
		b, _ := json.Marshal(map[string]any{"type": "function", "function": map[string]string{"name": tc.Name}})
		return b
	default:
		return json.RawMessage(`"auto"`)
	}
}

func parseChatResponseFormat(raw json.RawMessage) *unified.ResponseFormat {
	if len(raw) == 0 {
		return nil
	}
	var rf struct {
		Type       string `json:"type"`
		JSONSchema *struct {
			Schema json.RawMessage `json:"schema"`
		} `json:"json_schema,omitempty"`
	}
	if json.Unmarshal(raw, &rf) != nil {
		return nil
	}
	switch rf.Type {
	case "json_object":
		return &unified.ResponseFormat{Kind: unified.FormatJSON}
	case "json_schema":
		var schema json.RawMessage
		if rf.JSONSchema != nil {
			schema = rf.JSONSchema.Schema
		}
		return &unified.ResponseFormat{Kind: unified.FormatJSON, Schema: schema}
	default:
		return &unified.ResponseFormat{Kind: unified.FormatText}
	}
}

func formatChatResponseFormat(rf *unified.ResponseFormat) json.RawMessage {
	if rf == nil || rf.Kind == unified.FormatText {
		return nil
	}
	if len(rf.Schema) > 0 {
		b, _ := json.Marshal(map[string]any{"type": "json_schema", "json_schema": map[string]any{"schema": rf.Schema}})
		return b
	}
	return json.RawMessage(`{"type":"json_object"}`)
}

func (Chat) TransformRequest(req *unified.Request, modelName string) ([]byte, error) {
	out := chatRequest{
		Model:          modelName,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stop:           req.StopSequences,
		Stream:         req.Stream,
		ToolChoice:     formatChatToolChoice(req.ToolChoice),
		ResponseFormat: formatChatResponseFormat(req.ResponseFormat),
	}
	if req.System != "" {
		content, _ := json.Marshal(req.System)
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: content})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, messageToChat(m))
	}
	for _, t := range req.Tools {
		ct := chatTool{Type: "function"}
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ct)
	}
	return json.Marshal(out)
}

func messageToChat(m unified.Message) chatMessage {
	cm := chatMessage{Role: string(m.Role)}
	var textParts []chatContentPart
	for _, p := range m.Parts {
		switch p.Type {
		case unified.PartText:
			textParts = append(textParts, chatContentPart{Type: "text", Text: p.Text})
		case unified.PartImage:
			if p.Image != nil {
				url := p.Image.URL
				if url == "" && p.Image.Base64 != "" {
					url = "data:" + p.Image.MimeType + ";base64," + p.Image.Base64
				}
				textParts = append(textParts, chatContentPart{Type: "image_url", ImageURL: &struct {
					URL string `json:"url"`
				}{URL: url}})
			}
		case unified.PartToolUse:
			args, _ := json.Marshal(json.RawMessage(p.ToolArgsRaw))
			tc := chatToolCall{ID: p.ToolUseID, Type: "function"}
			tc.Function.Name = p.ToolName
			tc.Function.Arguments = string(args)
			cm.ToolCalls = append(cm.ToolCalls, tc)
		case unified.PartToolResult:
			cm.ToolCallID = p.ToolResultForID
			b, _ := json.Marshal(p.ToolResultText)
			cm.Content = b
		}
	}
	if cm.Content == nil && len(textParts) > 0 {
		if len(textParts) == 1 && textParts[0].Type == "text" {
			b, _ := json.Marshal(textParts[0].Text)
			cm.Content = b
		} else {
			b, _ := json.Marshal(textParts)
			cm.Content = b
		}
	}
	return cm
}

func (Chat) FormatResponse(resp *unified.Response) ([]byte, error) {
	out := chatResponse{Model: resp.Model}
	var choice struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}
	choice.Message.Role = "assistant"
	text := textOf(resp.Content)
	if text != "" {
		b, _ := json.Marshal(text)
		choice.Message.Content = b
	}
	for _, p := range resp.ToolCalls {
		args, _ := json.Marshal(json.RawMessage(p.ToolArgsRaw))
		tc := chatToolCall{ID: p.ToolUseID, Type: "function"}
		tc.Function.Name = p.ToolName
		tc.Function.Arguments = string(args)
		choice.Message.ToolCalls = append(choice.Message.ToolCalls, tc)
	}
	choice.FinishReason = resp.FinishReason
	out.Choices = append(out.Choices, choice)
	out.Usage = chatUsage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens}
	if resp.Usage.ReasoningTokens > 0 {
		out.Usage.CompletionTokensDetails = &struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		}{ReasoningTokens: resp.Usage.ReasoningTokens}
	}
	if resp.Usage.CachedTokens > 0 {
		out.Usage.PromptTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens"`
		}{CachedTokens: resp.Usage.CachedTokens}
	}
	return json.Marshal(out)
}

func (Chat) ParseResponse(body []byte) (*unified.Response, error) {
	var raw chatResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	resp := &unified.Response{Model: raw.Model, Usage: usageFromChat(raw.Usage), RawResponse: json.RawMessage(body)}
	if len(raw.Choices) > 0 {
		choice := raw.Choices[0]
		resp.FinishReason = choice.FinishReason
		if text := textFromChatContent(choice.Message.Content); text != "" {
			resp.Content = append(resp.Content, unified.Part{Type: unified.PartText, Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, unified.Part{
				Type: unified.PartToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name,
				ToolArgsRaw: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	return resp, nil
}

type chatStreamDecoder struct{ sseReader }

func (Chat) NewStreamDecoder() StreamDecoder { return &chatStreamDecoder{} }

func (d *chatStreamDecoder) Feed(chunk []byte) []unified.StreamEvent {
	var out []unified.StreamEvent
	for _, ev := range d.r.Feed(chunk) {
		if ev.Data == "[DONE]" {
			out = append(out, unified.StreamEvent{Done: true})
			continue
		}
		var c chatStreamChunk
		if json.Unmarshal([]byte(ev.Data), &c) != nil || len(c.Choices) == 0 {
			continue
		}
		choice := c.Choices[0]
		text := textFromChatContent(choice.Delta.Content)
		e := unified.StreamEvent{Delta: unified.Part{Type: unified.PartText, Text: text}}
		if choice.FinishReason != nil {
			e.FinishReason = *choice.FinishReason
		}
		if c.Usage != nil {
			e.HasUsage = true
			e.Usage = usageFromChat(*c.Usage)
		}
		out = append(out, e)
	}
	return out
}

func usageFromChat(u chatUsage) unified.Usage {
	out := unified.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

type chatStreamEncoder struct{}

func (Chat) NewStreamEncoder() StreamEncoder { return chatStreamEncoder{} }

func (chatStreamEncoder) Encode(ev unified.StreamEvent) []byte {
	if ev.Done {
		return []byte("data: [DONE]\n\n")
	}
	var chunk chatStreamChunk
	var choice struct {
		Delta        chatMessage `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	}
	if ev.Delta.Text != "" {
		b, _ := json.Marshal(ev.Delta.Text)
		choice.Delta.Content = b
	}
	choice.Delta.Role = "assistant"
	if ev.FinishReason != "" {
		choice.FinishReason = strPtr(ev.FinishReason)
	}
	chunk.Choices = []struct {
		Delta        chatMessage `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	}{choice}
	if ev.HasUsage {
		u := chatUsage{PromptTokens: ev.Usage.InputTokens, CompletionTokens: ev.Usage.OutputTokens}
		chunk.Usage = &u
	}
	b, _ := json.Marshal(chunk)
	return append(append([]byte("data: "), b...), []byte("\n\n")...)
}

func (Chat) ExtractUsage(eventData string) (unified.Usage, bool) {
	var c chatStreamChunk
	if json.Unmarshal([]byte(eventData), &c) != nil || c.Usage == nil {
		return unified.Usage{}, false
	}
	return usageFromChat(*c.Usage), true
}

package transformer

import (
	"encoding/json"

	"github.com/mcowger/plexus/internal/unified"
)

// Gemini implements the Google Gemini generateContent dialect.
type Gemini struct{}

func (Gemini) Name() string            { return DialectGemini }
func (Gemini) DefaultEndpoint() string { return "/v1beta/models/{model}:generateContent" }

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig struct {
		Mode string `json:"mode"`
	} `json:"functionCallingConfig"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

func (Gemini) ParseRequest(body []byte) (*unified.Request, error) {
	var raw geminiRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	req := &unified.Request{IncomingAPIType: DialectGemini, OriginalBody: json.RawMessage(body), Stream: false}
	if raw.SystemInstruction != nil {
		for _, p := range raw.SystemInstruction.Parts {
			req.System += p.Text
		}
	}
	for _, c := range raw.Contents {
		role := unified.RoleUser
		if c.Role == "model" {
			role = unified.RoleAssistant
		}
		msg := unified.Message{Role: role}
		for _, p := range c.Parts {
			msg.Parts = append(msg.Parts, geminiPartToUnified(p))
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range raw.Tools {
		for _, fd := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, unified.Tool{Name: fd.Name, Description: fd.Description, Parameters: fd.Parameters})
		}
	}
	if raw.ToolConfig != nil {
		switch raw.ToolConfig.FunctionCallingConfig.Mode {
		case "NONE":
			req.ToolChoice = &unified.ToolChoice{Mode: unified.ToolChoiceNone}
		case "ANY":
			req.ToolChoice = &unified.ToolChoice{Mode: unified.ToolChoiceRequired}
		default:
			req.ToolChoice = &unified.ToolChoice{Mode: unified.ToolChoiceAuto}
		}
	}
	if raw.GenerationConfig != nil {
		gc := raw.GenerationConfig
		req.MaxTokens = gc.MaxOutputTokens
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.StopSequences = gc.StopSequences
		if gc.ResponseMimeType == "application/json" {
			req.ResponseFormat = &unified.ResponseFormat{Kind: unified.FormatJSON, Schema: gc.ResponseSchema}
		}
	}
	return req, nil
}

func geminiPartToUnified(p geminiPart) unified.Part {
	switch {
	case p.FunctionCall != nil:
		return unified.Part{Type: unified.PartToolUse, ToolName: p.FunctionCall.Name, ToolArgsRaw: p.FunctionCall.Args}
	case p.FunctionResponse != nil:
		return unified.Part{Type: unified.PartToolResult, ToolResultForID: p.FunctionResponse.Name, ToolResultText: string(p.FunctionResponse.Response)}
	case p.InlineData != nil:
		return unified.Part{Type: unified.PartImage, Image: &unified.ImageSource{Base64: p.InlineData.Data, MimeType: p.InlineData.MimeType}}
	case p.Thought:
		return unified.Part{Type: unified.PartReasoning, Reasoning: p.Text}
	default:
		return unified.Part{Type: unified.PartText, Text: p.Text}
	}
}

func unifiedPartToGemini(p unified.Part) geminiPart {
	switch p.Type {
	case unified.PartToolUse:
		return geminiPart{FunctionCall: &geminiFunctionCall{Name: p.ToolName, Args: p.ToolArgsRaw}}
	case unified.PartToolResult:
		resp, _ := json.Marshal(map[string]string{"result": p.ToolResultText})
		return geminiPart{FunctionResponse: &geminiFunctionResponse{Name: p.ToolResultForID, Response: resp}}
	case unified.PartImage:
		if p.Image != nil {
			return geminiPart{InlineData: &geminiInlineData{MimeType: p.Image.MimeType, Data: p.Image.Base64}}
		}
		return geminiPart{}
	case unified.PartFile:
		if p.File != nil {
			return geminiPart{InlineData: &geminiInlineData{MimeType: p.File.MimeType, Data: p.File.Base64}}
		}
		return geminiPart{}
	case unified.PartReasoning:
		return geminiPart{Text: p.Reasoning, Thought: true}
	default:
		return geminiPart{Text: p.Text}
	}
}

func (Gemini) TransformRequest(req *unified.Request, modelName string) ([]byte, error) {
	out := geminiRequest{}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == unified.RoleAssistant {
			role = "model"
		}
		gc := geminiContent{Role: role}
		for _, p := range m.Parts {
			gc.Parts = append(gc.Parts, unifiedPartToGemini(p))
		}
		out.Contents = append(out.Contents, gc)
	}
	if len(req.Tools) > 0 {
		gt := geminiTool{}
		for _, t := range req.Tools {
			gt.FunctionDeclarations = append(gt.FunctionDeclarations, geminiFunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		out.Tools = []geminiTool{gt}
	}
	if req.ToolChoice != nil {
		tc := &geminiToolConfig{}
		switch req.ToolChoice.Mode {
		case unified.ToolChoiceNone:
			tc.FunctionCallingConfig.Mode = "NONE"
		case unified.ToolChoiceRequired, unified.ToolChoiceNamed:
			tc.FunctionCallingConfig.Mode = "ANY"
		default:
			tc.FunctionCallingConfig.Mode = "AUTO"
		}
		out.ToolConfig = tc
	}
	gc := &geminiGenerationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		StopSequences:   req.StopSequences,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Kind == unified.FormatJSON {
		gc.ResponseMimeType = "application/json"
		gc.ResponseSchema = req.ResponseFormat.Schema
	}
	out.GenerationConfig = gc
	_ = modelName // model travels in the URL path for this dialect, not the body
	return json.Marshal(out)
}

func (Gemini) FormatResponse(resp *unified.Response) ([]byte, error) {
	cand := geminiCandidate{FinishReason: resp.FinishReason}
	for _, p := range resp.Content {
		cand.Content.Parts = append(cand.Content.Parts, unifiedPartToGemini(p))
	}
	for _, p := range resp.ToolCalls {
		cand.Content.Parts = append(cand.Content.Parts, unifiedPartToGemini(p))
	}
	cand.Content.Role = "model"
	out := geminiResponse{
		Candidates: []geminiCandidate{cand},
		UsageMetadata: geminiUsageMetadata{
			PromptTokenCount:        resp.Usage.InputTokens,
			CandidatesTokenCount:    resp.Usage.OutputTokens,
			CachedContentTokenCount: resp.Usage.CachedTokens,
			ThoughtsTokenCount:      resp.Usage.ReasoningTokens,
		},
	}
	return json.Marshal(out)
}

func (Gemini) ParseResponse(body []byte) (*unified.Response, error) {
	var raw geminiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	resp := &unified.Response{Usage: usageFromGemini(raw.UsageMetadata), RawResponse: json.RawMessage(body)}
	if len(raw.Candidates) > 0 {
		cand := raw.Candidates[0]
		resp.FinishReason = cand.FinishReason
		for _, p := range cand.Content.Parts {
			up := geminiPartToUnified(p)
			if up.Type == unified.PartToolUse {
				resp.ToolCalls = append(resp.ToolCalls, up)
			} else {
				resp.Content = append(resp.Content, up)
			}
		}
	}
	return resp, nil
}

type geminiStreamDecoder struct{ sseReader }

func (Gemini) NewStreamDecoder() StreamDecoder { return &geminiStreamDecoder{} }

func (d *geminiStreamDecoder) Feed(chunk []byte) []unified.StreamEvent {
	var out []unified.StreamEvent
	for _, ev := range d.r.Feed(chunk) {
		var resp geminiResponse
		if json.Unmarshal([]byte(ev.Data), &resp) != nil || len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		for _, p := range cand.Content.Parts {
			out = append(out, unified.StreamEvent{Delta: geminiPartToUnified(p)})
		}
		e := unified.StreamEvent{FinishReason: cand.FinishReason}
		if resp.UsageMetadata.CandidatesTokenCount > 0 || resp.UsageMetadata.PromptTokenCount > 0 {
			e.HasUsage = true
			e.Usage = usageFromGemini(resp.UsageMetadata)
		}
		if e.FinishReason != "" || e.HasUsage {
			out = append(out, e)
		}
	}
	return out
}

func usageFromGemini(u geminiUsageMetadata) unified.Usage {
	return unified.Usage{
		InputTokens:     u.PromptTokenCount,
		OutputTokens:    u.CandidatesTokenCount,
		CachedTokens:    u.CachedContentTokenCount,
		ReasoningTokens: u.ThoughtsTokenCount,
	}
}

type geminiStreamEncoder struct{}

func (Gemini) NewStreamEncoder() StreamEncoder { return geminiStreamEncoder{} }

func (geminiStreamEncoder) Encode(ev unified.StreamEvent) []byte {
	if ev.Done {
		return nil
	}
	resp := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      geminiContent{Role: "model", Parts: []geminiPart{unifiedPartToGemini(ev.Delta)}},
			FinishReason: ev.FinishReason,
		}},
	}
	if ev.HasUsage {
		resp.UsageMetadata = geminiUsageMetadata{
			PromptTokenCount:     ev.Usage.InputTokens,
			CandidatesTokenCount: ev.Usage.OutputTokens,
		}
	}
	b, _ := json.Marshal(resp)
	return append(append([]byte("data: "), b...), []byte("\n\n")...)
}

func (Gemini) ExtractUsage(eventData string) (unified.Usage, bool) {
	var resp geminiResponse
	if json.Unmarshal([]byte(eventData), &resp) != nil {
		return unified.Usage{}, false
	}
	if resp.UsageMetadata.PromptTokenCount == 0 && resp.UsageMetadata.CandidatesTokenCount == 0 {
		return unified.Usage{}, false
	}
	return usageFromGemini(resp.UsageMetadata), true
}

package transformer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcowger/plexus/internal/unified"
)

func TestRegistry_GetKnownDialects(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{DialectChat, DialectMessages, DialectGemini, DialectResponses} {
		tr, ok := reg.Get(name)
		require.True(t, ok, name)
		require.Equal(t, name, tr.Name())
	}
}

func TestRegistry_GetUnknownDialect(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Get("nope")
	require.False(t, ok)
}

func TestChat_ParseRequest_RoundTripsTextMessage(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi there"}],"max_tokens":100,"stream":true}`)
	req, err := Chat{}.ParseRequest(body)
	require.NoError(t, err)
	require.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	require.Equal(t, "hi there", req.Messages[0].Parts[0].Text)
	require.True(t, req.Stream)
	require.Equal(t, 100, *req.MaxTokens)

	out, err := Chat{}.TransformRequest(req, "gpt-4o")
	require.NoError(t, err)
	require.Contains(t, string(out), "gpt-4o")
}

func TestChat_ParseRequest_ToolCallRoundTrip(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[
		{"role":"user","content":"what's the weather"},
		{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"nyc\"}"}}]},
		{"role":"tool","tool_call_id":"call_1","content":"72F"}
	]}`)
	req, err := Chat{}.ParseRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)

	var toolUse, toolResult bool
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if p.Type == unified.PartToolUse {
				toolUse = true
				require.Equal(t, "get_weather", p.ToolName)
			}
			if p.Type == unified.PartToolResult {
				toolResult = true
				require.Equal(t, "call_1", p.ToolResultForID)
			}
		}
	}
	require.True(t, toolUse)
	require.True(t, toolResult)
}

func TestMessages_ParseRequest_ThinkingBlockMapsToReasoningPart(t *testing.T) {
	body := []byte(`{"model":"claude-3","max_tokens":512,"messages":[
		{"role":"assistant","content":[{"type":"thinking","thinking":"let me consider..."},{"type":"text","text":"answer"}]}
	]}`)
	req, err := Messages{}.ParseRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages[0].Parts, 2)
	require.Equal(t, unified.PartReasoning, req.Messages[0].Parts[0].Type)
	require.Equal(t, "let me consider...", req.Messages[0].Parts[0].Reasoning)
}

func TestMessages_FormatResponse_IncludesCacheUsage(t *testing.T) {
	resp := &unified.Response{
		Model:   "claude-3",
		Content: []unified.Part{{Type: unified.PartText, Text: "hi"}},
		Usage:   unified.Usage{InputTokens: 10, OutputTokens: 5, CachedTokens: 3, CacheCreationTokens: 2},
	}
	b, err := Messages{}.FormatResponse(resp)
	require.NoError(t, err)
	require.Contains(t, string(b), `"cache_read_input_tokens":3`)
	require.Contains(t, string(b), `"cache_creation_input_tokens":2`)
}

func TestGemini_ParseRequest_FunctionCallRoundTrip(t *testing.T) {
	body := []byte(`{"contents":[{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{"q":"x"}}}]}]}`)
	req, err := Gemini{}.ParseRequest(body)
	require.NoError(t, err)
	require.Equal(t, unified.PartToolUse, req.Messages[0].Parts[0].Type)
	require.Equal(t, "lookup", req.Messages[0].Parts[0].ToolName)
}

func TestResponses_ParseRequest_FunctionCallOutputBecomesToolMessage(t *testing.T) {
	body := []byte(`{"model":"gpt-4.1","input":[
		{"role":"user","content":[{"type":"input_text","text":"weather?"}]},
		{"type":"function_call","call_id":"c1","name":"wx","arguments":"{}"},
		{"type":"function_call_output","call_id":"c1","output":"sunny"}
	]}`)
	req, err := Responses{}.ParseRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)
	require.Equal(t, unified.RoleTool, req.Messages[2].Role)
	require.Equal(t, "sunny", req.Messages[2].Parts[0].ToolResultText)
}

func TestChat_StreamDecoder_FeedsAcrossMultipleChunks(t *testing.T) {
	dec := Chat{}.NewStreamDecoder()
	events := dec.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel"))
	require.Empty(t, events)
	events = dec.Feed([]byte("lo\"},\"finish_reason\":null}]}\n\n"))
	require.Len(t, events, 1)
	require.Equal(t, "hello", events[0].Delta.Text)
}

func TestChat_StreamDecoder_DoneSentinel(t *testing.T) {
	dec := Chat{}.NewStreamDecoder()
	events := dec.Feed([]byte("data: [DONE]\n\n"))
	require.Len(t, events, 1)
	require.True(t, events[0].Done)
}

func TestChat_ParseResponse_ExtractsToolCallsAndUsage(t *testing.T) {
	body := []byte(`{"model":"gpt-4","choices":[{"message":{"role":"assistant","tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":5,"completion_tokens":1}}`)
	resp, err := Chat{}.ParseResponse(body)
	require.NoError(t, err)
	require.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, 5, resp.Usage.InputTokens)
}

func TestMessages_ParseResponse_SeparatesTextFromToolUse(t *testing.T) {
	body := []byte(`{"model":"claude-3","content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"t1","name":"f","input":{}}],"stop_reason":"tool_use","usage":{"input_tokens":3,"output_tokens":4}}`)
	resp, err := Messages{}.ParseResponse(body)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	require.Len(t, resp.ToolCalls, 1)
}

func TestChat_ExtractUsage(t *testing.T) {
	data := `{"choices":[{"delta":{}}],"usage":{"prompt_tokens":10,"completion_tokens":20}}`
	u, ok := Chat{}.ExtractUsage(data)
	require.True(t, ok)
	require.Equal(t, 10, u.InputTokens)
	require.Equal(t, 20, u.OutputTokens)
}

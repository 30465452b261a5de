package gemini

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/relay"
)

func TestTranslateRequest_BasicMessages(t *testing.T) {
	req := &relay.ChatRequest{
		Model: "gemini-2.5-pro",
		Messages: []relay.Message{
			{Role: "system", Content: json.RawMessage(`"be terse"`)},
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}
	body, err := TranslateRequest(req)
	require.NoError(t, err)

	r := gjson.ParseBytes(body)
	assert.Equal(t, "be terse", r.Get("systemInstruction.parts.0.text").String())
	assert.Equal(t, "user", r.Get("contents.0.role").String())
	assert.Equal(t, "hello", r.Get("contents.0.parts.0.text").String())
}

func TestTranslateRequest_ReasoningEffortMapsToThinkingBudget(t *testing.T) {
	req := &relay.ChatRequest{Model: "m", ReasoningEffort: "high", Messages: []relay.Message{{Role: "user", Content: json.RawMessage(`"x"`)}}}
	body, err := TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, int64(24576), gjson.GetBytes(body, "generationConfig.thinkingConfig.thinkingBudget").Int())
}

func TestTranslateRequest_ResponseFormatJSONSchema(t *testing.T) {
	req := &relay.ChatRequest{
		Model:          "m",
		Messages:       []relay.Message{{Role: "user", Content: json.RawMessage(`"x"`)}},
		ResponseFormat: json.RawMessage(`{"type":"json_schema","json_schema":{"schema":{"type":"object"}}}`),
	}
	body, err := TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "application/json", gjson.GetBytes(body, "generationConfig.responseMimeType").String())
	assert.Equal(t, "object", gjson.GetBytes(body, "generationConfig.responseSchema.type").String())
}

func TestTranslateRequest_ImageURLBecomesInlineData(t *testing.T) {
	content := []byte(`[{"type":"text","text":"what is this"},{"type":"image_url","image_url":{"url":"data:image/png;base64,QUJD"}}]`)
	req := &relay.ChatRequest{Model: "m", Messages: []relay.Message{{Role: "user", Content: content}}}
	body, err := TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "image/png", gjson.GetBytes(body, "contents.0.parts.1.inlineData.mimeType").String())
	assert.Equal(t, "QUJD", gjson.GetBytes(body, "contents.0.parts.1.inlineData.data").String())
}

func TestTranslateRequest_ToolChoiceRequired(t *testing.T) {
	req := &relay.ChatRequest{Model: "m", Messages: []relay.Message{{Role: "user", Content: json.RawMessage(`"x"`)}}, ToolChoice: json.RawMessage(`"required"`)}
	body, err := TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "ANY", gjson.GetBytes(body, "toolConfig.functionCallingConfig.mode").String())
}

func TestTranslateResponse_UsageMapping(t *testing.T) {
	data := []byte(`{
		"candidates":[{"finishReason":"STOP","content":{"parts":[{"text":"hi"}]}}],
		"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":20,"thoughtsTokenCount":3,"cachedContentTokenCount":2}
	}`)
	resp, err := TranslateResponse(data, "gemini-2.5-pro")
	require.NoError(t, err)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage.CompletionTokensDetails)
	assert.Equal(t, 3, resp.Usage.CompletionTokensDetails.ReasoningTokens)
	require.NotNil(t, resp.Usage.PromptTokensDetails)
	assert.Equal(t, 2, resp.Usage.PromptTokensDetails.CachedTokens)
}

func TestTranslateResponse_ThoughtPartsAreWrapped(t *testing.T) {
	data := []byte(`{
		"candidates":[{"finishReason":"STOP","content":{"parts":[
			{"text":"reasoning...","thought":true},
			{"text":"final answer"}
		]}}]
	}`)
	resp, err := TranslateResponse(data, "gemini-2.5-pro")
	require.NoError(t, err)

	var content string
	require.NoError(t, json.Unmarshal(resp.Choices[0].Message.Content, &content))
	assert.Equal(t, "<thinking>reasoning...</thinking>final answer", content)
}

func TestMapStopReason_UnknownReasonMapsToContentFilter(t *testing.T) {
	assert.Equal(t, "content_filter", MapStopReason("OTHER"))
	assert.Equal(t, "content_filter", MapStopReason("BLOCKLIST"))
	assert.Equal(t, "stop", MapStopReason("STOP"))
	assert.Equal(t, "length", MapStopReason("MAX_TOKENS"))
}

func TestCodeAssistWrapUnwrap(t *testing.T) {
	body := []byte(`{"contents":[]}`)
	wrapped, err := WrapCodeAssist("gemini-2.5-pro", "proj-1", body)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", gjson.GetBytes(wrapped, "model").String())
	assert.Equal(t, "proj-1", gjson.GetBytes(wrapped, "project").String())

	resp := []byte(`{"response":{"candidates":[]}}`)
	unwrapped := UnwrapCodeAssist(resp)
	assert.JSONEq(t, `{"candidates":[]}`, string(unwrapped))
}

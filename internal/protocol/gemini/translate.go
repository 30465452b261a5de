// Package gemini translates between the router's OpenAI-shaped wire types
// and the Gemini generateContent request/response shape (§4.4): message
// merging and role mapping, image/audio/file parts, function declarations
// and tool_choice, response_format, and the reasoning_effort-to-thinking-
// budget mapping.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/relay"
)

type request struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *inlineData     `json:"inlineData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type tool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type generationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	CandidateCount   *int            `json:"candidateCount,omitempty"`
	StopSequences    json.RawMessage `json:"stopSequences,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
	ThinkingConfig   *thinkingConfig `json:"thinkingConfig,omitempty"`
}

// reasoningBudget buckets map OpenAI's reasoning_effort levels to Gemini
// thinking-token budgets (§4.4).
var reasoningBudget = map[string]int{
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

// TranslateRequest converts an OpenAI ChatRequest to a Gemini
// generateContent request.
func TranslateRequest(req *relay.ChatRequest) ([]byte, error) {
	out := &request{}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 || req.N != nil || req.ReasoningEffort != "" || len(req.ResponseFormat) > 0 {
		gc := &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			CandidateCount:  req.N,
			StopSequences:   req.Stop,
		}
		if budget, ok := reasoningBudget[req.ReasoningEffort]; ok {
			gc.ThinkingConfig = &thinkingConfig{ThinkingBudget: budget}
		}
		if len(req.ResponseFormat) > 0 {
			applyResponseFormat(gc, req.ResponseFormat)
		}
		out.GenerationConfig = gc
	}

	if len(req.Tools) > 0 {
		if decls := extractFunctionDeclarations(req.Tools); len(decls) > 0 {
			raw, _ := json.Marshal(decls)
			out.Tools = []tool{{FunctionDeclarations: raw}}
		}
	}
	if len(req.ToolChoice) > 0 {
		out.ToolConfig = translateToolChoice(req.ToolChoice)
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if out.SystemInstruction == nil {
				out.SystemInstruction = &content{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, extractParts(m.Content)...)
		case "user":
			appendOrMerge(&out.Contents, "user", extractParts(m.Content))
		case "assistant":
			parts := extractParts(m.Content)
			parts = append(parts, toolCallParts(m.ToolCalls)...)
			appendOrMerge(&out.Contents, "model", parts)
		case "tool":
			fr, _ := json.Marshal(map[string]any{
				"name":     m.ToolCallID,
				"response": json.RawMessage(nonEmpty(m.Content, []byte("{}"))),
			})
			appendOrMerge(&out.Contents, "user", []part{{FunctionResponse: fr}})
		}
	}

	return json.Marshal(out)
}

// appendOrMerge appends a new content turn, merging into the previous
// turn when it shares the same role so consecutive same-role OpenAI
// messages (e.g. two tool results in a row) collapse into one Gemini
// content entry the way the API expects.
func appendOrMerge(contents *[]content, role string, parts []part) {
	if n := len(*contents); n > 0 && (*contents)[n-1].Role == role {
		(*contents)[n-1].Parts = append((*contents)[n-1].Parts, parts...)
		return
	}
	*contents = append(*contents, content{Role: role, Parts: parts})
}

func applyResponseFormat(gc *generationConfig, raw json.RawMessage) {
	r := gjson.ParseBytes(raw)
	switch r.Get("type").String() {
	case "json_object":
		gc.ResponseMimeType = "application/json"
	case "json_schema":
		gc.ResponseMimeType = "application/json"
		if schema := r.Get("json_schema.schema"); schema.Exists() {
			gc.ResponseSchema = json.RawMessage(schema.Raw)
		}
	}
}

func translateToolChoice(raw json.RawMessage) *toolConfig {
	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		switch asString {
		case "none":
			return &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "NONE"}}
		case "required":
			return &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "ANY"}}
		default: // "auto"
			return &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "AUTO"}}
		}
	}
	if name := gjson.GetBytes(raw, "function.name").String(); name != "" {
		return &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{name}}}
	}
	return nil
}

func extractFunctionDeclarations(raw json.RawMessage) []json.RawMessage {
	var openaiTools []struct {
		Function json.RawMessage `json:"function"`
	}
	if json.Unmarshal(raw, &openaiTools) != nil {
		return nil
	}
	var decls []json.RawMessage
	for _, t := range openaiTools {
		if t.Function != nil {
			decls = append(decls, t.Function)
		}
	}
	return decls
}

func toolCallParts(raw json.RawMessage) []part {
	if len(raw) == 0 {
		return nil
	}
	var calls []struct {
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &calls) != nil {
		return nil
	}
	out := make([]part, 0, len(calls))
	for _, c := range calls {
		fc, _ := json.Marshal(map[string]any{
			"name": c.Function.Name,
			"args": json.RawMessage(nonEmpty([]byte(c.Function.Arguments), []byte("{}"))),
		})
		out = append(out, part{FunctionCall: fc})
	}
	return out
}

// extractParts converts an OpenAI message content field (string, or an
// array of typed content parts including image/audio/file data URLs)
// into Gemini parts.
func extractParts(raw json.RawMessage) []part {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil
		}
		return []part{{Text: s}}
	}

	var items []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
		InputAudio struct {
			Data   string `json:"data"`
			Format string `json:"format"`
		} `json:"input_audio"`
		File struct {
			FileData string `json:"file_data"`
		} `json:"file"`
	}
	if json.Unmarshal(raw, &items) != nil {
		return []part{{Text: string(raw)}}
	}

	out := make([]part, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case "text":
			out = append(out, part{Text: it.Text})
		case "image_url":
			if mime, data, ok := parseDataURL(it.ImageURL.URL); ok {
				out = append(out, part{InlineData: &inlineData{MimeType: mime, Data: data}})
			}
		case "input_audio":
			mime := "audio/" + it.InputAudio.Format
			out = append(out, part{InlineData: &inlineData{MimeType: mime, Data: it.InputAudio.Data}})
		case "file":
			if mime, data, ok := parseDataURL(it.File.FileData); ok {
				out = append(out, part{InlineData: &inlineData{MimeType: mime, Data: data}})
			}
		}
	}
	return out
}

// parseDataURL splits a "data:<mime>;base64,<data>" URL into its parts.
func parseDataURL(url string) (mime, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	rest := url[len(prefix):]
	mimeAndData := strings.SplitN(rest, ";base64,", 2)
	if len(mimeAndData) != 2 {
		return "", "", false
	}
	return mimeAndData[0], mimeAndData[1], true
}

func nonEmpty(raw, fallback json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return fallback
	}
	return raw
}

// TranslateResponse converts a Gemini generateContent JSON response to an
// OpenAI-format ChatResponse.
func TranslateResponse(data []byte, requestModel string) (*relay.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	var stopReason string
	if fr := r.Get("candidates.0.finishReason"); fr.Exists() {
		stopReason = MapStopReason(fr.String())
	}

	var contentText strings.Builder
	var toolCalls []json.RawMessage
	r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		if text := p.Get("text"); text.Exists() {
			if p.Get("thought").Bool() {
				contentText.WriteString("<thinking>")
				contentText.WriteString(text.String())
				contentText.WriteString("</thinking>")
			} else {
				contentText.WriteString(text.String())
			}
		}
		if fc := p.Get("functionCall"); fc.Exists() {
			tc, _ := json.Marshal(map[string]any{
				"id":   fc.Get("name").String(),
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := relay.Message{Role: "assistant"}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	usage := translateUsage(r.Get("usageMetadata"))

	return &relay.ChatResponse{
		ID:      "gemini-" + requestModel,
		Object:  "chat.completion",
		Model:   requestModel,
		Choices: []relay.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// translateUsage maps Gemini's usageMetadata onto the OpenAI usage shape,
// including thoughtsTokenCount -> reasoning_tokens and
// cachedContentTokenCount -> cached_tokens (§4.4).
func translateUsage(u gjson.Result) relay.Usage {
	if !u.Exists() {
		return relay.Usage{}
	}
	usage := relay.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
	}
	reasoning := int(u.Get("thoughtsTokenCount").Int())
	cached := int(u.Get("cachedContentTokenCount").Int())
	if reasoning > 0 {
		usage.CompletionTokensDetails = &relay.TokenDetails{ReasoningTokens: reasoning}
	}
	if cached > 0 {
		usage.PromptTokensDetails = &relay.TokenDetails{CachedTokens: cached}
	}
	return usage
}

// MapStopReason converts Gemini finish reasons to OpenAI finish reasons.
func MapStopReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "content_filter"
	}
}

// DecodeRequest parses a request body submitted to the native
// `/v1beta/models/{spec}:{method}` front door into the router's
// OpenAI-shaped ChatRequest: systemInstruction collapses to a leading
// system message, content roles map `model -> assistant`, functionCall
// parts become tool_calls and functionResponse parts become tool
// messages, and thinkingConfig.thinkingBudget maps back to
// reasoning_effort.
func DecodeRequest(body []byte, model string) (*relay.ChatRequest, error) {
	var in request
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("gemini: decode request: %w", err)
	}

	out := &relay.ChatRequest{Model: model}

	if in.SystemInstruction != nil {
		if text := partsText(in.SystemInstruction.Parts); text != "" {
			content, _ := json.Marshal(text)
			out.Messages = append(out.Messages, relay.Message{Role: "system", Content: content})
		}
	}

	for _, c := range in.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		msg := relay.Message{Role: role}

		var toolCalls []map[string]any
		var textParts []string
		for _, p := range c.Parts {
			switch {
			case p.Text != "":
				textParts = append(textParts, p.Text)
			case p.FunctionCall != nil:
				name := gjson.GetBytes(p.FunctionCall, "name").String()
				args := gjson.GetBytes(p.FunctionCall, "args").Raw
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, map[string]any{
					"id":   name,
					"type": "function",
					"function": map[string]any{
						"name":      name,
						"arguments": args,
					},
				})
			case p.FunctionResponse != nil:
				respMsg := relay.Message{
					Role:       "tool",
					ToolCallID: gjson.GetBytes(p.FunctionResponse, "name").String(),
				}
				if resp := gjson.GetBytes(p.FunctionResponse, "response").Raw; resp != "" {
					respMsg.Content = json.RawMessage(resp)
				}
				out.Messages = append(out.Messages, respMsg)
			}
		}
		if len(textParts) > 0 {
			content, _ := json.Marshal(strings.Join(textParts, ""))
			msg.Content = content
		}
		if len(toolCalls) > 0 {
			tc, _ := json.Marshal(toolCalls)
			msg.ToolCalls = tc
		}
		if msg.Content != nil || msg.ToolCalls != nil {
			out.Messages = append(out.Messages, msg)
		}
	}

	if in.GenerationConfig != nil {
		gc := in.GenerationConfig
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.MaxTokens = gc.MaxOutputTokens
		out.N = gc.CandidateCount
		out.Stop = gc.StopSequences
		if gc.ThinkingConfig != nil {
			out.ReasoningEffort = reasoningEffortFromBudget(gc.ThinkingConfig.ThinkingBudget)
		}
		if gc.ResponseMimeType == "application/json" {
			rf := map[string]any{"type": "json_object"}
			if gc.ResponseSchema != nil {
				rf["type"] = "json_schema"
				rf["json_schema"] = map[string]any{"schema": gc.ResponseSchema}
			}
			out.ResponseFormat, _ = json.Marshal(rf)
		}
	}

	if len(in.Tools) > 0 {
		out.Tools = decodeFunctionDeclarations(in.Tools)
	}
	if in.ToolConfig != nil {
		out.ToolChoice = decodeToolConfig(in.ToolConfig)
	}

	return out, nil
}

func partsText(parts []part) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// reasoningEffortFromBudget is the inverse of the reasoningBudget table.
func reasoningEffortFromBudget(budget int) string {
	switch {
	case budget <= 0:
		return ""
	case budget <= 1024:
		return "low"
	case budget <= 8192:
		return "medium"
	default:
		return "high"
	}
}

func decodeFunctionDeclarations(tools []tool) json.RawMessage {
	var decls []json.RawMessage
	for _, t := range tools {
		var fns []json.RawMessage
		if json.Unmarshal(t.FunctionDeclarations, &fns) != nil {
			continue
		}
		decls = append(decls, fns...)
	}
	out := make([]map[string]any, 0, len(decls))
	for _, d := range decls {
		out = append(out, map[string]any{"type": "function", "function": json.RawMessage(d)})
	}
	b, _ := json.Marshal(out)
	return b
}

func decodeToolConfig(tc *toolConfig) json.RawMessage {
	switch tc.FunctionCallingConfig.Mode {
	case "NONE":
		return json.RawMessage(`"none"`)
	case "ANY":
		if len(tc.FunctionCallingConfig.AllowedFunctionNames) == 1 {
			b, _ := json.Marshal(map[string]any{
				"type":     "function",
				"function": map[string]any{"name": tc.FunctionCallingConfig.AllowedFunctionNames[0]},
			})
			return b
		}
		return json.RawMessage(`"required"`)
	default:
		return json.RawMessage(`"auto"`)
	}
}

// EncodeResponse converts the router's OpenAI-shaped ChatResponse into a
// Gemini generateContent response body, for callers that hit the native
// `/v1beta/models/{spec}:generateContent` front door.
func EncodeResponse(resp *relay.ChatResponse) ([]byte, error) {
	var parts []map[string]any
	finishReason := "STOP"
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		finishReason = mapOpenAIFinishReasonToGemini(c.FinishReason)
		if text := extractContentText(c.Message.Content); text != "" {
			parts = append(parts, map[string]any{"text": text})
		}
		if len(c.Message.ToolCalls) > 0 {
			var calls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			}
			if json.Unmarshal(c.Message.ToolCalls, &calls) == nil {
				for _, call := range calls {
					args := json.RawMessage(nonEmpty([]byte(call.Function.Arguments), []byte("{}")))
					fc, _ := json.Marshal(map[string]any{"name": call.Function.Name, "args": args})
					parts = append(parts, map[string]any{"functionCall": json.RawMessage(fc)})
				}
			}
		}
	}
	if parts == nil {
		parts = []map[string]any{}
	}

	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": finishReason,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.Usage.PromptTokens,
			"candidatesTokenCount": resp.Usage.CompletionTokens,
			"totalTokenCount":      resp.Usage.TotalTokens,
		},
	}
	return json.Marshal(out)
}

func extractContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

// mapOpenAIFinishReasonToGemini is the inverse of MapStopReason.
func mapOpenAIFinishReasonToGemini(reason string) string {
	switch reason {
	case "stop":
		return "STOP"
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

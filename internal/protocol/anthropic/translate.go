// Package anthropic translates between the router's OpenAI-shaped wire
// types and the Anthropic Messages API shape (§4.4): system lifting,
// image/document content parts, tool_result/tool_use mapping, tool_choice
// mapping, disable_parallel_tool_use, built-in tool schema mapping for the
// bash_*/text_editor_*/web_search_* families, and the
// thinking.budget_tokens <-> reasoning_effort threshold mapping.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/relay"
)

type request struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	StopSequences json.RawMessage `json:"stop_sequences,omitempty"`
	Thinking      *thinking       `json:"thinking,omitempty"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

const defaultMaxTokens = 4096

// builtinToolPrefixes are the Anthropic tool families with a fixed
// server-defined schema — they pass through by name/type rather than a
// JSON schema the caller supplies (§4.4).
var builtinToolPrefixes = []string{"bash_", "text_editor_", "web_search_"}

// TranslateRequest converts an OpenAI-format ChatRequest to an Anthropic
// Messages API request.
func TranslateRequest(req *relay.ChatRequest) ([]byte, error) {
	out := &request{
		Model:         req.Model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.Stop,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	if len(req.Tools) > 0 {
		out.Tools = translateTools(req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		out.ToolChoice = translateToolChoice(req.ToolChoice, req.ParallelToolCalls)
	}
	if budget, ok := reasoningBudgetTokens(req.ReasoningEffort); ok {
		out.Thinking = &thinking{Type: "enabled", BudgetTokens: budget}
	}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, extractText(m.Content))
		case "user", "assistant":
			out.Messages = append(out.Messages, message{Role: m.Role, Content: translateContentParts(m.Content)})
		case "tool":
			result, _ := json.Marshal([]map[string]any{{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     json.RawMessage(nonEmptyOr(m.Content, []byte(`""`))),
			}})
			out.Messages = append(out.Messages, message{Role: "user", Content: result})
		}
	}
	if len(req.Tools) > 0 {
		// Assistant tool_calls arrive as a separate OpenAI field, not a
		// message role; splice tool_use blocks into the matching assistant
		// turn.
		out.Messages = spliceToolCalls(out.Messages, req.Messages)
	}
	if len(systemParts) > 0 {
		s, _ := json.Marshal(strings.Join(systemParts, "\n\n"))
		out.System = s
	}

	return json.Marshal(out)
}

// spliceToolCalls appends tool_use blocks derived from each OpenAI
// assistant message's ToolCalls field onto the corresponding translated
// Anthropic assistant message.
func spliceToolCalls(translated []message, original []relay.Message) []message {
	idx := 0
	for _, m := range original {
		if m.Role != "user" && m.Role != "assistant" && m.Role != "tool" {
			continue
		}
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			blocks := toolUseBlocks(m.ToolCalls)
			if len(blocks) > 0 && idx < len(translated) {
				var existing []json.RawMessage
				_ = json.Unmarshal(translated[idx].Content, &existing)
				existing = append(existing, blocks...)
				merged, _ := json.Marshal(existing)
				translated[idx].Content = merged
			}
		}
		idx++
	}
	return translated
}

func toolUseBlocks(raw json.RawMessage) []json.RawMessage {
	var calls []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &calls) != nil {
		return nil
	}
	out := make([]json.RawMessage, 0, len(calls))
	for _, c := range calls {
		var input json.RawMessage = json.RawMessage(nonEmptyOr([]byte(c.Function.Arguments), []byte("{}")))
		b, _ := json.Marshal(map[string]any{
			"type":  "tool_use",
			"id":    c.ID,
			"name":  c.Function.Name,
			"input": input,
		})
		out = append(out, b)
	}
	return out
}

// translateContentParts converts an OpenAI content field (string, or
// typed parts including image_url/file) to Anthropic content blocks.
func translateContentParts(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`""`)
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return raw // Anthropic also accepts a bare string as content.
	}

	var items []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
		File struct {
			FileData string `json:"file_data"`
			FileID   string `json:"file_id"`
		} `json:"file"`
	}
	if json.Unmarshal(raw, &items) != nil {
		return raw
	}

	blocks := make([]map[string]any, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": it.Text})
		case "image_url":
			if mime, data, ok := parseDataURL(it.ImageURL.URL); ok {
				blocks = append(blocks, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "base64", "media_type": mime, "data": data},
				})
			}
		case "file":
			if mime, data, ok := parseDataURL(it.File.FileData); ok {
				blocks = append(blocks, map[string]any{
					"type":   "document",
					"source": map[string]any{"type": "base64", "media_type": mime, "data": data},
				})
			}
		}
	}
	b, _ := json.Marshal(blocks)
	return b
}

func parseDataURL(url string) (mime, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	parts := strings.SplitN(url[len(prefix):], ";base64,", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// translateTools maps OpenAI tool definitions to Anthropic's shape,
// recognizing the built-in bash/text_editor/web_search families by name
// and passing everything else through as a custom function tool.
func translateTools(raw json.RawMessage) json.RawMessage {
	var openaiTools []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &openaiTools) != nil {
		return nil
	}
	out := make([]map[string]any, 0, len(openaiTools))
	for _, t := range openaiTools {
		if isBuiltinTool(t.Function.Name) {
			out = append(out, map[string]any{"type": t.Function.Name, "name": t.Function.Name})
			continue
		}
		out = append(out, map[string]any{
			"name":         t.Function.Name,
			"description":  t.Function.Description,
			"input_schema": json.RawMessage(nonEmptyOr(t.Function.Parameters, []byte(`{"type":"object"}`))),
		})
	}
	b, _ := json.Marshal(out)
	return b
}

func isBuiltinTool(name string) bool {
	for _, p := range builtinToolPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// translateToolChoice maps OpenAI's tool_choice plus
// parallel_tool_calls==false (-> disable_parallel_tool_use) onto
// Anthropic's tool_choice shape.
func translateToolChoice(raw json.RawMessage, parallel *bool) json.RawMessage {
	choice := map[string]any{}
	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		switch asString {
		case "none":
			choice["type"] = "none"
		case "required":
			choice["type"] = "any"
		default:
			choice["type"] = "auto"
		}
	} else if name := gjson.GetBytes(raw, "function.name").String(); name != "" {
		choice["type"] = "tool"
		choice["name"] = name
	} else {
		choice["type"] = "auto"
	}
	if parallel != nil && !*parallel {
		choice["disable_parallel_tool_use"] = true
	}
	b, _ := json.Marshal(choice)
	return b
}

// reasoningBudgetTokens maps OpenAI's reasoning_effort to an Anthropic
// thinking.budget_tokens value (§4.4 thresholds).
func reasoningBudgetTokens(effort string) (int, bool) {
	switch effort {
	case "low":
		return 256, true
	case "medium":
		return 512, true
	case "high":
		return 2048, true
	default:
		return 0, false
	}
}

// ReasoningEffortFromBudget maps an Anthropic thinking.budget_tokens value
// to an OpenAI reasoning_effort string: up to 256 is "minimal", up to 512
// "low", up to 2048 "medium", anything larger "high". DecodeRequest uses it
// for inbound Anthropic requests. It is not an exact inverse of
// reasoningBudgetTokens ("low" encodes as 256, which decodes as "minimal").
func ReasoningEffortFromBudget(budgetTokens int) string {
	switch {
	case budgetTokens <= 0:
		return ""
	case budgetTokens <= 256:
		return "minimal"
	case budgetTokens <= 512:
		return "low"
	case budgetTokens <= 2048:
		return "medium"
	default:
		return "high"
	}
}

func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

func nonEmptyOr(raw, fallback json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return fallback
	}
	return raw
}

// TranslateResponse converts an Anthropic Messages API JSON response to an
// OpenAI-format ChatResponse.
func TranslateResponse(data []byte) (*relay.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	model := result.Get("model").String()
	stopReason := MapStopReason(result.Get("stop_reason").String())

	var contentText strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "thinking":
			contentText.WriteString(block.Get("thinking").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
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

	var usage *relay.Usage
	if u := result.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		outTok := int(u.Get("output_tokens").Int())
		usage = &relay.Usage{PromptTokens: in, CompletionTokens: outTok, TotalTokens: in + outTok}
	}

	return &relay.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []relay.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   *usageOrZero(usage),
	}, nil
}

func usageOrZero(u *relay.Usage) *relay.Usage {
	if u == nil {
		return &relay.Usage{}
	}
	return u
}

// MapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func MapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// DecodeRequest parses a request body submitted to the native
// `/v1/messages` front door into the router's OpenAI-shaped ChatRequest
// (§4.4 "Anthropic → OpenAI request"): system is lifted to a leading
// system message, tool_result/tool_use blocks become tool messages and
// tool_calls, tool_choice maps to its OpenAI equivalent, and
// thinking.budget_tokens maps back to reasoning_effort.
func DecodeRequest(body []byte) (*relay.ChatRequest, error) {
	var in request
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("anthropic: decode request: %w", err)
	}

	out := &relay.ChatRequest{
		Model:       in.Model,
		Stream:      in.Stream,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
	}
	if in.MaxTokens > 0 {
		out.MaxTokens = &in.MaxTokens
	}
	if in.Thinking != nil {
		out.ReasoningEffort = ReasoningEffortFromBudget(in.Thinking.BudgetTokens)
	}

	if len(in.System) > 0 {
		if text := extractText(in.System); text != "" {
			content, _ := json.Marshal(text)
			out.Messages = append(out.Messages, relay.Message{Role: "system", Content: content})
		}
	}

	for _, m := range in.Messages {
		msgs, toolCalls := decodeContentBlocks(m.Role, m.Content)
		for _, tm := range msgs {
			out.Messages = append(out.Messages, tm)
		}
		if len(toolCalls) > 0 && len(out.Messages) > 0 {
			tc, _ := json.Marshal(toolCalls)
			out.Messages[len(out.Messages)-1].ToolCalls = tc
		}
	}

	if len(in.Tools) > 0 {
		out.Tools = decodeTools(in.Tools)
	}
	if len(in.ToolChoice) > 0 {
		out.ToolChoice, out.ParallelToolCalls = decodeToolChoice(in.ToolChoice)
	}

	return out, nil
}

// decodeContentBlocks converts one Anthropic message's content blocks into
// zero or more OpenAI messages: text and thinking blocks collapse into a
// single text message of the same role (image and document blocks add no
// content to it: no image_url or file part is produced for them),
// tool_result blocks become their own "tool"
// messages, and any tool_use blocks found are returned separately so the
// caller can attach them as the preceding assistant message's ToolCalls.
func decodeContentBlocks(role string, raw json.RawMessage) ([]relay.Message, []map[string]any) {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		content, _ := json.Marshal(text)
		return []relay.Message{{Role: role, Content: content}}, nil
	}

	var msgs []relay.Message
	var toolCalls []map[string]any
	var textParts []string

	gjson.ParseBytes(raw).ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "thinking":
			textParts = append(textParts, block.Get("thinking").String())
		case "tool_use":
			input := block.Get("input").Raw
			if input == "" {
				input = "{}"
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": input,
				},
			})
		case "tool_result":
			content, _ := json.Marshal(nonEmptyOr([]byte(block.Get("content").Raw), []byte(`""`)))
			msgs = append(msgs, relay.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: block.Get("tool_use_id").String(),
			})
		case "image", "document":
			textParts = append(textParts, "")
		}
		return true
	})

	if len(textParts) > 0 {
		joined, _ := json.Marshal(strings.Join(textParts, ""))
		msgs = append([]relay.Message{{Role: role, Content: joined}}, msgs...)
	}
	return msgs, toolCalls
}

func decodeTools(raw json.RawMessage) json.RawMessage {
	var tools []struct {
		Type        string          `json:"type"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
	}
	if json.Unmarshal(raw, &tools) != nil {
		return nil
	}
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		if t.InputSchema == nil && t.Type != "" {
			// Built-in bash_*/text_editor_*/web_search_* tool: Anthropic
			// defines its schema server-side, so pass it through by name
			// with a synthesized description and a minimal object schema.
			out = append(out, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Type,
					"description": "Anthropic built-in tool " + t.Type,
					"parameters":  json.RawMessage(`{"type":"object"}`),
				},
			})
			continue
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  json.RawMessage(nonEmptyOr(t.InputSchema, []byte(`{"type":"object"}`))),
			},
		})
	}
	b, _ := json.Marshal(out)
	return b
}

func decodeToolChoice(raw json.RawMessage) (json.RawMessage, *bool) {
	kind := gjson.GetBytes(raw, "type").String()
	var choice json.RawMessage
	switch kind {
	case "none":
		choice = json.RawMessage(`"none"`)
	case "any":
		choice = json.RawMessage(`"required"`)
	case "tool":
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": gjson.GetBytes(raw, "name").String()},
		})
		choice = b
	default:
		choice = json.RawMessage(`"auto"`)
	}
	var parallel *bool
	if gjson.GetBytes(raw, "disable_parallel_tool_use").Bool() {
		f := false
		parallel = &f
	}
	return choice, parallel
}

// EncodeResponse converts the router's OpenAI-shaped ChatResponse into an
// Anthropic Messages API response body (§4.4 "OpenAI → Anthropic
// response"), for callers that hit the native `/v1/messages` front door.
func EncodeResponse(resp *relay.ChatResponse) ([]byte, error) {
	out := map[string]any{
		"id":    resp.ID,
		"type":  "message",
		"role":  "assistant",
		"model": resp.Model,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	}

	var blocks []map[string]any
	var finish string
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		finish = mapOpenAIFinishReason(c.FinishReason)
		if text := extractText(c.Message.Content); text != "" {
			blocks = append(blocks, map[string]any{"type": "text", "text": text})
		}
		if len(c.Message.ToolCalls) > 0 {
			var calls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			}
			if json.Unmarshal(c.Message.ToolCalls, &calls) == nil {
				for _, call := range calls {
					input := json.RawMessage(nonEmptyOr([]byte(call.Function.Arguments), []byte("{}")))
					blocks = append(blocks, map[string]any{
						"type":  "tool_use",
						"id":    call.ID,
						"name":  call.Function.Name,
						"input": input,
					})
				}
			}
		}
	}
	if blocks == nil {
		blocks = []map[string]any{}
	}
	out["content"] = blocks
	out["stop_reason"] = finish

	return json.Marshal(out)
}

// mapOpenAIFinishReason is the inverse of MapStopReason.
func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "refusal"
	default:
		return "end_turn"
	}
}

package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/protocol/sseutil"
	"github.com/fleetkey/relay/internal/relay"
)

// ReadStream reads Gemini SSE events and emits OpenAI-format StreamChunks.
// Gemini streaming has no "event:" field and no "[DONE]" sentinel — it is
// EOF-terminated. Each "data:" line contains a full JSON response chunk,
// and a functionCall part arrives whole rather than incrementally, unlike
// Anthropic's partial_json tool deltas. Usage is cumulative; the last seen
// value is emitted once at the end when includeUsage is set, followed by
// exactly one Done chunk (testable property 7).
func ReadStream(ctx context.Context, body io.ReadCloser, ch chan<- relay.StreamChunk, model string, includeUsage bool) {
	defer close(ch)
	defer body.Close()

	id := "gemini-" + model
	scanner := sseutil.NewScanner(body)

	var lastUsage *relay.Usage
	toolIndex := 0
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}

		r := gjson.Parse(data)
		var finishReason string
		if fr := r.Get("candidates.0.finishReason"); fr.Exists() {
			finishReason = MapStopReason(fr.String())
		}

		if u := r.Get("usageMetadata"); u.Exists() {
			usage := translateUsage(u)
			lastUsage = &usage
		}

		var text strings.Builder
		var toolCalls []map[string]any
		r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
			if t := p.Get("text"); t.Exists() {
				if p.Get("thought").Bool() {
					text.WriteString("<thinking>")
					text.WriteString(t.String())
					text.WriteString("</thinking>")
				} else {
					text.WriteString(t.String())
				}
			}
			if fc := p.Get("functionCall"); fc.Exists() {
				toolCalls = append(toolCalls, map[string]any{
					"index": toolIndex,
					"id":    fc.Get("name").String(),
					"type":  "function",
					"function": map[string]any{
						"name":      fc.Get("name").String(),
						"arguments": json.RawMessage(fc.Get("args").Raw),
					},
				})
				toolIndex++
			}
			return true
		})

		delta := map[string]any{}
		if text.Len() > 0 {
			delta["content"] = text.String()
		}
		if len(toolCalls) > 0 {
			delta["tool_calls"] = toolCalls
		}

		var chunk []byte
		switch {
		case len(delta) > 0:
			chunk = sseutil.BuildDeltaChunk(id, model, delta, finishReason)
		case finishReason != "":
			chunk = sseutil.BuildDeltaChunk(id, model, map[string]any{}, finishReason)
		default:
			continue
		}

		select {
		case ch <- relay.StreamChunk{Data: chunk}:
		case <-ctx.Done():
			ch <- relay.StreamChunk{Err: ctx.Err()}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- relay.StreamChunk{Err: fmt.Errorf("gemini: read stream: %w", err)}
		return
	}

	if includeUsage && lastUsage != nil {
		ch <- relay.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, lastUsage), Usage: lastUsage}
	}
	ch <- relay.StreamChunk{Done: true}
}

// EmitStream consumes OpenAI-format StreamChunks off the router's internal
// channel and writes a Gemini streamGenerateContent SSE stream: one
// "data: <generateContent response>\n\n" line per chunk, EOF-terminated
// with no closing sentinel, for callers that hit the native
// `/v1beta/models/{spec}:streamGenerateContent` front door.
func EmitStream(ctx context.Context, in <-chan relay.StreamChunk, w io.Writer) error {
	for {
		var chunk relay.StreamChunk
		var ok bool
		select {
		case chunk, ok = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}
		if chunk.Err != nil {
			return chunk.Err
		}
		if chunk.Done {
			return nil
		}
		if len(chunk.Data) == 0 {
			continue
		}

		r := gjson.ParseBytes(chunk.Data)
		choice := r.Get("choices.0")
		if !choice.Exists() {
			continue
		}

		var parts []map[string]any
		if text := choice.Get("delta.content"); text.Exists() && text.String() != "" {
			parts = append(parts, map[string]any{"text": text.String()})
		}
		choice.Get("delta.tool_calls").ForEach(func(_, tc gjson.Result) bool {
			args := tc.Get("function.arguments").Raw
			if args == "" {
				args = "{}"
			}
			fc := map[string]any{"name": tc.Get("function.name").String(), "args": json.RawMessage(args)}
			parts = append(parts, map[string]any{"functionCall": fc})
			return true
		})
		if parts == nil {
			parts = []map[string]any{}
		}

		out := map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"role": "model", "parts": parts},
			}},
		}
		if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" {
			out["candidates"].([]map[string]any)[0]["finishReason"] = mapOpenAIFinishReasonToGemini(fr.String())
		}
		if usage := r.Get("usage"); usage.Exists() {
			out["usageMetadata"] = map[string]any{
				"promptTokenCount":     usage.Get("prompt_tokens").Int(),
				"candidatesTokenCount": usage.Get("completion_tokens").Int(),
				"totalTokenCount":      usage.Get("total_tokens").Int(),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
	}
}

package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/protocol/sseutil"
	"github.com/fleetkey/relay/internal/relay"
)

// streamState tracks the one open content block Anthropic ever streams at
// a time, and which kind it is, so content_block_delta events know
// whether to emit a text delta or a tool-call argument delta.
type streamState struct {
	blockIndex   int
	toolCallOpen bool
	toolCallName string
	toolCallID   string
}

// ReadStream reads an Anthropic Messages API SSE stream and emits
// OpenAI-format StreamChunks. Anthropic streams are event-typed
// ("event: content_block_delta" etc, unlike Gemini's EOF-terminated,
// untyped stream) and close with message_stop.
func ReadStream(ctx context.Context, body io.ReadCloser, ch chan<- relay.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	id := "anthropic-" + model
	scanner := sseutil.NewScanner(body)
	state := &streamState{}
	var usage *relay.Usage

	send := func(data []byte) bool {
		select {
		case ch <- relay.StreamChunk{Data: data}:
			return true
		case <-ctx.Done():
			ch <- relay.StreamChunk{Err: ctx.Err()}
			return false
		}
	}

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ev, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}
		if ev != "" {
			event = ev
			continue
		}

		r := gjson.Parse(data)
		switch event {
		case "content_block_start":
			state.blockIndex = int(r.Get("index").Int())
			block := r.Get("content_block")
			if block.Get("type").String() == "tool_use" {
				state.toolCallOpen = true
				state.toolCallName = block.Get("name").String()
				state.toolCallID = block.Get("id").String()
				chunk := sseutil.BuildDeltaChunk(id, model, map[string]any{
					"tool_calls": []map[string]any{{
						"index": state.blockIndex,
						"id":    state.toolCallID,
						"type":  "function",
						"function": map[string]any{
							"name":      state.toolCallName,
							"arguments": "",
						},
					}},
				}, "")
				if !send(chunk) {
					return
				}
			}
		case "content_block_delta":
			delta := r.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				if !send(sseutil.BuildDeltaChunk(id, model, map[string]any{"content": delta.Get("text").String()}, "")) {
					return
				}
			case "input_json_delta":
				if !send(sseutil.BuildToolCallDeltaChunk(id, model, state.blockIndex, delta.Get("partial_json").String())) {
					return
				}
			}
		case "content_block_stop":
			state.toolCallOpen = false
		case "message_delta":
			finish := MapStopReason(r.Get("delta.stop_reason").String())
			if u := r.Get("usage"); u.Exists() {
				outTok := int(u.Get("output_tokens").Int())
				if usage == nil {
					usage = &relay.Usage{}
				}
				usage.CompletionTokens = outTok
				usage.TotalTokens = usage.PromptTokens + outTok
			}
			if finish != "" {
				if !send(sseutil.BuildFinishChunk(id, model, finish)) {
					return
				}
			}
		case "message_start":
			if u := r.Get("message.usage"); u.Exists() {
				usage = &relay.Usage{PromptTokens: int(u.Get("input_tokens").Int())}
			}
		case "message_stop":
			// terminal event, nothing to translate
		case "error":
			ch <- relay.StreamChunk{Err: fmt.Errorf("anthropic: upstream error: %s", r.Raw)}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- relay.StreamChunk{Err: fmt.Errorf("anthropic: read stream: %w", err)}
		return
	}

	if usage != nil {
		ch <- relay.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, usage), Usage: usage}
	}
	ch <- relay.StreamChunk{Done: true}
}

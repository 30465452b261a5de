package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/relay"
)

// firstByteTimeout bounds how long EmitStream waits for the first chunk
// off an OpenAI-shaped stream before giving up — the router's internal
// lingua franca is OpenAI, so this direction only runs when the caller
// itself speaks the Anthropic wire format.
const firstByteTimeout = 5 * time.Second

// blockKind distinguishes the one content block EmitStream may have open
// at a time; Anthropic never interleaves blocks.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockToolUse
)

// EmitStream consumes OpenAI-format StreamChunks off the router's internal
// channel and writes an Anthropic Messages API SSE stream: message_start,
// then a sequence of content_block_start/delta/stop each for exactly one
// open block, then message_delta and message_stop. w is flushed after
// every event by the caller's http.Flusher-wrapping writer.
func EmitStream(ctx context.Context, in <-chan relay.StreamChunk, w io.Writer, model string) error {
	msgID := "msg_" + model

	if err := writeEvent(w, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            msgID,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	}); err != nil {
		return err
	}

	open := blockNone
	blockIndex := -1
	toolIndexSeen := map[int]int{} // OpenAI tool_calls index -> Anthropic block index
	nextBlockIndex := 0
	stopReason := "end_turn"
	var usage relay.Usage

	first := true
	for {
		var chunk relay.StreamChunk
		var ok bool
		if first {
			select {
			case chunk, ok = <-in:
			case <-time.After(firstByteTimeout):
				return fmt.Errorf("anthropic: timed out waiting for first stream chunk")
			case <-ctx.Done():
				return ctx.Err()
			}
			first = false
		} else {
			select {
			case chunk, ok = <-in:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !ok {
			break
		}
		if chunk.Err != nil {
			return chunk.Err
		}
		if chunk.Done {
			break
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Data) == 0 {
			continue
		}

		r := gjson.ParseBytes(chunk.Data)
		choice := r.Get("choices.0")
		if !choice.Exists() {
			continue
		}
		delta := choice.Get("delta")
		if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" {
			stopReason = mapFinishReason(fr.String())
		}

		if text := delta.Get("content"); text.Exists() && text.String() != "" {
			if open == blockToolUse {
				if err := closeBlock(w, blockIndex); err != nil {
					return err
				}
				open = blockNone
			}
			if open == blockNone {
				blockIndex = nextBlockIndex
				nextBlockIndex++
				if err := writeEvent(w, "content_block_start", map[string]any{
					"type": "content_block_start", "index": blockIndex,
					"content_block": map[string]any{"type": "text", "text": ""},
				}); err != nil {
					return err
				}
				open = blockText
			}
			if err := writeEvent(w, "content_block_delta", map[string]any{
				"type": "content_block_delta", "index": blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": text.String()},
			}); err != nil {
				return err
			}
		}

		var toolErr error
		delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			idx := int(tc.Get("index").Int())
			anthIdx, seen := toolIndexSeen[idx]
			if !seen {
				if open != blockNone {
					if err := closeBlock(w, blockIndex); err != nil {
						toolErr = err
						return false
					}
				}
				anthIdx = nextBlockIndex
				nextBlockIndex++
				toolIndexSeen[idx] = anthIdx
				blockIndex = anthIdx
				open = blockToolUse
				if err := writeEvent(w, "content_block_start", map[string]any{
					"type": "content_block_start", "index": anthIdx,
					"content_block": map[string]any{
						"type": "tool_use",
						"id":   tc.Get("id").String(),
						"name": tc.Get("function.name").String(),
						"input": json.RawMessage("{}"),
					},
				}); err != nil {
					toolErr = err
					return false
				}
			}
			if args := tc.Get("function.arguments"); args.Exists() && args.String() != "" {
				if err := writeEvent(w, "content_block_delta", map[string]any{
					"type": "content_block_delta", "index": anthIdx,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": args.String()},
				}); err != nil {
					toolErr = err
					return false
				}
			}
			return true
		})
		if toolErr != nil {
			return toolErr
		}
	}

	if open != blockNone {
		if err := closeBlock(w, blockIndex); err != nil {
			return err
		}
	}

	if err := writeEvent(w, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": usage.CompletionTokens},
	}); err != nil {
		return err
	}
	return writeEvent(w, "message_stop", map[string]any{"type": "message_stop"})
}

func closeBlock(w io.Writer, index int) error {
	return writeEvent(w, "content_block_stop", map[string]any{"type": "content_block_stop", "index": index})
}

func writeEvent(w io.Writer, event string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	return nil
}

// mapFinishReason is the inverse of MapStopReason, used when the router's
// internal OpenAI-shaped stream needs to be re-expressed in Anthropic's
// stop_reason vocabulary.
func mapFinishReason(reason string) string {
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

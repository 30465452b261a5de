package anthropic

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/relay"
)

func sseBody(events []string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(events, "\n\n") + "\n\n"))
}

func TestReadStream_TextDeltas(t *testing.T) {
	events := []string{
		"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}",
		"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}",
		"event: content_block_stop\ndata: {\"index\":0}",
		"event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":3}}",
		"event: message_stop\ndata: {}",
	}

	ch := make(chan relay.StreamChunk, 10)
	ReadStream(context.Background(), sseBody(events), ch, "claude-sonnet-4")

	var chunks []relay.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.NotEmpty(t, chunks)

	var sawText, sawFinish, sawDone bool
	for _, c := range chunks {
		if c.Done {
			sawDone = true
			continue
		}
		r := gjson.ParseBytes(c.Data)
		if r.Get("choices.0.delta.content").String() == "hi" {
			sawText = true
		}
		if r.Get("choices.0.finish_reason").String() == "stop" {
			sawFinish = true
		}
	}
	assert.True(t, sawText)
	assert.True(t, sawFinish)
	assert.True(t, sawDone)
}

func TestReadStream_ToolUseDeltas(t *testing.T) {
	events := []string{
		"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"t1\",\"name\":\"lookup\"}}",
		"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"q\\\":\"}}",
		"event: content_block_stop\ndata: {\"index\":0}",
		"event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":2}}",
		"event: message_stop\ndata: {}",
	}

	ch := make(chan relay.StreamChunk, 10)
	ReadStream(context.Background(), sseBody(events), ch, "m")

	var sawToolStart, sawToolArgs bool
	for c := range ch {
		if c.Done || len(c.Data) == 0 {
			continue
		}
		r := gjson.ParseBytes(c.Data)
		if r.Get("choices.0.delta.tool_calls.0.function.name").String() == "lookup" {
			sawToolStart = true
		}
		if r.Get("choices.0.delta.tool_calls.0.function.arguments").Exists() {
			sawToolArgs = true
		}
	}
	assert.True(t, sawToolStart)
	assert.True(t, sawToolArgs)
}

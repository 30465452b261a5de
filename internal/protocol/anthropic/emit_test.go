package anthropic

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/relay/internal/relay"
)

func TestEmitStream_TextThenStop(t *testing.T) {
	in := make(chan relay.StreamChunk, 10)
	in <- relay.StreamChunk{Data: []byte(`{"choices":[{"index":0,"delta":{"content":"hel"},"finish_reason":null}]}`)}
	in <- relay.StreamChunk{Data: []byte(`{"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`)}
	in <- relay.StreamChunk{Done: true}
	close(in)

	var buf bytes.Buffer
	err := EmitStream(context.Background(), in, &buf, "claude-sonnet-4")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, "event: content_block_start")
	assert.Contains(t, out, `"text":"hel"`)
	assert.Contains(t, out, `"text":"lo"`)
	assert.Contains(t, out, "event: content_block_stop")
	assert.Contains(t, out, `"stop_reason":"end_turn"`)
	assert.Contains(t, out, "event: message_stop")

	// exactly one block opened for the whole text run
	assert.Equal(t, 1, strings.Count(out, "event: content_block_start"))
}

func TestEmitStream_ToolCallDelta(t *testing.T) {
	in := make(chan relay.StreamChunk, 10)
	in <- relay.StreamChunk{Data: []byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"lookup","arguments":""}}]},"finish_reason":null}]}`)}
	in <- relay.StreamChunk{Data: []byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":1}"}}]},"finish_reason":"tool_calls"}]}`)}
	in <- relay.StreamChunk{Done: true}
	close(in)

	var buf bytes.Buffer
	err := EmitStream(context.Background(), in, &buf, "m")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"type":"tool_use"`)
	assert.Contains(t, out, `"input_json_delta"`)
	assert.Contains(t, out, `"stop_reason":"tool_use"`)
}

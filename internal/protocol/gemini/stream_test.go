package gemini

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

func sseBody(lines []string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n\n") + "\n\n"))
}

func TestReadStream_ThoughtAndFunctionCallParts(t *testing.T) {
	lines := []string{
		`data: {"candidates":[{"content":{"parts":[{"text":"thinking...","thought":true},{"functionCall":{"name":"lookup","args":{"q":"x"}}}]}}]}`,
		`data: {"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}`,
	}

	ch := make(chan relay.StreamChunk, 10)
	ReadStream(context.Background(), sseBody(lines), ch, "gemini-2.5-pro", true)

	var sawThought, sawToolCall, sawFinish, sawUsage, sawDone bool
	for c := range ch {
		if c.Done {
			sawDone = true
			continue
		}
		if len(c.Data) == 0 {
			continue
		}
		r := gjson.ParseBytes(c.Data)
		if r.Get("choices.0.delta.content").String() == "<thinking>thinking...</thinking>" {
			sawThought = true
		}
		if r.Get("choices.0.delta.tool_calls.0.function.name").String() == "lookup" {
			sawToolCall = true
		}
		if r.Get("choices.0.finish_reason").String() == "stop" {
			sawFinish = true
		}
		if r.Get("usage.total_tokens").Int() == 7 {
			sawUsage = true
		}
	}
	assert.True(t, sawThought)
	assert.True(t, sawToolCall)
	assert.True(t, sawFinish)
	assert.True(t, sawUsage)
	assert.True(t, sawDone)
}

func TestReadStream_UsageOmittedWhenNotRequested(t *testing.T) {
	lines := []string{
		`data: {"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}`,
	}

	ch := make(chan relay.StreamChunk, 10)
	ReadStream(context.Background(), sseBody(lines), ch, "gemini-2.5-pro", false)

	for c := range ch {
		if c.Done || len(c.Data) == 0 {
			continue
		}
		r := gjson.ParseBytes(c.Data)
		require.False(t, r.Get("usage").Exists())
	}
}

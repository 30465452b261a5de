package sseutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/relay/internal/relay"
)

func TestParseSSELine(t *testing.T) {
	cases := []struct {
		line      string
		wantEvent string
		wantData  string
		wantOK    bool
	}{
		{"", "", "", false},
		{": comment", "", "", false},
		{"event: foo", "foo", "", true},
		{"data: {\"a\":1}", "", "{\"a\":1}", true},
		{"data:no-space", "", "no-space", true},
		{"unknown: x", "", "", false},
	}
	for _, c := range cases {
		event, data, ok := ParseSSELine(c.line)
		assert.Equal(t, c.wantOK, ok, c.line)
		assert.Equal(t, c.wantEvent, event, c.line)
		assert.Equal(t, c.wantData, data, c.line)
	}
}

func TestReadSSEStream_EmitsExactlyOneDone(t *testing.T) {
	body := "data: {\"id\":\"1\"}\n\ndata: [DONE]\n\n"
	resp := &http.Response{Body: io.NopCloser(bytes.NewBufferString(body))}

	ch := make(chan relay.StreamChunk, 8)
	ReadSSEStream(context.Background(), "test", resp, ch)

	var doneCount int
	for chunk := range ch {
		if chunk.Done {
			doneCount++
		}
	}
	assert.Equal(t, 1, doneCount)
}

func TestReadSSEStream_ExtractsUsage(t *testing.T) {
	body := `data: {"id":"1","usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}` + "\n\n" + "data: [DONE]\n\n"
	resp := &http.Response{Body: io.NopCloser(bytes.NewBufferString(body))}

	ch := make(chan relay.StreamChunk, 8)
	ReadSSEStream(context.Background(), "test", resp, ch)

	var sawUsage bool
	for chunk := range ch {
		if chunk.Usage != nil {
			sawUsage = true
			assert.Equal(t, 7, chunk.Usage.TotalTokens)
		}
	}
	assert.True(t, sawUsage)
}

func TestBuildDeltaChunk_FinishReasonNullWhenEmpty(t *testing.T) {
	b := BuildDeltaChunk("id1", "model1", map[string]any{"content": "hi"}, "")
	assert.Contains(t, string(b), `"finish_reason":null`)
}

func TestBuildUsageChunk(t *testing.T) {
	b := BuildUsageChunk("id1", "model1", &relay.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})
	require.Contains(t, string(b), `"total_tokens":3`)
}

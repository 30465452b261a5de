package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/relay/internal/relay"
)

func TestValidateRequest(t *testing.T) {
	require.NoError(t, ValidateRequest(&relay.ChatRequest{Model: "gpt-4o", Messages: []relay.Message{{Role: "user"}}}))
	assert.Error(t, ValidateRequest(&relay.ChatRequest{Messages: []relay.Message{{Role: "user"}}}))
	assert.Error(t, ValidateRequest(&relay.ChatRequest{Model: "gpt-4o"}))
}

func TestReadStream_ForwardsChunksAndDone(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":1,\"total_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"
	body := io.NopCloser(strings.NewReader(sse))

	ch := make(chan relay.StreamChunk, 10)
	ReadStream(context.Background(), body, ch)

	var sawUsage, sawDone bool
	for c := range ch {
		if c.Done {
			sawDone = true
			continue
		}
		if c.Usage != nil {
			sawUsage = true
		}
	}
	assert.True(t, sawUsage)
	assert.True(t, sawDone)
}

func TestNormalizeResponse(t *testing.T) {
	body := []byte(`{"id":"x","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant"}}]}`)
	resp, err := NormalizeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.Model)
	_ = json.Valid(body)
}

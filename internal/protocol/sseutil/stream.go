package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/relay"
)

// ReadSSEStream reads SSE lines from resp and sends them as StreamChunks
// on ch. It handles the standard "[DONE]" sentinel and extracts usage
// from the final chunk (testable property 7: at-most-one DONE). Used by
// handlers whose upstream already speaks OpenAI-shaped SSE, so no
// translation is needed on the hot path.
func ReadSSEStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- relay.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := ParseSSELine(line)
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- relay.StreamChunk{Done: true}
			return
		}

		chunk := relay.StreamChunk{Data: []byte(data)}
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage relay.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- relay.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- relay.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}
	}
}

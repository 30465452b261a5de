// Package openai handles the OpenAI chat-completions wire format, the
// router's internal lingua franca (§4.4): messages arrive and leave in
// this exact shape when the caller and the upstream provider both speak
// OpenAI, so this package only validates and forwards rather than
// translating between two different JSON shapes.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/protocol/sseutil"
	"github.com/fleetkey/relay/internal/relay"
)

// ValidateRequest performs the minimal sanity checks the router needs
// before handing a request to a provider handler: a model id and at
// least one message must be present.
func ValidateRequest(req *relay.ChatRequest) error {
	if req.Model == "" {
		return fmt.Errorf("openai: request missing model")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("openai: request has no messages")
	}
	return nil
}

// ReadStream reads an upstream OpenAI-format SSE stream and forwards each
// data payload unchanged, extracting usage from the final chunk when
// present. The upstream "[DONE]" sentinel becomes the channel Done chunk
// — this is the one direction where the upstream's own termination
// convention is reused as-is rather than re-synthesized.
func ReadStream(ctx context.Context, body io.ReadCloser, ch chan<- relay.StreamChunk) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
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
		ch <- relay.StreamChunk{Err: fmt.Errorf("openai: read stream: %w", err)}
	}
}

// NormalizeResponse decodes a raw OpenAI-format response body into the
// router's ChatResponse type, applied uniformly across every protocol so
// the rest of the pipeline never special-cases "the upstream was already
// OpenAI-shaped".
func NormalizeResponse(body []byte) (*relay.ChatResponse, error) {
	var resp relay.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &resp, nil
}

package server

import (
	"log/slog"
	"net/http"

	"github.com/fleetkey/relay/internal/protocol/anthropic"
	"github.com/fleetkey/relay/internal/relay"
)

// handleAnthropicMessages is the Anthropic-native front door: /v1/messages.
// anthropic.DecodeRequest translates the caller's payload into the router's
// internal OpenAI-shaped ChatRequest (§4.4); the response is translated back
// on the way out via EncodeResponse/EmitStream.
func (s *server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	req, err := anthropic.DecodeRequest(body)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	user := userFrom(r.Context())
	if user == nil {
		writeAPIError(w, r.Context(), relay.ErrAuth)
		return
	}

	if req.Stream {
		s.handleAnthropicStream(w, r, req, user)
		return
	}

	ctx := withAfterResponseHook(r.Context())
	engine := s.newEngine()
	resp, err := s.deps.Router.ChatCompletion(ctx, engine, user, relay.ProtocolAnthropic, req)
	if err != nil {
		writeAPIError(w, ctx, err)
		return
	}
	s.recordTokens(resp.Model, resp.Usage)

	data, err := anthropic.EncodeResponse(resp)
	if err != nil {
		slog.Error("failed to encode anthropic response", "error", err)
		writeAPIError(w, ctx, err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleAnthropicStream opens the router's streaming attempt loop and emits
// a native Anthropic SSE event sequence via anthropic.EmitStream, which owns
// the full content-block lifecycle (message_start/content_block_*/
// message_stop) and the writes to w directly, so no second goroutine may
// write to the same ResponseWriter concurrently the way the OpenAI path's
// keep-alive ticker does.
func (s *server) handleAnthropicStream(w http.ResponseWriter, r *http.Request, req *relay.ChatRequest, user *relay.User) {
	ctx := withAfterResponseHook(r.Context())
	engine := s.newEngine()
	ch, err := s.deps.Router.ChatCompletionStream(ctx, engine, user, relay.ProtocolAnthropic, req)
	if err != nil {
		writeAPIError(w, ctx, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("response writer does not support flushing")
		return
	}
	flusher.Flush()

	if err := anthropic.EmitStream(ctx, ch, flushWriter{w, flusher}, req.Model); err != nil {
		slog.Error("anthropic stream error", "error", err.Error())
	}
}

// handleAnthropicCountTokens estimates token usage for a request without
// dispatching it anywhere, for Anthropic SDK clients that call
// /v1/messages/count_tokens before the real request.
func (s *server) handleAnthropicCountTokens(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	req, err := anthropic.DecodeRequest(body)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if s.deps.TokenCounter == nil {
		writeJSON(w, http.StatusOK, countTokensResponse{InputTokens: 0})
		return
	}
	count, err := s.deps.TokenCounter.EstimateRequest(req)
	if err != nil {
		writeAPIError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, countTokensResponse{InputTokens: count})
}

type countTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

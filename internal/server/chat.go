package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetkey/relay/internal/protocol/openai"
	"github.com/fleetkey/relay/internal/relay"
)

// handleOpenAIChat is the OpenAI-compatible front door: the caller's JSON
// already matches relay.ChatRequest's wire shape, so no C4 translation runs
// before the request enters the router (§4.4's lingua franca).
func (s *server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req relay.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if err := openai.ValidateRequest(&req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	user := userFrom(r.Context())
	if user == nil {
		writeAPIError(w, r.Context(), relay.ErrAuth)
		return
	}

	if req.Stream {
		s.handleOpenAIChatStream(w, r, &req, user)
		return
	}

	if s.deps.Cache != nil && isCacheable(&req) {
		key := cacheKey(user.ID, &req)
		if data, ok := s.deps.Cache.Get(r.Context(), key); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheHits.Inc()
			}
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	ctx := withAfterResponseHook(r.Context())
	engine := s.newEngine()
	resp, err := s.deps.Router.ChatCompletion(ctx, engine, user, relay.ProtocolOpenAI, &req)
	if err != nil {
		writeAPIError(w, ctx, err)
		return
	}

	s.recordTokens(resp.Model, resp.Usage)

	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		writeAPIError(w, ctx, err)
		return
	}
	if s.deps.Cache != nil && isCacheable(&req) {
		s.deps.Cache.Set(ctx, cacheKey(user.ID, &req), data, s.cacheTTL())
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleOpenAIChatStream opens the router's streaming attempt loop and
// forwards each chunk's already-OpenAI-shaped Data straight through; the
// lazy keep-alive ticker only starts once a real chunk has been seen, so a
// fast-completing stream never pays for a timer it didn't need.
func (s *server) handleOpenAIChatStream(w http.ResponseWriter, r *http.Request, req *relay.ChatRequest, user *relay.User) {
	ctx := withAfterResponseHook(r.Context())
	engine := s.newEngine()
	ch, err := s.deps.Router.ChatCompletionStream(ctx, engine, user, relay.ProtocolOpenAI, req)
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

	var keepAlive *time.Ticker
	defer func() {
		if keepAlive != nil {
			keepAlive.Stop()
		}
	}()

	for {
		if keepAlive == nil {
			select {
			case chunk, chOpen := <-ch:
				if !s.writeOpenAIChunk(w, flusher, chunk, chOpen) {
					return
				}
				keepAlive = time.NewTicker(15 * time.Second)
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case chunk, chOpen := <-ch:
			if !s.writeOpenAIChunk(w, flusher, chunk, chOpen) {
				return
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// writeOpenAIChunk writes one stream chunk and reports whether the caller
// should keep reading from the channel.
func (s *server) writeOpenAIChunk(w http.ResponseWriter, flusher http.Flusher, chunk relay.StreamChunk, chOpen bool) bool {
	if !chOpen {
		writeSSEDone(w)
		flusher.Flush()
		return false
	}
	if chunk.Err != nil {
		slog.Error("stream error", "error", chunk.Err.Error())
		writeSSEError(w, "upstream stream error")
		writeSSEDone(w)
		flusher.Flush()
		return false
	}
	if chunk.Usage != nil {
		s.recordTokens("", *chunk.Usage)
	}
	if chunk.Done {
		writeSSEDone(w)
		flusher.Flush()
		return false
	}
	writeSSEData(w, chunk.Data)
	flusher.Flush()
	return true
}

// recordTokens updates the TokensProcessed counter, if metrics are enabled.
func (s *server) recordTokens(model string, usage relay.Usage) {
	if s.deps.Metrics == nil {
		return
	}
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return
	}
	s.deps.Metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	s.deps.Metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}

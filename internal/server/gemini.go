package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetkey/relay/internal/protocol/gemini"
	"github.com/fleetkey/relay/internal/relay"
)

// handleGeminiDispatch is the Gemini-native front door:
// /v1beta/models/{model}:{action}, where action is generateContent or
// streamGenerateContent (embedContent is out of scope, per the Non-goals
// on embeddings support).
func (s *server) handleGeminiDispatch(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	action := chi.URLParam(r, "action")
	if !isValidParam(model) || !isValidParam(action) {
		writeBadRequest(w, "invalid model or action")
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	req, err := gemini.DecodeRequest(body, model)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	user := userFrom(r.Context())
	if user == nil {
		writeAPIError(w, r.Context(), relay.ErrAuth)
		return
	}

	switch action {
	case "generateContent":
		s.handleGeminiGenerate(w, r, req, user)
	case "streamGenerateContent":
		s.handleGeminiStream(w, r, req, user)
	default:
		writeBadRequest(w, "unsupported action")
	}
}

func (s *server) handleGeminiGenerate(w http.ResponseWriter, r *http.Request, req *relay.ChatRequest, user *relay.User) {
	ctx := withAfterResponseHook(r.Context())
	engine := s.newEngine()
	resp, err := s.deps.Router.ChatCompletion(ctx, engine, user, relay.ProtocolGemini, req)
	if err != nil {
		writeAPIError(w, ctx, err)
		return
	}
	s.recordTokens(resp.Model, resp.Usage)

	data, err := gemini.EncodeResponse(resp)
	if err != nil {
		slog.Error("failed to encode gemini response", "error", err)
		writeAPIError(w, ctx, err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleGeminiStream emits a native streamGenerateContent SSE response.
// Gemini streaming has no closing sentinel — the connection simply ends at
// EOF once gemini.EmitStream returns, matching the upstream's own framing.
func (s *server) handleGeminiStream(w http.ResponseWriter, r *http.Request, req *relay.ChatRequest, user *relay.User) {
	ctx := withAfterResponseHook(r.Context())
	engine := s.newEngine()
	ch, err := s.deps.Router.ChatCompletionStream(ctx, engine, user, relay.ProtocolGemini, req)
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

	if err := gemini.EmitStream(ctx, ch, flushWriter{w, flusher}); err != nil {
		slog.Error("gemini stream error", "error", err.Error())
	}
}

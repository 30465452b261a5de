// Package aistudio implements the providerhandler.Handler for plain
// Gemini API-key credentials against the public Generative Language API.
package aistudio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	"github.com/fleetkey/relay/internal/protocol/gemini"
	"github.com/fleetkey/relay/internal/providerhandler"
	"github.com/fleetkey/relay/internal/relay"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// credential is the shape Key.KeyData carries for this handler.
type credential struct {
	APIKey string `json:"apiKey"`
}

// Handler is the aistudio providerhandler.Handler implementation.
type Handler struct {
	http *http.Client
}

var (
	_ providerhandler.Handler     = (*Handler)(nil)
	_ providerhandler.NativeProxy = (*Handler)(nil)
)

// New builds a Handler with a tuned http.Client and optional cached DNS
// resolution.
func New(resolver *dnscache.Resolver) *Handler {
	return &Handler{http: &http.Client{Transport: providerhandler.NewTransport(resolver, true)}}
}

func (h *Handler) NativeProtocol() relay.Protocol { return relay.ProtocolGemini }

// SupportedProtocols returns Gemini (native) and OpenAI (the router
// translates via internal/protocol/gemini before calling in) — Google
// AI Studio speaks the Gemini generateContent shape directly.
func (h *Handler) SupportedProtocols() []relay.Protocol {
	return []relay.Protocol{relay.ProtocolGemini, relay.ProtocolOpenAI}
}

// CanAccessModel imposes no restriction beyond the model-list match the
// router already performed; any API key can address any model it lists.
func (h *Handler) CanAccessModel(key *relay.Key, resolvedBaseID string) bool {
	return true
}

func (h *Handler) credentialFor(key *relay.Key) (credential, string, error) {
	var cred credential
	if err := json.Unmarshal(key.KeyData, &cred); err != nil {
		return credential{}, "", fmt.Errorf("aistudio: decode key data: %w", err)
	}
	baseURL := defaultBaseURL
	if key.BaseURL != "" {
		baseURL = key.BaseURL
	}
	return cred, strings.TrimRight(baseURL, "/"), nil
}

func (h *Handler) ChatCompletion(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (*relay.ChatResponse, error) {
	cred, baseURL, err := h.credentialFor(key)
	if err != nil {
		return nil, err
	}

	body, err := gemini.TranslateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("aistudio: translate request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:generateContent", baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("aistudio: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", cred.APIKey)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providerhandler.ClassifyResponseError("aistudio", resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("aistudio: read response: %w", err)
	}
	return gemini.TranslateResponse(respBody, req.Model)
}

func (h *Handler) ChatCompletionStream(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (<-chan relay.StreamChunk, error) {
	cred, baseURL, err := h.credentialFor(key)
	if err != nil {
		return nil, err
	}

	body, err := gemini.TranslateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("aistudio: translate request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("aistudio: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", cred.APIKey)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providerhandler.ClassifyResponseError("aistudio", resp)
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	ch := make(chan relay.StreamChunk, 8)
	go gemini.ReadStream(ctx, resp.Body, ch, req.Model, includeUsage)
	return ch, nil
}

func (h *Handler) Embeddings(ctx context.Context, key *relay.Key, req *relay.EmbeddingRequest) (*relay.EmbeddingResponse, error) {
	cred, baseURL, err := h.credentialFor(key)
	if err != nil {
		return nil, err
	}

	var inputText string
	if json.Unmarshal(req.Input, &inputText) != nil {
		var inputs []string
		if err := json.Unmarshal(req.Input, &inputs); err != nil {
			return nil, fmt.Errorf("aistudio: unsupported embeddings input: %w", err)
		}
		if len(inputs) > 0 {
			inputText = inputs[0]
		}
	}

	gReq := map[string]any{
		"model":   "models/" + req.Model,
		"content": map[string]any{"parts": []map[string]any{{"text": inputText}}},
	}
	body, err := json.Marshal(gReq)
	if err != nil {
		return nil, fmt.Errorf("aistudio: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:embedContent", baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("aistudio: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", cred.APIKey)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providerhandler.ClassifyResponseError("aistudio", resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("aistudio: read response: %w", err)
	}

	r := gjson.ParseBytes(respBody)
	embData, _ := json.Marshal([]map[string]any{{
		"object":    "embedding",
		"index":     0,
		"embedding": json.RawMessage(r.Get("embedding.values").Raw),
	}})

	return &relay.EmbeddingResponse{Object: "list", Data: embData, Model: req.Model}, nil
}

func (h *Handler) HealthCheck(ctx context.Context, key *relay.Key) error {
	cred, baseURL, err := h.credentialFor(key)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("x-goog-api-key", cred.APIKey)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providerhandler.ClassifyResponseError("aistudio", resp)
	}
	return nil
}

// ProxyRequest forwards a raw HTTP request to the Gemini API unchanged.
func (h *Handler) ProxyRequest(ctx context.Context, key *relay.Key, w http.ResponseWriter, r *http.Request, path string) error {
	cred, baseURL, err := h.credentialFor(key)
	if err != nil {
		return err
	}
	return providerhandler.ForwardRequest(ctx, h.http, baseURL, func(hdr http.Header) {
		hdr.Set("x-goog-api-key", cred.APIKey)
	}, w, r, path)
}

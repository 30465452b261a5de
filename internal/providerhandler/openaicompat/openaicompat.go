// Package openaicompat implements the providerhandler.Handler for any
// upstream that speaks the OpenAI chat-completions wire format directly —
// OpenAI itself, and any self-hosted or third-party endpoint exposing the
// same API shape at a different BaseURL.
package openaicompat

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

	openaiproto "github.com/fleetkey/relay/internal/protocol/openai"
	"github.com/fleetkey/relay/internal/providerhandler"
	"github.com/fleetkey/relay/internal/relay"
)

const defaultBaseURL = "https://api.openai.com/v1"

type credential struct {
	APIKey string `json:"apiKey"`
}

// Handler is the openaicompat providerhandler.Handler implementation.
type Handler struct {
	http *http.Client
}

var _ providerhandler.Handler = (*Handler)(nil)

// New builds a Handler with a tuned http.Client and optional cached DNS
// resolution.
func New(resolver *dnscache.Resolver) *Handler {
	return &Handler{http: &http.Client{Transport: providerhandler.NewTransport(resolver, true)}}
}

func (h *Handler) NativeProtocol() relay.Protocol { return relay.ProtocolOpenAI }

// SupportedProtocols returns OpenAI (native) and Anthropic (the router
// translates via internal/protocol/anthropic before calling in).
func (h *Handler) SupportedProtocols() []relay.Protocol {
	return []relay.Protocol{relay.ProtocolOpenAI, relay.ProtocolAnthropic}
}

// CanAccessModel imposes no restriction beyond the model-list match the
// router already performed.
func (h *Handler) CanAccessModel(key *relay.Key, resolvedBaseID string) bool {
	return true
}

func (h *Handler) credentialFor(key *relay.Key) (credential, string, error) {
	var cred credential
	if err := json.Unmarshal(key.KeyData, &cred); err != nil {
		return credential{}, "", fmt.Errorf("openaicompat: decode key data: %w", err)
	}
	baseURL := defaultBaseURL
	if key.BaseURL != "" {
		baseURL = key.BaseURL
	}
	return cred, strings.TrimRight(baseURL, "/"), nil
}

func (h *Handler) setHeaders(r *http.Request, cred credential) {
	r.Header.Set("Authorization", "Bearer "+cred.APIKey)
	r.Header.Set("Content-Type", "application/json")
}

func (h *Handler) ChatCompletion(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (*relay.ChatResponse, error) {
	if err := openaiproto.ValidateRequest(req); err != nil {
		return nil, err
	}
	cred, baseURL, err := h.credentialFor(key)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: create request: %w", err)
	}
	h.setHeaders(httpReq, cred)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providerhandler.ClassifyResponseError("openaicompat", resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: read response: %w", err)
	}
	return openaiproto.NormalizeResponse(respBody)
}

func (h *Handler) ChatCompletionStream(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (<-chan relay.StreamChunk, error) {
	if err := openaiproto.ValidateRequest(req); err != nil {
		return nil, err
	}
	cred, baseURL, err := h.credentialFor(key)
	if err != nil {
		return nil, err
	}

	clientWantsUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage

	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		// Requesting usage from upstream regardless of the caller's own
		// wishes would leak a usage trailer chunk to callers who never
		// asked for one; isUsageOnlyChunk strips it below instead.
		outReq.StreamOptions = &relay.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: create request: %w", err)
	}
	h.setHeaders(httpReq, cred)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providerhandler.ClassifyResponseError("openaicompat", resp)
	}

	upstream := make(chan relay.StreamChunk, 8)
	go openaiproto.ReadStream(ctx, resp.Body, upstream)

	ch := make(chan relay.StreamChunk, 8)
	go filterUsageChunks(ctx, upstream, ch, clientWantsUsage)
	return ch, nil
}

// filterUsageChunks relays upstream onto out verbatim, except that when
// the caller never asked for a usage trailer it holds the forced-upstream
// usage-only chunk back rather than forwarding it, carrying its totals
// forward onto the terminal Done chunk instead so recordTokens still runs.
func filterUsageChunks(ctx context.Context, upstream <-chan relay.StreamChunk, out chan<- relay.StreamChunk, clientWantsUsage bool) {
	defer close(out)

	var pendingUsage *relay.Usage
	for chunk := range upstream {
		if !clientWantsUsage && chunk.Usage != nil && isUsageOnlyChunk(chunk.Data) {
			pendingUsage = chunk.Usage
			continue
		}
		if chunk.Done && pendingUsage != nil {
			chunk.Usage = pendingUsage
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

// isUsageOnlyChunk reports whether data is the dedicated OpenAI usage
// trailer chunk (empty choices, non-empty usage) rather than a content
// or finish-reason delta.
func isUsageOnlyChunk(data []byte) bool {
	r := gjson.ParseBytes(data)
	choices := r.Get("choices")
	return choices.IsArray() && len(choices.Array()) == 0 && r.Get("usage").Exists()
}

func (h *Handler) Embeddings(ctx context.Context, key *relay.Key, req *relay.EmbeddingRequest) (*relay.EmbeddingResponse, error) {
	cred, baseURL, err := h.credentialFor(key)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: create request: %w", err)
	}
	h.setHeaders(httpReq, cred)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providerhandler.ClassifyResponseError("openaicompat", resp)
	}

	var out relay.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openaicompat: decode response: %w", err)
	}
	return &out, nil
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
	h.setHeaders(httpReq, cred)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providerhandler.ClassifyResponseError("openaicompat", resp)
	}
	return nil
}

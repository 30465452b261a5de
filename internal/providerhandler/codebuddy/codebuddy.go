// Package codebuddy implements the providerhandler.Handler for CodeBuddy:
// an opaque access/refresh token pair scoped to a per-key domain, speaking
// the OpenAI wire format natively and Anthropic through the C4 adapter.
package codebuddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	openaiproto "github.com/fleetkey/relay/internal/protocol/openai"
	"github.com/fleetkey/relay/internal/providerhandler"
	"github.com/fleetkey/relay/internal/relay"
)

// identityPhrases are the Claude-Code self-identification strings
// CodeBuddy's upstream keyword-blocks; requests routed through the
// Anthropic path get these rewritten before forwarding (§6).
var identityPhrases = map[string]string{
	"Claude Code":        "CodeBuddy Assistant",
	"Built by Anthropic": "Built by the CodeBuddy team",
	"claude.ai/code":     "codebuddy.internal/assistant",
}

// resetAtPattern extracts a human-readable reset timestamp from a 429
// body, e.g. "rate limited, reset at 2026-08-01T12:00:00Z".
var resetAtPattern = regexp.MustCompile(`reset at ([0-9T:.\-+Z]+)`)

// credential is the opaque token-pair shape Key.KeyData carries for this
// handler.
type credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Domain       string `json:"domain"`
}

// Handler is the codebuddy providerhandler.Handler implementation.
type Handler struct {
	http *http.Client
}

var (
	_ providerhandler.Handler        = (*Handler)(nil)
	_ providerhandler.SystemRewriter = (*Handler)(nil)
)

// New builds a Handler with the given http.Client.
func New(client *http.Client) *Handler {
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{http: client}
}

func (h *Handler) NativeProtocol() relay.Protocol { return relay.ProtocolOpenAI }

// SupportedProtocols returns OpenAI (native) and Anthropic (the router
// translates via internal/protocol/anthropic, then calls RewriteSystem,
// before invoking ChatCompletion).
func (h *Handler) SupportedProtocols() []relay.Protocol {
	return []relay.Protocol{relay.ProtocolOpenAI, relay.ProtocolAnthropic}
}

// CanAccessModel imposes no restriction beyond the model-list match the
// router already performed.
func (h *Handler) CanAccessModel(key *relay.Key, resolvedBaseID string) bool {
	return true
}

func decodeCredential(key *relay.Key) (credential, error) {
	var cred credential
	if err := json.Unmarshal(key.KeyData, &cred); err != nil {
		return credential{}, fmt.Errorf("codebuddy: decode key data: %w", err)
	}
	return cred, nil
}

// baseURL builds the scheme-qualified origin for a domain hint, defaulting
// to https; a hint that already carries a scheme (used by tests pointing
// at a local httptest server) is passed through unchanged.
func baseURL(domain string) string {
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}

// rewriteIdentityPhrases substitutes the documented replacements for any
// Claude-Code identity phrase found in an Anthropic request's lifted
// system text, avoiding upstream keyword blocking.
func rewriteIdentityPhrases(system string) string {
	for phrase, replacement := range identityPhrases {
		system = strings.ReplaceAll(system, phrase, replacement)
	}
	return system
}

// refresh exchanges the stored refresh token for a new access token and
// mutates key.KeyData in place; the router is responsible for persisting
// the change via recordKeyDataUpdated.
func (h *Handler) refresh(ctx context.Context, key *relay.Key, cred credential) (credential, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(cred.Domain)+"/v2/plugin/auth/token/refresh", bytes.NewReader(body))
	if err != nil {
		return cred, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return cred, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cred, &relay.PermanentKeyFailure{Provider: "codebuddy", Reason: "refresh failed"}
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return cred, fmt.Errorf("codebuddy: decode refresh response: %w", err)
	}

	cred.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		cred.RefreshToken = out.RefreshToken
	}
	updated, err := json.Marshal(cred)
	if err != nil {
		return cred, err
	}
	key.KeyData = updated
	return cred, nil
}

func (h *Handler) doChatCompletion(ctx context.Context, cred credential, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(cred.Domain)+"/v2/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("codebuddy: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	return h.http.Do(req)
}

func (h *Handler) ChatCompletion(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (*relay.ChatResponse, error) {
	if err := openaiproto.ValidateRequest(req); err != nil {
		return nil, err
	}
	cred, err := decodeCredential(key)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("codebuddy: marshal request: %w", err)
	}

	resp, err := h.doChatCompletion(ctx, cred, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		refreshed, rerr := h.refresh(ctx, key, cred)
		if rerr != nil {
			return nil, rerr
		}
		resp, err = h.doChatCompletion(ctx, refreshed, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, classifyThrottled(resp)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providerhandler.ClassifyResponseError("codebuddy", resp)
	}

	var out relay.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("codebuddy: decode response: %w", err)
	}
	return &out, nil
}

func (h *Handler) ChatCompletionStream(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (<-chan relay.StreamChunk, error) {
	cred, err := decodeCredential(key)
	if err != nil {
		return nil, err
	}

	outReq := *req
	outReq.Stream = true
	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("codebuddy: marshal request: %w", err)
	}

	resp, err := h.doChatCompletion(ctx, cred, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		refreshed, rerr := h.refresh(ctx, key, cred)
		if rerr != nil {
			return nil, rerr
		}
		resp, err = h.doChatCompletion(ctx, refreshed, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		return nil, classifyThrottled(resp)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providerhandler.ClassifyResponseError("codebuddy", resp)
	}

	ch := make(chan relay.StreamChunk, 8)
	go openaiproto.ReadStream(ctx, resp.Body, ch)
	return ch, nil
}

func classifyThrottled(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := string(body)
	te := &relay.ThrottledError{Provider: "codebuddy", Detail: detail}
	if m := resetAtPattern.FindStringSubmatch(detail); len(m) == 2 {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			te.ResetTime = &t
		}
	}
	return te
}

func (h *Handler) Embeddings(ctx context.Context, key *relay.Key, req *relay.EmbeddingRequest) (*relay.EmbeddingResponse, error) {
	return nil, fmt.Errorf("codebuddy: embeddings not supported")
}

func (h *Handler) HealthCheck(ctx context.Context, key *relay.Key) error {
	cred, err := decodeCredential(key)
	if err != nil {
		return err
	}
	probe := &relay.ChatRequest{Model: "codebuddy-default", Messages: []relay.Message{{Role: "user", Content: json.RawMessage(`"ping"`)}}, MaxTokens: intPtr(1)}
	body, _ := json.Marshal(probe)
	resp, err := h.doChatCompletion(ctx, cred, body)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		return providerhandler.ClassifyResponseError("codebuddy", resp)
	}
	return nil
}

func intPtr(v int) *int { return &v }

// RewriteSystemText applies the CodeBuddy keyword-rewrite rule (§6) to a
// single already-lifted system string.
func RewriteSystemText(system string) string {
	return rewriteIdentityPhrases(system)
}

// RewriteSystem implements providerhandler.SystemRewriter: it substitutes
// the documented replacements into every system message of an
// already-translated request, so the router can call it uniformly
// regardless of which inbound protocol produced the OpenAI-shape request.
func (h *Handler) RewriteSystem(req *relay.ChatRequest) {
	for i, m := range req.Messages {
		if m.Role != "system" {
			continue
		}
		var text string
		if json.Unmarshal(m.Content, &text) != nil {
			continue
		}
		rewritten := rewriteIdentityPhrases(text)
		if rewritten == text {
			continue
		}
		data, err := json.Marshal(rewritten)
		if err != nil {
			continue
		}
		req.Messages[i].Content = data
	}
}

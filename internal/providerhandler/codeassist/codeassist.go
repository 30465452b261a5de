// Package codeassist implements the providerhandler.Handler for Gemini
// Code Assist: the OAuth2-authenticated, project-scoped variant of the
// Gemini API that wraps every request/response body in a
// {"model":...,"project":...,"request":{...}} envelope (§4.4 "Code-Assist
// wrap/unwrap").
package codeassist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/fleetkey/relay/internal/protocol/gemini"
	"github.com/fleetkey/relay/internal/protocol/sseutil"
	"github.com/fleetkey/relay/internal/providerhandler"
	"github.com/fleetkey/relay/internal/relay"
)

const defaultBaseURL = "https://cloudcode-pa.googleapis.com/v1internal"

var scopes = []string{"https://www.googleapis.com/auth/cloud-platform"}

// credential is the installed-app OAuth2 refresh-token shape Key.KeyData
// carries for this handler, plus the GCP project Code Assist bills to.
type credential struct {
	RefreshToken string `json:"refreshToken"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Project      string `json:"project"`
}

// Handler is the codeassist providerhandler.Handler implementation.
type Handler struct {
	http *http.Client
}

var _ providerhandler.Handler = (*Handler)(nil)

// New builds a Handler using the given base http.Client for the transport
// beneath each key's own OAuth2-wrapping RoundTripper.
func New(base *http.Client) *Handler {
	if base == nil {
		base = http.DefaultClient
	}
	return &Handler{http: base}
}

func (h *Handler) NativeProtocol() relay.Protocol { return relay.ProtocolGemini }

// SupportedProtocols returns all three wire protocols: Code Assist speaks
// Gemini generateContent natively, and the router reaches it from OpenAI
// or Anthropic callers via the corresponding C4 adapter.
func (h *Handler) SupportedProtocols() []relay.Protocol {
	return []relay.Protocol{relay.ProtocolGemini, relay.ProtocolOpenAI, relay.ProtocolAnthropic}
}

// CanAccessModel imposes no restriction beyond the model-list match the
// router already performed; Code Assist's project-scoping is a property of
// the credential, not of individual models.
func (h *Handler) CanAccessModel(key *relay.Key, resolvedBaseID string) bool {
	return true
}

// clientFor builds a request-scoped http.Client whose transport injects a
// bearer token refreshed from the key's stored OAuth2 refresh token, plus
// the billing project. No base URL is returned: every call uses
// defaultBaseURL (never overridden per-key — Code Assist is a single
// endpoint).
func (h *Handler) clientFor(ctx context.Context, key *relay.Key) (*http.Client, string, error) {
	var cred credential
	if err := json.Unmarshal(key.KeyData, &cred); err != nil {
		return nil, "", fmt.Errorf("codeassist: decode key data: %w", err)
	}
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, ts)), cred.Project, nil
}

func (h *Handler) ChatCompletion(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (*relay.ChatResponse, error) {
	client, project, err := h.clientFor(ctx, key)
	if err != nil {
		return nil, err
	}

	geminiBody, err := gemini.TranslateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("codeassist: translate request: %w", err)
	}
	wrapped, err := gemini.WrapCodeAssist(req.Model, project, geminiBody)
	if err != nil {
		return nil, fmt.Errorf("codeassist: wrap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, defaultBaseURL+":generateContent", bytes.NewReader(wrapped))
	if err != nil {
		return nil, fmt.Errorf("codeassist: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providerhandler.ClassifyResponseError("codeassist", resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("codeassist: read response: %w", err)
	}
	return gemini.TranslateResponse(gemini.UnwrapCodeAssist(respBody), req.Model)
}

func (h *Handler) ChatCompletionStream(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (<-chan relay.StreamChunk, error) {
	client, project, err := h.clientFor(ctx, key)
	if err != nil {
		return nil, err
	}

	geminiBody, err := gemini.TranslateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("codeassist: translate request: %w", err)
	}
	wrapped, err := gemini.WrapCodeAssist(req.Model, project, geminiBody)
	if err != nil {
		return nil, fmt.Errorf("codeassist: wrap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, defaultBaseURL+":streamGenerateContent?alt=sse", bytes.NewReader(wrapped))
	if err != nil {
		return nil, fmt.Errorf("codeassist: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providerhandler.ClassifyResponseError("codeassist", resp)
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	ch := make(chan relay.StreamChunk, 8)
	go readUnwrappedStream(ctx, resp.Body, ch, req.Model, includeUsage)
	return ch, nil
}

// readUnwrappedStream strips the Code Assist envelope off each SSE data
// line before handing the stream to an in-memory pipe that gemini.ReadStream
// consumes, so the envelope stripping stays local to this handler while
// the Gemini chunk-building logic itself is never duplicated.
func readUnwrappedStream(ctx context.Context, body io.ReadCloser, ch chan<- relay.StreamChunk, model string, includeUsage bool) {
	defer body.Close()

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		scanner := sseutil.NewScanner(body)
		for scanner.Scan() {
			line := scanner.Text()
			_, data, ok := sseutil.ParseSSELine(line)
			if !ok {
				continue
			}
			unwrapped := gemini.UnwrapCodeAssistChunk([]byte(data))
			if _, err := fmt.Fprintf(pw, "data: %s\n\n", unwrapped); err != nil {
				return
			}
		}
	}()

	gemini.ReadStream(ctx, pr, ch, model, includeUsage)
}

func (h *Handler) Embeddings(ctx context.Context, key *relay.Key, req *relay.EmbeddingRequest) (*relay.EmbeddingResponse, error) {
	return nil, fmt.Errorf("codeassist: embeddings not supported by the Code Assist API")
}

func (h *Handler) HealthCheck(ctx context.Context, key *relay.Key) error {
	client, project, err := h.clientFor(ctx, key)
	if err != nil {
		return err
	}
	body, _ := gemini.WrapCodeAssist("gemini-2.5-flash", project, []byte(`{"contents":[]}`))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, defaultBaseURL+":countTokens", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providerhandler.ClassifyResponseError("codeassist", resp)
	}
	return nil
}

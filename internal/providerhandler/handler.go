// Package providerhandler defines the C3 provider handler abstraction: one
// implementation per upstream credential family (API-key Gemini, any
// OpenAI-compatible endpoint, OAuth2 Code Assist, and the hosted-variant
// Anthropic family), registered under the provider name they serve and
// looked up by the router for each attempt (§5).
package providerhandler

import (
	"context"
	"net/http"

	"github.com/fleetkey/relay/internal/relay"
)

// Handler is the interface every upstream credential family implements.
// ChatCompletion/ChatCompletionStream/Embeddings receive the specific Key
// being attempted so the handler can unmarshal its own KeyData shape and
// resolve per-key overrides (BaseURL, etc) without the router needing to
// know the credential's internal structure.
type Handler interface {
	// NativeProtocol reports the single wire shape this handler's
	// ChatCompletion/ChatCompletionStream methods actually send upstream.
	// The router translates an inbound request into this shape via
	// internal/protocol before every call; a handler body never imports a
	// sibling protocol package for a format it doesn't speak itself.
	NativeProtocol() relay.Protocol
	// SupportedProtocols reports every wire protocol a caller may address
	// this handler in — its NativeProtocol plus whatever the router can
	// reach it through by applying a C4 adapter first (§4.3's per-handler
	// "supports X natively, Y via adapter" descriptions).
	SupportedProtocols() []relay.Protocol
	// CanAccessModel is the handler's own eligibility predicate for the
	// resolved baseId on this key, evaluated after the router's model-list
	// match already succeeded (§4.1 key selection, last bullet). It never
	// performs network I/O — only cheap local checks such as a credential
	// shape requiring a specific model family.
	CanAccessModel(key *relay.Key, resolvedBaseID string) bool
	ChatCompletion(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (*relay.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (<-chan relay.StreamChunk, error)
	Embeddings(ctx context.Context, key *relay.Key, req *relay.EmbeddingRequest) (*relay.EmbeddingResponse, error)
	HealthCheck(ctx context.Context, key *relay.Key) error
}

// SystemRewriter is implemented by handlers whose upstream needs the
// inbound system content rewritten before the request is sent (e.g.
// avoiding an upstream keyword filter). The router invokes it, when
// present, after translating the caller's protocol into the handler's
// native wire shape and before calling ChatCompletion/ChatCompletionStream.
type SystemRewriter interface {
	RewriteSystem(req *relay.ChatRequest)
}

// NativeProxy is implemented by handlers that support raw HTTP passthrough
// of the upstream's own wire format, bypassing protocol translation
// entirely for callers that want the provider's native API shape.
type NativeProxy interface {
	ProxyRequest(ctx context.Context, key *relay.Key, w http.ResponseWriter, r *http.Request, path string) error
}

// Registry maps provider names to their Handler. It is built once at
// startup and read-only afterward, so lookups take no lock.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a Registry from a fixed set of name->Handler pairs.
func NewRegistry(handlers map[string]Handler) *Registry {
	cp := make(map[string]Handler, len(handlers))
	for name, h := range handlers {
		cp[name] = h
	}
	return &Registry{handlers: cp}
}

// Get returns the handler registered for name, or false if none is.
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Package server implements the HTTP transport layer: chi routing, the
// ambient middleware stack, and the three wire-format front doors
// (OpenAI-native, Gemini-native, Anthropic-native) dispatching into
// internal/router's attempt loop (§6).
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	"github.com/fleetkey/relay/internal/authn"
	"github.com/fleetkey/relay/internal/relay"
	"github.com/fleetkey/relay/internal/router"
	"github.com/fleetkey/relay/internal/telemetry"
	"github.com/fleetkey/relay/internal/throttle"
	"github.com/fleetkey/relay/internal/tokencount"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           *authn.Middleware
	Router         *router.Router
	Store          throttle.Store // backs a fresh throttle.Engine per request
	TokenCounter   *tokencount.Counter
	Cache          Cache              // nil = no response caching
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready
	CacheTTL       time.Duration      // default response-cache TTL
}

// New creates an http.Handler with every route and middleware layer wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	if deps.Metrics != nil && deps.Router != nil {
		deps.Router.SetMetrics(deps.Metrics)
	}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleOpenAIChat)
		r.Get("/v1/models", s.handleListModels)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/messages", s.handleAnthropicMessages)
		r.Post("/v1/messages/count_tokens", s.handleAnthropicCountTokens)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1beta/models/{model}:{action}", s.handleGeminiDispatch)
	})

	return r
}

type server struct {
	deps Deps
}

// newEngine builds a fresh throttle.Engine scoped to one inbound request,
// per C2's statelessness contract (§4.2).
func (s *server) newEngine() *throttle.Engine {
	return throttle.New(s.deps.Store)
}

// userFrom returns the authenticated caller attached to ctx by authenticate.
func userFrom(ctx context.Context) *relay.User {
	return relay.UserFromContext(ctx)
}

// Package router implements the C5 request router: it rewrites the
// requested model through the caller's aliases, splits the fallback list,
// and for each candidate model asks the throttle engine for an ordered
// iterator of eligible keys, dispatching each attempt to the provider
// handler registered for the key's provider until one succeeds (§4.1).
//
// Grounded on the teacher's RouterService/ProxyService pair
// (internal/app/router.go, internal/app/proxy.go): the inlined (not
// generic-helper) failover loop and the per-attempt OTel span survive
// verbatim in shape; RouterService's single resolved-target list becomes a
// fallback list of (target, eligible-key-iterator) pairs, and the circuit
// breaker's Allow() check is replaced by the throttle engine's eligibility
// filter.
package router

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetkey/relay/internal/providerhandler"
	"github.com/fleetkey/relay/internal/relay"
	"github.com/fleetkey/relay/internal/telemetry"
	"github.com/fleetkey/relay/internal/throttle"
)

// Router dispatches one request's attempt loop. It is stateless across
// requests: each inbound request builds its own throttle.Engine (which
// buffers the mutations this request's attempts report) and hands it in.
type Router struct {
	handlers *providerhandler.Registry
	tracer   trace.Tracer       // nil disables tracing
	metrics  *telemetry.Metrics // nil disables router-level metrics
}

// New builds a Router bound to a fixed handler registry. Pass a nil tracer
// to disable per-attempt spans.
func New(handlers *providerhandler.Registry, tracer trace.Tracer) *Router {
	return &Router{handlers: handlers, tracer: tracer}
}

// SetMetrics attaches the Prometheus metrics the attempt loop reports
// ThrottledTotal/KeyPermanentlyFailed/AttemptsPerRequest to. Separate from
// New so construction in tests never needs a registry.
func (r *Router) SetMetrics(m *telemetry.Metrics) {
	r.metrics = m
}

// eligibleForTarget narrows user's keys to those that satisfy every
// provider/protocol/model-list/handler predicate in §4.1's key-selection
// list except the throttle check, returning each candidate alongside the
// upstream-resolved baseId it matched against.
func (r *Router) eligibleForTarget(user *relay.User, t target, protocol relay.Protocol) (keys []*relay.Key, resolved map[string]string) {
	resolved = make(map[string]string)
	for i := range user.Keys {
		key := &user.Keys[i]
		if key.Paused || key.PermanentlyFailed {
			continue
		}
		if t.Provider != "" && key.ProviderName != t.Provider {
			continue
		}
		handler, ok := r.handlers.Get(key.ProviderName)
		if !ok {
			continue
		}
		if !supportsProtocol(handler, protocol) {
			continue
		}
		resolvedBaseID, ok := resolveAgainstKey(key, t)
		if !ok {
			continue
		}
		if !handler.CanAccessModel(key, resolvedBaseID) {
			continue
		}
		keys = append(keys, key)
		resolved[key.ID] = resolvedBaseID
	}
	return keys, resolved
}

func supportsProtocol(h providerhandler.Handler, p relay.Protocol) bool {
	for _, sp := range h.SupportedProtocols() {
		if sp == p {
			return true
		}
	}
	return false
}

// orderedEligible groups candidates by their resolved baseId (usually all
// candidates for one target share one) and asks the throttle engine for
// each group's ordered iterator separately, since EligibleKeys scores
// against a single bucket id; groups are concatenated in the order their
// first member appeared in candidates, preserving overall key order.
func orderedEligible(engine *throttle.Engine, candidates []*relay.Key, resolved map[string]string) []*relay.Key {
	var groupOrder []string
	groups := make(map[string][]*relay.Key)
	for _, k := range candidates {
		base := resolved[k.ID]
		if _, seen := groups[base]; !seen {
			groupOrder = append(groupOrder, base)
		}
		groups[base] = append(groups[base], k)
	}
	var out []*relay.Key
	for _, base := range groupOrder {
		out = append(out, engine.EligibleKeys(groups[base], base)...)
	}
	return out
}

// recordOutcome reports an attempt's error to the throttle engine's §4.2
// feedback interface and, if it was a ThrottledError, returns it so the
// caller can prefer a 429 over a generic aggregated failure.
func (r *Router) recordOutcome(engine *throttle.Engine, key *relay.Key, resolvedBaseID string, err error) (throttled *relay.ThrottledError) {
	var perm *relay.PermanentKeyFailure
	var te *relay.ThrottledError
	switch {
	case errors.As(err, &perm):
		engine.RecordPermanentlyFailed(key)
		if r.metrics != nil {
			r.metrics.KeyPermanentlyFailed.WithLabelValues(key.ProviderName).Inc()
		}
	case errors.As(err, &te):
		engine.RecordModelStatus(key, resolvedBaseID, false, true, te.Detail, te.ResetTime)
		if r.metrics != nil {
			r.metrics.ThrottledTotal.WithLabelValues(key.ProviderName).Inc()
		}
		throttled = te
	default:
		engine.RecordModelStatus(key, resolvedBaseID, false, false, err.Error(), nil)
	}
	return throttled
}

// resolveUserAlias substitutes model for its user-level alias once, with no
// recursive expansion, if model is a key of user.ModelAliases (§4.1 step 1).
func resolveUserAlias(user *relay.User, model string) string {
	if user == nil || user.ModelAliases == nil {
		return model
	}
	if alias, ok := user.ModelAliases[model]; ok {
		return alias
	}
	return model
}

// maybeRewriteSystem invokes a handler's SystemRewriter, if implemented,
// before dispatch.
func maybeRewriteSystem(handler providerhandler.Handler, req *relay.ChatRequest) {
	if sr, ok := handler.(providerhandler.SystemRewriter); ok {
		sr.RewriteSystem(req)
	}
}

// ChatCompletion runs the full attempt loop for a non-streaming request.
func (r *Router) ChatCompletion(ctx context.Context, engine *throttle.Engine, user *relay.User, protocol relay.Protocol, req *relay.ChatRequest) (*relay.ChatResponse, error) {
	origModel := req.Model
	defer func() { req.Model = origModel }()

	models := splitFallback(resolveUserAlias(user, origModel))
	var lastErr error
	var attempts []string
	var sawEligible bool
	allThrottled := true // vacuously true until a non-throttled failure disproves it
	attemptCount := 0

	for _, entry := range models {
		t := parseTarget(entry)
		candidates, resolved := r.eligibleForTarget(user, t, protocol)
		if len(candidates) == 0 {
			continue
		}
		eligible := orderedEligible(engine, candidates, resolved)

		for _, key := range eligible {
			sawEligible = true
			attemptCount++
			resolvedBaseID := resolved[key.ID]
			handler, _ := r.handlers.Get(key.ProviderName)

			req.Model = resolvedBaseID
			maybeRewriteSystem(handler, req)

			callCtx := ctx
			var span trace.Span
			if r.tracer != nil {
				callCtx, span = r.tracer.Start(ctx, "router.ChatCompletion", trace.WithAttributes(
					attribute.String("provider", key.ProviderName),
					attribute.String("model", resolvedBaseID),
				))
			}
			resp, err := handler.ChatCompletion(callCtx, key, req)
			if span != nil {
				span.End()
			}

			if err != nil {
				te := r.recordOutcome(engine, key, resolvedBaseID, err)
				if te != nil {
					lastErr = te
				} else {
					lastErr = err
					allThrottled = false
				}
				attempts = append(attempts, fmt.Sprintf("%s/%s: %s", key.ProviderName, resolvedBaseID, lastErr))
				continue
			}

			engine.RecordModelStatus(key, resolvedBaseID, true, false, "", nil)
			engine.AfterResponseCommit(ctx, afterResponseHook(ctx))
			r.observeAttempts(attemptCount)
			return resp, nil
		}
	}

	engine.AfterResponseCommit(ctx, afterResponseHook(ctx))
	r.observeAttempts(attemptCount)
	return nil, finalError(sawEligible, lastErr, attempts, allThrottled)
}

// ChatCompletionStream runs the attempt loop for a streaming request,
// returning the first successfully opened upstream stream.
func (r *Router) ChatCompletionStream(ctx context.Context, engine *throttle.Engine, user *relay.User, protocol relay.Protocol, req *relay.ChatRequest) (<-chan relay.StreamChunk, error) {
	origModel := req.Model
	defer func() { req.Model = origModel }()

	models := splitFallback(resolveUserAlias(user, origModel))
	var lastErr error
	var attempts []string
	var sawEligible bool
	allThrottled := true // vacuously true until a non-throttled failure disproves it
	attemptCount := 0

	for _, entry := range models {
		t := parseTarget(entry)
		candidates, resolved := r.eligibleForTarget(user, t, protocol)
		if len(candidates) == 0 {
			continue
		}
		eligible := orderedEligible(engine, candidates, resolved)

		for _, key := range eligible {
			sawEligible = true
			attemptCount++
			resolvedBaseID := resolved[key.ID]
			handler, _ := r.handlers.Get(key.ProviderName)

			req.Model = resolvedBaseID
			maybeRewriteSystem(handler, req)

			callCtx := ctx
			var span trace.Span
			if r.tracer != nil {
				callCtx, span = r.tracer.Start(ctx, "router.ChatCompletionStream", trace.WithAttributes(
					attribute.String("provider", key.ProviderName),
					attribute.String("model", resolvedBaseID),
				))
			}
			ch, err := handler.ChatCompletionStream(callCtx, key, req)
			if span != nil {
				span.End()
			}

			if err != nil {
				te := r.recordOutcome(engine, key, resolvedBaseID, err)
				if te != nil {
					lastErr = te
				} else {
					lastErr = err
					allThrottled = false
				}
				attempts = append(attempts, fmt.Sprintf("%s/%s: %s", key.ProviderName, resolvedBaseID, lastErr))
				continue
			}

			engine.RecordModelStatus(key, resolvedBaseID, true, false, "", nil)
			engine.AfterResponseCommit(ctx, afterResponseHook(ctx))
			r.observeAttempts(attemptCount)
			return ch, nil
		}
	}

	engine.AfterResponseCommit(ctx, afterResponseHook(ctx))
	r.observeAttempts(attemptCount)
	return nil, finalError(sawEligible, lastErr, attempts, allThrottled)
}

// observeAttempts records the number of key attempts one request made,
// whether it ended in success or exhaustion.
func (r *Router) observeAttempts(n int) {
	if r.metrics != nil && n > 0 {
		r.metrics.AttemptsPerRequest.Observe(float64(n))
	}
}

// finalError resolves the attempt loop's outcome into the error the caller
// returns: no key ever eligible across every fallback model is a distinct
// (non-retriable) case from every eligible attempt having failed. When at
// least one attempt ran, the per-attempt messages ride along in an
// AttemptsError so the HTTP layer can report every failure, not just the
// last one, while errors.Is/As against the last failure keeps working.
//
// §7's status policy is 429 only when *every* attempt was throttled, not
// merely the last one — if an earlier attempt failed for some other reason
// and a later one happened to be throttled, the overall request is still a
// 500. lastErr's own type would say 429 in that case (it's whatever the
// last attempt produced), so a trailing ThrottledError gets downgraded to
// a plain error here when the run wasn't throttled throughout.
func finalError(sawEligible bool, lastErr error, attempts []string, allThrottled bool) error {
	if !sawEligible || lastErr == nil {
		return relay.ErrNoEligibleKey
	}
	if !allThrottled {
		if _, ok := lastErr.(*relay.ThrottledError); ok {
			lastErr = errors.New(lastErr.Error())
		}
	}
	if len(attempts) > 1 {
		return &relay.AttemptsError{Last: lastErr, Messages: attempts}
	}
	return lastErr
}

// afterResponseHook returns the request's registered after-response hook,
// if any was attached to ctx, or nil to fall back to a synchronous commit.
func afterResponseHook(ctx context.Context) func(func()) {
	if h, ok := ctx.Value(hookKey{}).(func(func())); ok {
		return h
	}
	return nil
}

type hookKey struct{}

// ContextWithAfterResponseHook attaches a fire-and-forget scheduler (run
// once the HTTP response has been written) that AfterResponseCommit uses to
// defer throttle-state persistence off the request's critical path (§5/§9).
func ContextWithAfterResponseHook(ctx context.Context, hook func(func())) context.Context {
	return context.WithValue(ctx, hookKey{}, hook)
}

package router

import (
	"strings"

	"github.com/fleetkey/relay/internal/relay"
)

// target is one parsed entry of a fallback list: the provider/baseId/alias
// triple extracted from a single comma-separated model-spec item (§4.1
// step 3a).
type target struct {
	Provider string // empty if the spec carried no "provider/" prefix
	BaseID   string
	Alias    string // empty if the spec carried no "$alias" suffix
}

// splitFallback splits a resolved model string on "," into its ordered
// fallback list (§4.1 step 2). Empty entries are dropped so a stray
// trailing comma never produces a spurious attempt.
func splitFallback(spec string) []string {
	parts := strings.Split(spec, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTarget extracts (provider?, baseId, alias?) from one fallback-list
// entry: the substring before the first "/" is the provider, and within
// the remainder, the substring after the *last* "$" is the alias (§4.1
// step 3a).
func parseTarget(entry string) target {
	provider := ""
	rest := entry
	if idx := strings.IndexByte(entry, '/'); idx >= 0 {
		provider = entry[:idx]
		rest = entry[idx+1:]
	}
	base := rest
	alias := ""
	if idx := strings.LastIndexByte(rest, '$'); idx >= 0 {
		base = rest[:idx]
		alias = rest[idx+1:]
	}
	return target{Provider: provider, BaseID: base, Alias: alias}
}

// matchSpec applies the flexible model-match rule (§4.1 "Model matching")
// to one configured spec against a requested (baseId, alias?) pair. On
// match it returns the resolved baseId — the identifier forwarded
// upstream — and true.
func matchSpec(spec relay.ModelSpec, reqBase, reqAlias string) (string, bool) {
	if reqBase == spec.BaseID && (reqAlias == "" || reqAlias == spec.Alias) {
		return spec.BaseID, true
	}
	if spec.Alias != "" && reqBase == spec.Alias {
		return spec.BaseID, true
	}
	return "", false
}

// resolveAgainstKey finds the first spec in key's effective model list
// (after its availableModels overrides) matching t, returning the
// upstream-resolved baseId.
func resolveAgainstKey(key *relay.Key, t target) (string, bool) {
	for _, spec := range key.EffectiveModels() {
		if resolved, ok := matchSpec(spec, t.BaseID, t.Alias); ok {
			return resolved, true
		}
	}
	return "", false
}

// Package relay defines the domain types shared across the gateway: the
// User/Key/Provider credential model, the OpenAI-shaped wire types used as
// the router's internal lingua franca, and the context-propagation helpers
// threaded through every request.
package relay

import (
	"context"
	"encoding/json"
)

// Protocol identifies one of the three wire formats the gateway understands.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolGemini    Protocol = "gemini"
	ProtocolAnthropic Protocol = "anthropic"
)

// ThrottleMode selects whether a provider's backoff buckets are keyed per
// credential ("_global_") or per resolved model id.
type ThrottleMode string

const (
	ThrottleByKey   ThrottleMode = "BY_KEY"
	ThrottleByModel ThrottleMode = "BY_MODEL"
)

// UserTokenPrefix and AccessTokenPrefix distinguish the two token families
// resolved by the authentication middleware (§4.5).
const (
	UserTokenPrefix   = "sk-"
	AccessTokenPrefix = "sk-api-"
)

// ModelSpec is one configured provider model entry: a base id and an
// optional user-facing alias, shaped "baseId[$alias]" on the wire.
type ModelSpec struct {
	BaseID string
	Alias  string // empty if the spec carries no alias
}

// String renders the spec back to its "baseId[$alias]" wire form.
func (m ModelSpec) String() string {
	if m.Alias == "" {
		return m.BaseID
	}
	return m.BaseID + "$" + m.Alias
}

// ParseModelSpec parses one "baseId[$alias]" entry from a configured model
// list (§3 "Model spec syntax").
func ParseModelSpec(raw string) ModelSpec {
	if idx := indexByte(raw, '$'); idx >= 0 {
		return ModelSpec{BaseID: raw[:idx], Alias: raw[idx+1:]}
	}
	return ModelSpec{BaseID: raw}
}

// MatchSet returns the set of identifiers a request may supply to select
// this spec: the base id, the alias (if any), and the full "base$alias"
// form — the "alias-as-identifier" rule from §3: a config entry "b$a"
// matches a request for "b", "a", or "b$a"; a config entry with no alias
// matches only its bare base id.
func (m ModelSpec) MatchSet() []string {
	if m.Alias == "" {
		return []string{m.BaseID}
	}
	return []string{m.BaseID, m.Alias, m.String()}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Provider is the static configuration for one upstream family.
type Provider struct {
	Name                string
	DisplayName         string
	ThrottleMode        ThrottleMode
	MinThrottleDuration int64 // minutes
	MaxThrottleDuration int64 // minutes
	Models              []ModelSpec
	NativeProtocols     []Protocol
}

// SupportsProtocol reports whether p is among the provider's native wire
// formats.
func (pv Provider) SupportsProtocol(p Protocol) bool {
	for _, n := range pv.NativeProtocols {
		if n == p {
			return true
		}
	}
	return false
}

// BucketState is one throttle bucket's persisted state (§3 ThrottleData).
// Expiration is a unix-millisecond timestamp; zero means healthy.
type BucketState struct {
	ExpirationMs        int64  `json:"expiration"`
	CurrentBackoffMs    int64  `json:"currentBackoffDuration"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
}

// Healthy reports whether the bucket is the compaction sentinel: expired,
// no failures, and backoff at its floor.
func (b BucketState) Healthy(minMs int64) bool {
	return b.ExpirationMs == 0 && b.ConsecutiveFailures == 0 && b.CurrentBackoffMs <= minMs
}

// Key is one upstream credential, owned by exactly one User, scoped to one
// Provider.
type Key struct {
	ID                string
	UserID            string
	ProviderName      string
	Provider          Provider
	KeyData           json.RawMessage
	ThrottleData      map[string]BucketState
	PermanentlyFailed bool
	Paused            bool
	Notes             string
	BaseURL           string
	AvailableModels   []string // "name" additive, "-name" subtractive
}

// EffectiveModels applies the Key's AvailableModels overrides to the
// Provider's base model list (§4.1 "availableModels overrides").
func (k Key) EffectiveModels() []ModelSpec {
	if len(k.AvailableModels) == 0 {
		return k.Provider.Models
	}
	byBase := make(map[string]ModelSpec, len(k.Provider.Models))
	order := make([]string, 0, len(k.Provider.Models))
	for _, m := range k.Provider.Models {
		byBase[m.BaseID] = m
		order = append(order, m.BaseID)
	}
	for _, entry := range k.AvailableModels {
		if rest, ok := cutPrefix(entry, "-"); ok {
			if _, exists := byBase[rest]; exists {
				delete(byBase, rest)
			}
			continue
		}
		if _, exists := byBase[entry]; !exists {
			order = append(order, entry)
		}
		byBase[entry] = ModelSpec{BaseID: entry}
	}
	out := make([]ModelSpec, 0, len(order))
	for _, base := range order {
		if m, ok := byBase[base]; ok {
			out = append(out, m)
		}
	}
	return out
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

// User is an authenticated identity keyed by its token, owning zero or more
// Keys and AccessTokens, with an optional per-user alias map.
type User struct {
	ID           string
	Token        string
	DisplayName  string
	ModelAliases map[string]string
	Keys         []Key
}

// AccessToken authenticates as its owning User but is denied management
// endpoints (§3, §4.5).
type AccessToken struct {
	ID     string
	Token  string
	UserID string
}

// requestMeta bundles the per-request values threaded through context, kept
// as a single allocation to avoid a context.WithValue per field.
type requestMeta struct {
	requestID string
	user      *User
}

type metaKey struct{}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(metaKey{}).(*requestMeta)
	return m
}

// ContextWithRequestID attaches a request id, creating the shared meta
// struct on first use.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.requestID = id
		return ctx
	}
	return context.WithValue(ctx, metaKey{}, &requestMeta{requestID: id})
}

// RequestIDFromContext returns the request id attached by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.requestID
	}
	return ""
}

// ContextWithUser attaches the authenticated user, mutating the existing
// meta struct in place when present to avoid a second allocation.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.user = u
		return ctx
	}
	return context.WithValue(ctx, metaKey{}, &requestMeta{user: u})
}

// UserFromContext returns the authenticated user attached by ContextWithUser.
func UserFromContext(ctx context.Context) *User {
	if m := metaFromContext(ctx); m != nil {
		return m.user
	}
	return nil
}

package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/fleetkey/relay/internal/relay"
)

// Cache is the response-cache interface the server depends on.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Purge(ctx context.Context)
}

// isCacheable reports whether req is eligible for response caching: only
// non-streaming, single-completion requests with low/zero temperature or
// an explicit seed are deterministic enough to reuse across callers.
func isCacheable(req *relay.ChatRequest) bool {
	if req.Stream {
		return false
	}
	if req.N != nil && *req.N > 1 {
		return false
	}
	if req.Seed != nil {
		return true
	}
	if req.Temperature != nil && *req.Temperature <= 0.3 {
		return true
	}
	return false
}

// cacheKey produces a deterministic SHA-256 hash for req, scoped to the
// caller's user id so cached responses never leak across users.
func cacheKey(userID string, req *relay.ChatRequest) string {
	m := map[string]any{
		"user_id":  userID,
		"model":    req.Model,
		"messages": normalizeMessages(req.Messages),
	}
	if req.Temperature != nil {
		m["temperature"] = roundFloat(*req.Temperature)
	}
	if req.TopP != nil {
		m["top_p"] = roundFloat(*req.TopP)
	}
	if req.MaxTokens != nil {
		m["max_tokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		m["stop"] = req.Stop
	}
	if req.PresencePenalty != nil {
		m["presence_penalty"] = roundFloat(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		m["frequency_penalty"] = roundFloat(*req.FrequencyPenalty)
	}
	if req.Seed != nil {
		m["seed"] = *req.Seed
	}
	if len(req.Tools) > 0 {
		m["tools"] = req.Tools
	}
	if len(req.ToolChoice) > 0 {
		m["tool_choice"] = req.ToolChoice
	}
	if len(req.ResponseFormat) > 0 {
		m["response_format"] = req.ResponseFormat
	}

	data := stableJSON(m)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// stableMessage marshals in declaration order, avoiding the non-deterministic
// map iteration that would otherwise make the cache key unstable.
type stableMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

func normalizeMessages(msgs []relay.Message) []stableMessage {
	out := make([]stableMessage, len(msgs))
	for i, m := range msgs {
		out[i] = stableMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

func stableJSON(m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].Key = k
		ordered[i].Value = m[k]
	}

	data, _ := json.Marshal(ordered)
	return data
}

func roundFloat(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// cacheTTL returns the response-cache TTL for a request, falling back to
// the server's configured default.
func (s *server) cacheTTL() time.Duration {
	if s.deps.CacheTTL > 0 {
		return s.deps.CacheTTL
	}
	return 5 * time.Minute
}

package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/relay/internal/providerhandler"
	"github.com/fleetkey/relay/internal/relay"
	"github.com/fleetkey/relay/internal/throttle"
)

// fakeHandler is a minimal providerhandler.Handler whose ChatCompletion
// outcome is scripted per call via responses, letting tests drive the
// attempt loop through throttled/permanent/success sequences without a
// network round trip.
type fakeHandler struct {
	native     relay.Protocol
	protocols  []relay.Protocol
	responses  map[string][]result // keyed by key.ID, consumed in order
	calls      []string            // key.ID of each ChatCompletion call, in order
	rewritable bool
}

type result struct {
	resp *relay.ChatResponse
	err  error
}

func (h *fakeHandler) NativeProtocol() relay.Protocol      { return h.native }
func (h *fakeHandler) SupportedProtocols() []relay.Protocol { return h.protocols }
func (h *fakeHandler) CanAccessModel(*relay.Key, string) bool { return true }

func (h *fakeHandler) ChatCompletion(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (*relay.ChatResponse, error) {
	h.calls = append(h.calls, key.ID)
	queue := h.responses[key.ID]
	if len(queue) == 0 {
		return &relay.ChatResponse{ID: "ok", Model: req.Model}, nil
	}
	r := queue[0]
	h.responses[key.ID] = queue[1:]
	return r.resp, r.err
}

func (h *fakeHandler) ChatCompletionStream(ctx context.Context, key *relay.Key, req *relay.ChatRequest) (<-chan relay.StreamChunk, error) {
	h.calls = append(h.calls, key.ID)
	queue := h.responses[key.ID]
	if len(queue) == 0 {
		ch := make(chan relay.StreamChunk, 1)
		ch <- relay.StreamChunk{Done: true}
		close(ch)
		return ch, nil
	}
	r := queue[0]
	h.responses[key.ID] = queue[1:]
	if r.err != nil {
		return nil, r.err
	}
	ch := make(chan relay.StreamChunk, 1)
	ch <- relay.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (h *fakeHandler) Embeddings(ctx context.Context, key *relay.Key, req *relay.EmbeddingRequest) (*relay.EmbeddingResponse, error) {
	return nil, nil
}
func (h *fakeHandler) HealthCheck(ctx context.Context, key *relay.Key) error { return nil }

func testUser(provider relay.Provider, keys ...relay.Key) *relay.User {
	for i := range keys {
		keys[i].Provider = provider
		keys[i].ProviderName = provider.Name
	}
	return &relay.User{ID: "u1", Token: "sk-test", Keys: keys}
}

func TestChatCompletion_FallsOverToNextModelOnThrottle(t *testing.T) {
	// Scenario S1: the first fallback model's only key is throttled, so the
	// router moves on to the second model in the fallback list.
	provider := relay.Provider{
		Name:                "aistudio",
		ThrottleMode:        relay.ThrottleByModel,
		MinThrottleDuration: 1,
		MaxThrottleDuration: 10,
		Models: []relay.ModelSpec{
			{BaseID: "gemini-2.5-pro"},
			{BaseID: "gemini-2.5-flash"},
		},
	}
	k1 := relay.Key{ID: "k1"}
	user := testUser(provider, k1)

	handler := &fakeHandler{
		native:    relay.ProtocolGemini,
		protocols: []relay.Protocol{relay.ProtocolGemini, relay.ProtocolOpenAI},
		responses: map[string][]result{
			"k1": {
				{err: &relay.ThrottledError{Provider: "aistudio", Detail: "rate limited"}},
				{resp: &relay.ChatResponse{ID: "resp-1", Model: "gemini-2.5-flash"}},
			},
		},
	}
	reg := providerhandler.NewRegistry(map[string]providerhandler.Handler{"aistudio": handler})
	engine := throttle.New(&noopStore{})
	r := New(reg, nil)

	req := &relay.ChatRequest{Model: "gemini-2.5-pro,gemini-2.5-flash"}
	resp, err := r.ChatCompletion(context.Background(), engine, user, relay.ProtocolOpenAI, req)

	require.NoError(t, err)
	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, []string{"k1", "k1"}, handler.calls)
	assert.Equal(t, "gemini-2.5-pro,gemini-2.5-flash", req.Model, "caller's original fallback string must be restored")
}

func TestChatCompletion_UserAliasExpandsOnce(t *testing.T) {
	// Scenario S2: a user-level alias maps the requested string to an
	// upstream fallback list in one substitution, not recursively.
	provider := relay.Provider{
		Name: "aistudio",
		Models: []relay.ModelSpec{
			{BaseID: "gemini-2.5-pro"},
		},
	}
	k1 := relay.Key{ID: "k1"}
	user := testUser(provider, k1)
	user.ModelAliases = map[string]string{"fast": "gemini-2.5-pro"}

	handler := &fakeHandler{
		native:    relay.ProtocolGemini,
		protocols: []relay.Protocol{relay.ProtocolGemini, relay.ProtocolOpenAI},
		responses: map[string][]result{
			"k1": {{resp: &relay.ChatResponse{ID: "resp-1"}}},
		},
	}
	reg := providerhandler.NewRegistry(map[string]providerhandler.Handler{"aistudio": handler})
	engine := throttle.New(&noopStore{})
	r := New(reg, nil)

	req := &relay.ChatRequest{Model: "fast"}
	resp, err := r.ChatCompletion(context.Background(), engine, user, relay.ProtocolOpenAI, req)

	require.NoError(t, err)
	assert.Equal(t, "resp-1", resp.ID)
}

func TestChatCompletion_PermanentFailureExcludesKeyFromLaterModels(t *testing.T) {
	// Scenario S4: a permanently-failed key is excluded from every
	// subsequent fallback model within the same request.
	provider := relay.Provider{
		Name: "codeassist",
		Models: []relay.ModelSpec{
			{BaseID: "gemini-2.5-pro"},
			{BaseID: "gemini-2.5-flash"},
		},
	}
	k1 := relay.Key{ID: "k1"}
	k2 := relay.Key{ID: "k2"}
	user := testUser(provider, k1, k2)

	handler := &fakeHandler{
		native:    relay.ProtocolGemini,
		protocols: []relay.Protocol{relay.ProtocolGemini, relay.ProtocolOpenAI},
		responses: map[string][]result{
			"k1": {{err: &relay.PermanentKeyFailure{Provider: "codeassist", Reason: "invalid_grant"}}},
			"k2": {{err: relay.ErrTransientUpstream}, {resp: &relay.ChatResponse{ID: "resp-2"}}},
		},
	}
	reg := providerhandler.NewRegistry(map[string]providerhandler.Handler{"codeassist": handler})
	engine := throttle.New(&noopStore{})
	r := New(reg, nil)

	req := &relay.ChatRequest{Model: "gemini-2.5-pro,gemini-2.5-flash"}
	resp, err := r.ChatCompletion(context.Background(), engine, user, relay.ProtocolOpenAI, req)

	require.NoError(t, err)
	assert.Equal(t, "resp-2", resp.ID)
	assert.True(t, user.Keys[0].PermanentlyFailed)
	assert.Equal(t, []string{"k1", "k2", "k2"}, handler.calls)
}

func TestChatCompletion_AliasAsIdentifierMatch(t *testing.T) {
	// Scenario S6: a configured "baseId$alias" spec matches a request naming
	// the alias alone, resolving to the configured base id upstream.
	provider := relay.Provider{
		Name:   "aistudio",
		Models: []relay.ModelSpec{{BaseID: "gemini-2.5-pro", Alias: "smart"}},
	}
	k1 := relay.Key{ID: "k1"}
	user := testUser(provider, k1)

	handler := &fakeHandler{
		native:    relay.ProtocolGemini,
		protocols: []relay.Protocol{relay.ProtocolGemini, relay.ProtocolOpenAI},
		responses: map[string][]result{
			"k1": {{resp: &relay.ChatResponse{ID: "resp-1"}}},
		},
	}
	reg := providerhandler.NewRegistry(map[string]providerhandler.Handler{"aistudio": handler})
	engine := throttle.New(&noopStore{})
	r := New(reg, nil)

	req := &relay.ChatRequest{Model: "smart"}
	_, err := r.ChatCompletion(context.Background(), engine, user, relay.ProtocolOpenAI, req)

	require.NoError(t, err)
	require.Len(t, handler.calls, 1)
}

func TestChatCompletion_NoEligibleKeyAcrossAnyModel(t *testing.T) {
	provider := relay.Provider{Name: "aistudio", Models: []relay.ModelSpec{{BaseID: "gemini-2.5-pro"}}}
	user := testUser(provider) // no keys at all

	reg := providerhandler.NewRegistry(map[string]providerhandler.Handler{})
	engine := throttle.New(&noopStore{})
	r := New(reg, nil)

	req := &relay.ChatRequest{Model: "gemini-2.5-pro"}
	_, err := r.ChatCompletion(context.Background(), engine, user, relay.ProtocolOpenAI, req)

	assert.ErrorIs(t, err, relay.ErrNoEligibleKey)
}

type noopStore struct{}

func (noopStore) UpdateKey(ctx context.Context, id string, throttleData map[string]relay.BucketState, throttleDataSet bool, keyData []byte, keyDataSet bool, permanentlyFailed bool, permanentlyFailedSet bool) error {
	return nil
}

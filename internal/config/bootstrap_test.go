package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/relay/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Providers: []ProviderEntry{
			{
				Name:                "aistudio",
				ThrottleMode:        "BY_MODEL",
				MinThrottleDuration: 1,
				MaxThrottleDuration: 10,
				Models:              []string{"gemini-2.5-pro$pro", "gemini-2.5-flash"},
				NativeProtocols:     []string{"gemini"},
			},
		},
		Users: []UserEntry{
			{
				Token:        "sk-test-user",
				DisplayName:  "test user",
				ModelAliases: map[string]string{"fast": "gemini-2.5-flash"},
				Keys: []KeyEntry{
					{Provider: "aistudio", KeyData: `{"apiKey":"AIza-test"}`},
				},
			},
		},
	}

	require.NoError(t, Bootstrap(ctx, cfg, st))

	prov, err := st.GetProvider(ctx, "aistudio")
	require.NoError(t, err)
	assert.Equal(t, "aistudio", prov.Name)
	assert.Len(t, prov.Models, 2)

	user, err := st.GetUserByToken(ctx, "sk-test-user")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", user.ModelAliases["fast"])
	require.Len(t, user.Keys, 1)
	assert.Equal(t, "aistudio", user.Keys[0].ProviderName)

	// Second call is idempotent -- no duplicate users/keys/providers.
	require.NoError(t, Bootstrap(ctx, cfg, st))

	providers, err := st.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, providers, 1)

	user2, err := st.GetUserByToken(ctx, "sk-test-user")
	require.NoError(t, err)
	assert.Len(t, user2.Keys, 1, "re-running bootstrap must not duplicate the seeded key")
}

func TestBootstrapRejectsInvalidThrottleMode(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	cfg := &Config{Providers: []ProviderEntry{{Name: "bad", ThrottleMode: "WHENEVER"}}}
	err := Bootstrap(context.Background(), cfg, st)
	assert.Error(t, err)
}

func TestBootstrapRejectsInvertedThrottleDurations(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	cfg := &Config{Providers: []ProviderEntry{{
		Name: "bad", ThrottleMode: "BY_KEY", MinThrottleDuration: 10, MaxThrottleDuration: 1,
	}}}
	err := Bootstrap(context.Background(), cfg, st)
	assert.Error(t, err)
}

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/relay/internal/relay"
)

type fakeMaintenanceStore struct {
	providers []relay.Provider
	keys      map[string][]relay.Key
	updates   map[string]map[string]relay.BucketState
}

func (s *fakeMaintenanceStore) ListProviders(ctx context.Context) ([]relay.Provider, error) {
	return s.providers, nil
}

func (s *fakeMaintenanceStore) ListKeysForProvider(ctx context.Context, providerName string) ([]relay.Key, error) {
	return s.keys[providerName], nil
}

func (s *fakeMaintenanceStore) UpdateKey(ctx context.Context, id string, throttleData map[string]relay.BucketState, throttleDataSet bool, keyData []byte, keyDataSet bool, permanentlyFailed bool, permanentlyFailedSet bool) error {
	if s.updates == nil {
		s.updates = make(map[string]map[string]relay.BucketState)
	}
	if throttleDataSet {
		s.updates[id] = throttleData
	}
	return nil
}

func TestMaintenanceWorker_CompactsExpiredBuckets(t *testing.T) {
	t.Parallel()

	now := time.Now().UnixMilli()
	store := &fakeMaintenanceStore{
		providers: []relay.Provider{{Name: "aistudio"}},
		keys: map[string][]relay.Key{
			"aistudio": {
				{
					ID: "k1",
					ThrottleData: map[string]relay.BucketState{
						"gemini-2.5-pro": {ExpirationMs: now - 60_000, CurrentBackoffMs: 120_000, ConsecutiveFailures: 0},
						"gemini-flash":   {ExpirationMs: now + 60_000, CurrentBackoffMs: 120_000, ConsecutiveFailures: 0},
					},
				},
			},
		},
	}

	w := NewMaintenanceWorker(store, "@every 1h")
	w.sweep(context.Background())

	updated, ok := store.updates["k1"]
	require.True(t, ok, "expected key k1 to be updated")
	_, stillPresent := updated["gemini-2.5-pro"]
	assert.False(t, stillPresent, "expired bucket should be compacted away")
	_, stillActive := updated["gemini-flash"]
	assert.True(t, stillActive, "unexpired bucket should survive compaction")
}

func TestMaintenanceWorker_SkipsKeysWithNoStaleBuckets(t *testing.T) {
	t.Parallel()

	now := time.Now().UnixMilli()
	store := &fakeMaintenanceStore{
		providers: []relay.Provider{{Name: "aistudio"}},
		keys: map[string][]relay.Key{
			"aistudio": {
				{
					ID: "k1",
					ThrottleData: map[string]relay.BucketState{
						"gemini-flash": {ExpirationMs: now + 60_000, CurrentBackoffMs: 120_000},
					},
				},
			},
		},
	}

	w := NewMaintenanceWorker(store, "@every 1h")
	w.sweep(context.Background())

	_, touched := store.updates["k1"]
	assert.False(t, touched, "key with no stale buckets should not be written")
}

func TestMaintenanceWorker_Run_StopsOnCancel(t *testing.T) {
	t.Parallel()

	store := &fakeMaintenanceStore{providers: nil}
	w := NewMaintenanceWorker(store, "@every 1h")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

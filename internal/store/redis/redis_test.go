package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/relay/internal/relay"
)

func newTestBucketStore(t *testing.T) *BucketStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, time.Hour)
}

func TestBucketStore_RoundTrip(t *testing.T) {
	s := newTestBucketStore(t)
	ctx := context.Background()

	_, ok, err := s.GetThrottleData(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	data := map[string]relay.BucketState{
		"gemini-2.5-pro": {ExpirationMs: 1000, CurrentBackoffMs: 60_000, ConsecutiveFailures: 1},
	}
	require.NoError(t, s.SetThrottleData(ctx, "k1", data))

	got, ok, err := s.GetThrottleData(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, "k1"))
	_, ok, err = s.GetThrottleData(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBucketStore_CommitBatch(t *testing.T) {
	s := newTestBucketStore(t)
	ctx := context.Background()

	batch := map[string]map[string]relay.BucketState{
		"k1": {"m1": {ConsecutiveFailures: 1}},
		"k2": {"m2": {ConsecutiveFailures: 2}},
	}
	require.NoError(t, s.CommitBatch(ctx, batch))

	got1, ok, err := s.GetThrottleData(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got1["m1"].ConsecutiveFailures)

	got2, ok, err := s.GetThrottleData(ctx, "k2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got2["m2"].ConsecutiveFailures)
}

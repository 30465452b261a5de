package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/fleetkey/relay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProvider() relay.Provider {
	return relay.Provider{
		Name:                "aistudio",
		ThrottleMode:        relay.ThrottleByModel,
		MinThrottleDuration: 1,  // 60_000 ms
		MaxThrottleDuration: 10, // 600_000 ms
	}
}

func TestRecordModelStatus_BackoffSequence(t *testing.T) {
	// Scenario S3: three consecutive rate-limit events double the backoff
	// each time, capped at the provider maximum.
	key := &relay.Key{ID: "k1", Provider: testProvider()}

	fixed := time.UnixMilli(1_000_000)
	restore := freezeNow(fixed)
	defer restore()

	e := New(&fakeStore{})
	e.RecordModelStatus(key, "gemini-2.5-pro", false, true, "rate limited", nil)
	require.Contains(t, key.ThrottleData, "gemini-2.5-pro")
	assert.Equal(t, int64(60_000), key.ThrottleData["gemini-2.5-pro"].CurrentBackoffMs)

	e.RecordModelStatus(key, "gemini-2.5-pro", false, true, "rate limited", nil)
	assert.Equal(t, int64(120_000), key.ThrottleData["gemini-2.5-pro"].CurrentBackoffMs)

	e.RecordModelStatus(key, "gemini-2.5-pro", false, true, "rate limited", nil)
	assert.Equal(t, int64(240_000), key.ThrottleData["gemini-2.5-pro"].CurrentBackoffMs)
	assert.Equal(t, 0, key.ThrottleData["gemini-2.5-pro"].ConsecutiveFailures)
}

func TestRecordModelStatus_SuccessResetsUnhealthyBucket(t *testing.T) {
	key := &relay.Key{
		ID:       "k1",
		Provider: testProvider(),
		ThrottleData: map[string]relay.BucketState{
			"m": {ExpirationMs: 9_999_999, CurrentBackoffMs: 120_000, ConsecutiveFailures: 2},
		},
	}
	e := New(&fakeStore{})
	e.RecordModelStatus(key, "m", true, false, "", nil)
	// Healthy sentinel compacts away entirely.
	_, ok := key.ThrottleData["m"]
	assert.False(t, ok)
}

func TestRecordModelStatus_SuccessOnHealthyBucketIsNoop(t *testing.T) {
	key := &relay.Key{ID: "k1", Provider: testProvider()}
	e := New(&fakeStore{})
	e.RecordModelStatus(key, "m", true, false, "", nil)
	assert.Empty(t, key.ThrottleData)
	assert.Empty(t, e.pending)
}

func TestRecordModelStatus_FifthFailureTripsBackoff(t *testing.T) {
	key := &relay.Key{ID: "k1", Provider: testProvider()}
	e := New(&fakeStore{})
	for i := 0; i < 4; i++ {
		e.RecordModelStatus(key, "m", false, false, "transient", nil)
	}
	require.Equal(t, 4, key.ThrottleData["m"].ConsecutiveFailures)
	require.Equal(t, int64(0), key.ThrottleData["m"].CurrentBackoffMs)

	e.RecordModelStatus(key, "m", false, false, "transient", nil)
	bucket := key.ThrottleData["m"]
	assert.Equal(t, 0, bucket.ConsecutiveFailures)
	assert.Equal(t, int64(60_000), bucket.CurrentBackoffMs)
	assert.Greater(t, bucket.ExpirationMs, int64(0))
}

func TestRecordModelStatus_ResetTimeOverridesComputedExpiration(t *testing.T) {
	fixed := time.UnixMilli(1_000_000)
	restore := freezeNow(fixed)
	defer restore()

	key := &relay.Key{ID: "k1", Provider: testProvider()}
	e := New(&fakeStore{})
	far := fixed.Add(time.Hour)
	e.RecordModelStatus(key, "m", false, true, "rate limited", &far)
	assert.Equal(t, far.UnixMilli(), key.ThrottleData["m"].ExpirationMs)
}

func TestEligibleKeys_OrdersByConsecutiveFailures(t *testing.T) {
	keys := []*relay.Key{
		{ID: "a", Provider: testProvider(), ThrottleData: map[string]relay.BucketState{"m": {ConsecutiveFailures: 3}}},
		{ID: "b", Provider: testProvider(), ThrottleData: map[string]relay.BucketState{"m": {ConsecutiveFailures: 1}}},
		{ID: "c", Provider: testProvider()},
	}
	e := New(&fakeStore{})
	out := e.EligibleKeys(keys, "m")
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].ID) // no entry -> 0 failures
	assert.Equal(t, "b", out[1].ID)
	assert.Equal(t, "a", out[2].ID)
}

func TestEligibleKeys_ExcludesThrottledBucket(t *testing.T) {
	fixed := time.UnixMilli(1_000_000)
	restore := freezeNow(fixed)
	defer restore()

	keys := []*relay.Key{
		{ID: "a", Provider: testProvider(), ThrottleData: map[string]relay.BucketState{"m": {ExpirationMs: 2_000_000}}},
		{ID: "b", Provider: testProvider()},
	}
	e := New(&fakeStore{})
	out := e.EligibleKeys(keys, "m")
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}

func TestCommitPending_OneWritePerKey(t *testing.T) {
	key := &relay.Key{ID: "k1", Provider: testProvider()}
	fs := &fakeStore{}
	e := New(fs)

	e.RecordModelStatus(key, "m1", false, true, "rl", nil)
	e.RecordModelStatus(key, "m2", false, true, "rl", nil)
	e.RecordKeyDataUpdated(key)

	require.NoError(t, e.CommitPending(context.Background()))
	assert.Equal(t, 1, fs.calls["k1"])
	assert.Empty(t, e.pending)
}

func TestRecordPermanentlyFailed_SticksImmediately(t *testing.T) {
	key := &relay.Key{ID: "k1", Provider: testProvider()}
	e := New(&fakeStore{})
	e.RecordPermanentlyFailed(key)
	assert.True(t, key.PermanentlyFailed)
}

type fakeStore struct {
	calls map[string]int
}

func (f *fakeStore) UpdateKey(ctx context.Context, id string, throttleData map[string]relay.BucketState, throttleDataSet bool, keyData []byte, keyDataSet bool, permanentlyFailed bool, permanentlyFailedSet bool) error {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[id]++
	return nil
}

func freezeNow(t time.Time) func() {
	orig := nowFunc
	nowFunc = func() time.Time { return t }
	return func() { nowFunc = orig }
}

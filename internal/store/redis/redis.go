// Package redis provides an optional distributed overlay for throttle
// bucket state: BucketStore reads and writes one key's bucket map in
// Redis, so processes sharing one Redis instance see each other's writes.
// No other package in this module imports it: cmd/relay never constructs
// a BucketStore, and the throttle engine commits bucket state through the
// credential store only.
//
// Not a teacher dependency — go-redis/v9 and miniredis appear in the
// wider example corpus, not in the teacher repo itself, and are wired in
// here per the instruction to prefer reuse over a from-scratch design.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetkey/relay/internal/relay"
)

// BucketStore overlays one key's throttle bucket map in Redis, keyed so
// multiple relay processes sharing one Redis instance observe each
// other's writes without going through the primary credential store.
type BucketStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New wraps an already-constructed *redis.Client. ttl bounds how long a
// bucket entry survives with no further writes; pass 0 to disable expiry.
func New(client *redis.Client, ttl time.Duration) *BucketStore {
	return &BucketStore{client: client, prefix: "relay:throttle:", ttl: ttl}
}

func (b *BucketStore) bucketKey(keyID string) string {
	return b.prefix + keyID
}

// GetThrottleData reads the full bucket map for a key, returning (nil,
// false) on a cache miss so the caller falls back to the credential
// store's own column.
func (b *BucketStore) GetThrottleData(ctx context.Context, keyID string) (map[string]relay.BucketState, bool, error) {
	raw, err := b.client.Get(ctx, b.bucketKey(keyID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var data map[string]relay.BucketState
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Errorf("unmarshal bucket data: %w", err)
	}
	return data, true, nil
}

// SetThrottleData overwrites the full bucket map for a key.
func (b *BucketStore) SetThrottleData(ctx context.Context, keyID string, data map[string]relay.BucketState) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal bucket data: %w", err)
	}
	if err := b.client.Set(ctx, b.bucketKey(keyID), encoded, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the cached overlay for a key, e.g. after the key itself
// is deleted from the credential store.
func (b *BucketStore) Delete(ctx context.Context, keyID string) error {
	return b.client.Del(ctx, b.bucketKey(keyID)).Err()
}

// CommitBatch writes several keys' bucket maps in one pipeline, matching
// the shape of throttle.Engine's commit batch (one write per touched key,
// now fanned out over a single round trip instead of one connection per
// key).
func (b *BucketStore) CommitBatch(ctx context.Context, batch map[string]map[string]relay.BucketState) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for keyID, data := range batch {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal bucket data for %s: %w", keyID, err)
		}
		pipe.Set(ctx, b.bucketKey(keyID), encoded, b.ttl)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline commit: %w", err)
	}
	return nil
}

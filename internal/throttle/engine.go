// Package throttle implements the per-key, per-bucket exponential-backoff
// engine (C2): it decides which keys are eligible for a resolved model,
// yields them in failure-count order, and buffers the mutations a provider
// handler reports until the router commits them in one batch per key.
//
// Structurally this follows the mutex + lazy-map idiom of the teacher's
// ratelimit.Registry (double-checked-locking GetOrCreate, per-entry
// mutation under a single lock); the backoff arithmetic itself has no
// teacher analogue and is authored directly from the bucket-transition
// table it implements.
package throttle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetkey/relay/internal/relay"
	"golang.org/x/sync/errgroup"
)

// GlobalBucket is the bucket key used under ThrottleByKey mode.
const GlobalBucket = "_global_"

// failureThreshold is the number of consecutive non-rate-limit failures
// that trips a bucket's backoff (§4.2, testable property 5).
const failureThreshold = 5

// nowFunc is overridable in tests.
var nowFunc = time.Now

// BucketKey returns the throttle bucket identifier for a resolved model id
// under the given provider mode.
func BucketKey(mode relay.ThrottleMode, resolvedBaseID string) string {
	if mode == relay.ThrottleByModel {
		return resolvedBaseID
	}
	return GlobalBucket
}

// pendingUpdate stages the optional fields changed for one key during the
// current attempt loop.
type pendingUpdate struct {
	throttleData      map[string]relay.BucketState // meaningful only when throttleDataSet; an empty map means every bucket was compacted away
	throttleDataSet   bool
	keyData           []byte
	keyDataSet        bool
	permanentlyFailed bool
	permanentlyFailedSet bool
}

// Store is the subset of the credential store the engine needs to commit
// buffered mutations (§6 updateKey).
type Store interface {
	UpdateKey(ctx context.Context, id string, throttleData map[string]relay.BucketState, throttleDataSet bool, keyData []byte, keyDataSet bool, permanentlyFailed bool, permanentlyFailedSet bool) error
}

// Engine is constructed once per inbound request's attempt loop. It is not
// safe to share across requests — the server builds a fresh one for each
// request and passes it to the shared router.
type Engine struct {
	mu      sync.Mutex
	pending map[string]*pendingUpdate
	store   Store
}

// New creates an Engine bound to the given credential store handle.
func New(store Store) *Engine {
	return &Engine{
		pending: make(map[string]*pendingUpdate),
		store:   store,
	}
}

// EligibleKeys filters candidates to those not currently throttled for the
// bucket resolved from (mode, resolvedBaseID), sorted ascending by
// consecutive-failure count (testable property 9). It does not apply the
// paused/permanentlyFailed/provider/protocol filters — those are C5's
// eligibility predicate (§4.1); this only applies the throttle predicate.
func (e *Engine) EligibleKeys(candidates []*relay.Key, resolvedBaseID string) []*relay.Key {
	type scored struct {
		key   *relay.Key
		order int
		score int
	}
	now := nowFunc().UnixMilli()
	scoredKeys := make([]scored, 0, len(candidates))
	for i, k := range candidates {
		bucket := BucketKey(k.Provider.ThrottleMode, resolvedBaseID)
		data, ok := k.ThrottleData[bucket]
		if ok && data.ExpirationMs > now {
			continue
		}
		failures := 0
		if ok {
			failures = data.ConsecutiveFailures
		}
		scoredKeys = append(scoredKeys, scored{key: k, order: i, score: failures})
	}
	sort.SliceStable(scoredKeys, func(i, j int) bool {
		return scoredKeys[i].score < scoredKeys[j].score
	})
	out := make([]*relay.Key, len(scoredKeys))
	for i, s := range scoredKeys {
		out[i] = s.key
	}
	return out
}

// stage returns (creating if absent) the pendingUpdate for a key id. Caller
// must hold e.mu.
func (e *Engine) stage(id string) *pendingUpdate {
	p, ok := e.pending[id]
	if !ok {
		p = &pendingUpdate{}
		e.pending[id] = p
	}
	return p
}

// RecordKeyDataUpdated stages key.KeyData (already mutated in place by the
// caller) for persistence.
func (e *Engine) RecordKeyDataUpdated(key *relay.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.stage(key.ID)
	p.keyData = key.KeyData
	p.keyDataSet = true
}

// RecordPermanentlyFailed sets the sticky flag in memory and stages it.
func (e *Engine) RecordPermanentlyFailed(key *relay.Key) {
	key.PermanentlyFailed = true
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.stage(key.ID)
	p.permanentlyFailed = true
	p.permanentlyFailedSet = true
}

// RecordModelStatus applies the §4.2 backoff-transition table to the bucket
// for resolvedBaseID on key, mutating key.ThrottleData in place (so the
// next attempt within this request sees the update) and staging the result
// for commit.
func (e *Engine) RecordModelStatus(key *relay.Key, resolvedBaseID string, success, isRateLimited bool, lastErr string, resetTime *time.Time) {
	bucket := BucketKey(key.Provider.ThrottleMode, resolvedBaseID)
	minMs := key.Provider.MinThrottleDuration * 60_000
	maxMs := key.Provider.MaxThrottleDuration * 60_000
	now := nowFunc().UnixMilli()

	old, had := key.ThrottleData[bucket]

	next, changed := applyOutcome(old, had, minMs, maxMs, now, success, isRateLimited, lastErr, resetTime)
	if !changed {
		return
	}

	if key.ThrottleData == nil {
		key.ThrottleData = make(map[string]relay.BucketState)
	}
	if next.Healthy(minMs) {
		delete(key.ThrottleData, bucket)
	} else {
		key.ThrottleData[bucket] = next
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.stage(key.ID)
	// Snapshot the whole map (possibly empty; the store layer writes an
	// empty map as {}).
	snapshot := make(map[string]relay.BucketState, len(key.ThrottleData))
	for k, v := range key.ThrottleData {
		snapshot[k] = v
	}
	p.throttleData = snapshot
	p.throttleDataSet = true
}

// applyOutcome implements the §4.2 transition table for a single bucket.
// Returns the new state and whether anything changed (a no-op success on
// an already-healthy bucket changes nothing and must not be staged).
func applyOutcome(old relay.BucketState, had bool, minMs, maxMs, nowMs int64, success, isRateLimited bool, lastErr string, resetTime *time.Time) (relay.BucketState, bool) {
	switch {
	case isRateLimited:
		backoff := nextBackoff(old.CurrentBackoffMs, minMs, maxMs)
		expiration := nowMs + backoff
		if resetTime != nil {
			if rt := resetTime.UnixMilli(); rt > expiration {
				expiration = rt
			}
		}
		return relay.BucketState{
			ExpirationMs:        expiration,
			CurrentBackoffMs:    backoff,
			ConsecutiveFailures: 0,
			LastError:           lastErr,
		}, true

	case success:
		unhealthy := had && (old.ExpirationMs > nowMs || old.ConsecutiveFailures > 0 || old.CurrentBackoffMs > minMs)
		if !unhealthy {
			return relay.BucketState{}, false
		}
		return relay.BucketState{ExpirationMs: 0, CurrentBackoffMs: minMs, ConsecutiveFailures: 0}, true

	default: // failure, not rate-limited
		failures := old.ConsecutiveFailures + 1
		if failures >= failureThreshold {
			backoff := nextBackoff(old.CurrentBackoffMs, minMs, maxMs)
			return relay.BucketState{
				ExpirationMs:        nowMs + backoff,
				CurrentBackoffMs:    backoff,
				ConsecutiveFailures: 0,
				LastError:           lastErr,
			}, true
		}
		return relay.BucketState{
			ExpirationMs:        old.ExpirationMs,
			CurrentBackoffMs:    old.CurrentBackoffMs,
			ConsecutiveFailures: failures,
			LastError:           lastErr,
		}, true
	}
}

// nextBackoff doubles the current backoff, capped at maxMs; a zero current
// backoff (the bucket's first-ever trip) starts at minMs rather than at
// 2*0, per spec's "Initial backoff is minMs".
func nextBackoff(currentMs, minMs, maxMs int64) int64 {
	if currentMs <= 0 {
		return minMs
	}
	next := currentMs * 2
	if next > maxMs {
		next = maxMs
	}
	return next
}

// CommitPending flushes all staged mutations, issuing at most one store
// write per distinct key id (testable property 6), then clears the
// buffer. Writes for distinct keys run concurrently via errgroup, bounded
// implicitly by the number of touched keys (normally small — one per
// attempted key in the request).
func (e *Engine) CommitPending(ctx context.Context) error {
	e.mu.Lock()
	batch := e.pending
	e.pending = make(map[string]*pendingUpdate)
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, p := range batch {
		id, p := id, p
		g.Go(func() error {
			return e.store.UpdateKey(gctx, id, p.throttleData, p.throttleDataSet, p.keyData, p.keyDataSet, p.permanentlyFailed, p.permanentlyFailedSet)
		})
	}
	return g.Wait()
}

// AfterResponseCommit registers CommitPending to run once the response has
// been written, via the hook parameter if non-nil (the §4.2/§9 "fire and
// forget" path), falling back to an inline synchronous commit otherwise.
// Correctness does not depend on which path runs.
func (e *Engine) AfterResponseCommit(ctx context.Context, hook func(func())) {
	if hook == nil {
		// Best effort: log-worthy errors are the caller's concern via the
		// returned error from a direct CommitPending call instead.
		_ = e.CommitPending(ctx)
		return
	}
	hook(func() { _ = e.CommitPending(context.WithoutCancel(ctx)) })
}

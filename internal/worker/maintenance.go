package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetkey/relay/internal/relay"
)

// MaintenanceStore is the subset of the credential store the maintenance
// sweep needs: enough to walk every key across every provider and persist
// compacted throttle state.
type MaintenanceStore interface {
	ListProviders(ctx context.Context) ([]relay.Provider, error)
	ListKeysForProvider(ctx context.Context, providerName string) ([]relay.Key, error)
	UpdateKey(ctx context.Context, id string, throttleData map[string]relay.BucketState, throttleDataSet bool, keyData []byte, keyDataSet bool, permanentlyFailed bool, permanentlyFailedSet bool) error
}

// MaintenanceWorker periodically sweeps the credential store for two
// things a request-driven path never revisits on its own: throttle buckets
// that expired but whose key was never attempted again (so the engine's
// inline compaction in RecordModelStatus never ran), and the current
// census of permanently failed keys, logged for operator visibility.
type MaintenanceWorker struct {
	store    MaintenanceStore
	schedule string
	cron     *cron.Cron
}

// NewMaintenanceWorker creates a MaintenanceWorker that runs on the given
// standard cron schedule (e.g. "0 */1 * * *" for hourly).
func NewMaintenanceWorker(store MaintenanceStore, schedule string) *MaintenanceWorker {
	return &MaintenanceWorker{store: store, schedule: schedule}
}

// Name returns the worker identifier.
func (w *MaintenanceWorker) Name() string { return "maintenance" }

// Run starts the cron schedule and blocks until ctx is cancelled.
func (w *MaintenanceWorker) Run(ctx context.Context) error {
	w.cron = cron.New()
	if _, err := w.cron.AddFunc(w.schedule, func() { w.sweep(ctx) }); err != nil {
		return err
	}
	w.cron.Start()
	<-ctx.Done()
	stopCtx := w.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// sweep walks every provider's keys once, compacting stale throttle buckets
// and logging the permanently-failed census.
func (w *MaintenanceWorker) sweep(ctx context.Context) {
	providers, err := w.store.ListProviders(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "maintenance sweep: list providers failed",
			slog.String("error", err.Error()))
		return
	}

	now := time.Now().UnixMilli()
	compacted := 0
	failed := 0

	for _, p := range providers {
		keys, err := w.store.ListKeysForProvider(ctx, p.Name)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "maintenance sweep: list keys failed",
				slog.String("provider", p.Name), slog.String("error", err.Error()))
			continue
		}

		for _, k := range keys {
			if k.PermanentlyFailed {
				failed++
			}
			if w.compactKey(ctx, &k, now) {
				compacted++
			}
		}
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "maintenance sweep completed",
		slog.Int("buckets_compacted", compacted),
		slog.Int("permanently_failed_keys", failed))
}

// compactKey drops any throttle bucket whose expiration has already
// passed, so a key's next attempt starts from a clean backoff rather than
// resuming from whatever value it last tripped to. Returns whether it
// wrote a change.
func (w *MaintenanceWorker) compactKey(ctx context.Context, k *relay.Key, nowMs int64) bool {
	if len(k.ThrottleData) == 0 {
		return false
	}

	changed := false
	next := make(map[string]relay.BucketState, len(k.ThrottleData))
	for bucket, data := range k.ThrottleData {
		if data.ExpirationMs > 0 && data.ExpirationMs <= nowMs {
			changed = true
			continue
		}
		next[bucket] = data
	}
	if !changed {
		return false
	}

	if err := w.store.UpdateKey(ctx, k.ID, next, true, nil, false, false, false); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "maintenance sweep: compact key failed",
			slog.String("key_id", k.ID), slog.String("error", err.Error()))
		return false
	}
	return true
}

package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelops/gatekeep/internal/domain/auth"
)

// UsageRecorder stamps an access key's last-used time and usage count off
// the authentication hot path, over a bounded channel that never blocks the
// caller: the same shape as AuditEmitter, for the same reason (a slow or
// unavailable store must not add latency to every proxied call).
type UsageRecorder struct {
	store auth.AuthStore

	events chan usageEvent
	wg     sync.WaitGroup
	logger *slog.Logger

	dropCount atomic.Int64
}

type usageEvent struct {
	accessKeyID string
	usedAt      time.Time
}

// NewUsageRecorder creates a UsageRecorder writing through store.
func NewUsageRecorder(store auth.AuthStore, logger *slog.Logger) *UsageRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageRecorder{
		store:  store,
		events: make(chan usageEvent, 1000),
		logger: logger,
	}
}

// Start launches the background drain worker.
func (r *UsageRecorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.worker(ctx)
}

// Touch enqueues a usage update for accessKeyID, timestamped now. Never
// blocks: if the channel is full the update is dropped and counted.
func (r *UsageRecorder) Touch(accessKeyID string) {
	select {
	case r.events <- usageEvent{accessKeyID: accessKeyID, usedAt: time.Now().UTC()}:
	default:
		r.dropCount.Add(1)
	}
}

// DroppedUpdates returns the number of usage updates dropped since startup.
func (r *UsageRecorder) DroppedUpdates() int64 {
	return r.dropCount.Load()
}

// Stop closes the channel and waits for the worker to drain and exit.
func (r *UsageRecorder) Stop() {
	close(r.events)
	r.wg.Wait()
}

func (r *UsageRecorder) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.record(ctx, ev)

		case <-ctx.Done():
			for ev := range r.events {
				r.record(context.Background(), ev)
			}
			return
		}
	}
}

// record writes a single usage update. Errors are logged, never propagated:
// a store outage must not fail the request that already completed.
func (r *UsageRecorder) record(ctx context.Context, ev usageEvent) {
	if err := r.store.RecordUsage(ctx, ev.accessKeyID, ev.usedAt); err != nil {
		r.logger.Warn("failed to record access key usage", "error", err, "access_key_id", ev.accessKeyID)
	}
}

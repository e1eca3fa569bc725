package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelops/gatekeep/internal/domain/audit"
)

// AuditEmitter accepts audit records on a bounded in-process channel and
// drains them to the backing store in batches, off the proxy hot path.
// When the channel is full the record is dropped and counted; the emitter
// never blocks the caller.
type AuditEmitter struct {
	store audit.Store

	auditChan chan audit.Record
	done      chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger

	batchSize     int
	flushInterval time.Duration
	channelSize   int

	dropCount   atomic.Int64
	lastWarning atomic.Int64
}

// EmitterOption configures an AuditEmitter.
type EmitterOption func(*AuditEmitter)

// WithBatchSize sets the number of records to batch before writing.
func WithBatchSize(size int) EmitterOption {
	return func(e *AuditEmitter) { e.batchSize = size }
}

// WithFlushInterval sets the interval at which pending records are flushed.
func WithFlushInterval(interval time.Duration) EmitterOption {
	return func(e *AuditEmitter) { e.flushInterval = interval }
}

// WithChannelSize sets the capacity of the bounded audit channel.
func WithChannelSize(size int) EmitterOption {
	return func(e *AuditEmitter) {
		e.auditChan = make(chan audit.Record, size)
		e.channelSize = size
	}
}

// NewAuditEmitter creates an AuditEmitter writing to store.
func NewAuditEmitter(store audit.Store, logger *slog.Logger, opts ...EmitterOption) *AuditEmitter {
	const defaultChannelSize = 1000
	e := &AuditEmitter{
		store:         store,
		auditChan:     make(chan audit.Record, defaultChannelSize),
		done:          make(chan struct{}),
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Start launches the background drain worker.
func (e *AuditEmitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.worker(ctx)
}

// Emit enqueues a record for persistence. Never blocks: if the channel is
// full the record is dropped and the drop counter incremented.
func (e *AuditEmitter) Emit(rec audit.Record) {
	select {
	case e.auditChan <- rec:
	default:
		e.recordDrop(rec)
	}
}

func (e *AuditEmitter) recordDrop(rec audit.Record) {
	drops := e.dropCount.Add(1)
	e.logger.Warn("audit record dropped: channel full",
		"tool", rec.ToolName,
		"tenant", rec.TenantID,
		"total_drops", drops,
	)
}

// DroppedRecords returns the number of records dropped since startup.
func (e *AuditEmitter) DroppedRecords() int64 {
	return e.dropCount.Load()
}

// ChannelDepth returns the current number of queued-but-undrained records.
func (e *AuditEmitter) ChannelDepth() int {
	return len(e.auditChan)
}

// ChannelCapacity returns the configured channel buffer size.
func (e *AuditEmitter) ChannelCapacity() int {
	return e.channelSize
}

// Stop closes the channel and waits for the worker to flush and exit.
func (e *AuditEmitter) Stop() {
	close(e.auditChan)
	e.wg.Wait()
}

func (e *AuditEmitter) worker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]audit.Record, 0, e.batchSize)
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-e.auditChan:
			if !ok {
				e.finalFlush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= e.batchSize {
				e.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for rec := range e.auditChan {
				batch = append(batch, rec)
			}
			e.finalFlush(batch)
			return
		}
	}
}

func (e *AuditEmitter) finalFlush(batch []audit.Record) {
	if len(batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.flush(flushCtx, batch)
}

// flush writes a batch to the store. Errors are logged, never propagated:
// a store outage must not fail the request that already completed.
func (e *AuditEmitter) flush(ctx context.Context, batch []audit.Record) {
	if err := e.store.Append(ctx, batch...); err != nil {
		e.logger.Error("failed to write audit batch", "error", err, "count", len(batch))
	}
}

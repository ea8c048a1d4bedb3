package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/telemetry"
)

// BatchHandler processes one deduplicated batch to completion. The pipeline
// type implements this.
type BatchHandler interface {
	ProcessBatch(ctx context.Context, reports []Report) (Result, error)
}

type window struct {
	reports []Report
	dropped int
}

// Batcher is the single-consumer ingestion loop: it accumulates Reports into
// windows bounded by either maxBatchSize messages or maxBatchDelay wall
// time, whichever comes first, then hands each window to a pool of worker
// goroutines — one worker per batch, to completion, batches never straddle
// workers.
type Batcher struct {
	queue         chan Report
	batches       chan window
	maxBatchSize  int
	maxBatchDelay time.Duration
	workers       int
	handler       BatchHandler
	logger        *slog.Logger
}

// Config describes the batcher's windowing and concurrency knobs.
type Config struct {
	QueueCapacity int
	MaxBatchSize  int
	MaxBatchDelay time.Duration
	Workers       int
}

// NewBatcher creates a Batcher that dispatches completed windows to handler.
// Call Run to start the ingestion loop and worker pool; it blocks until ctx
// is cancelled.
func NewBatcher(cfg Config, handler BatchHandler, logger *slog.Logger) *Batcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.MaxBatchDelay <= 0 {
		cfg.MaxBatchDelay = 200 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Batcher{
		queue:         make(chan Report, cfg.QueueCapacity),
		batches:       make(chan window, cfg.Workers),
		maxBatchSize:  cfg.MaxBatchSize,
		maxBatchDelay: cfg.MaxBatchDelay,
		workers:       cfg.Workers,
		handler:       handler,
		logger:        logger,
	}
}

// Submit enqueues a single heartbeat report after validating its wire-format
// bounds. Returns Overloaded without blocking if the bounded queue
// is full — backpressure the transport adapter must translate into explicit
// producer-side rejection, never a silent drop.
func (b *Batcher) Submit(r Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	select {
	case b.queue <- r:
		telemetry.HeartbeatsReceivedTotal.Inc()
		return nil
	default:
		telemetry.HeartbeatsOverloadedTotal.Inc()
		return apierr.New(apierr.Overloaded, "heartbeat.Submit", "heartbeat.queue_full", "heartbeat queue is full")
	}
}

// Run starts the batching loop and the worker pool, blocking until ctx is
// cancelled. Call it in its own goroutine.
func (b *Batcher) Run(ctx context.Context) {
	for i := 0; i < b.workers; i++ {
		go b.runWorker(ctx)
	}
	b.runBatchLoop(ctx)
}

func (b *Batcher) runBatchLoop(ctx context.Context) {
	timer := time.NewTimer(b.maxBatchDelay)
	defer timer.Stop()

	var pending []Report
	flush := func() {
		if len(pending) == 0 {
			return
		}
		deduped, dropped := dedupeLatest(pending)
		pending = nil
		select {
		case b.batches <- window{reports: deduped, dropped: dropped}:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			close(b.batches)
			return
		case r := <-b.queue:
			pending = append(pending, r)
			if len(pending) >= b.maxBatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(b.maxBatchDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(b.maxBatchDelay)
		}
	}
}

func (b *Batcher) runWorker(ctx context.Context) {
	for w := range b.batches {
		start := time.Now()
		result, err := b.handler.ProcessBatch(ctx, w.reports)
		telemetry.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			b.logger.Error("heartbeat batch processing failed", "error", err, "batch_size", len(w.reports))
			continue
		}
		if w.dropped > 0 {
			telemetry.HeartbeatsDroppedTotal.Add(float64(w.dropped))
			b.logger.Debug("heartbeat batch dropped duplicate instance reports", "dropped", w.dropped)
		}
		if len(result.UnknownService) > 0 {
			b.logger.Warn("heartbeat batch referenced unknown services", "services", result.UnknownService)
		}
	}
}

// dedupeLatest applies the within-batch rule: if the same
// instanceId appears multiple times, only the latest (by ReceivedAt) is
// kept; the rest are dropped but counted.
func dedupeLatest(reports []Report) ([]Report, int) {
	latest := make(map[string]Report, len(reports))
	order := make([]string, 0, len(reports))
	dropped := 0
	for _, r := range reports {
		existing, ok := latest[r.InstanceID]
		if !ok {
			order = append(order, r.InstanceID)
		} else {
			dropped++
		}
		if !ok || r.ReceivedAt.After(existing.ReceivedAt) {
			latest[r.InstanceID] = r
		}
	}
	out := make([]Report, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, dropped
}

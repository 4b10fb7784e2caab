package batching

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xkanth/batchgate/internal/apperr"
	"github.com/0xkanth/batchgate/internal/audit"
)

// Batcher wires BatchQueue, the collector fleet, and the WorkerPool
// together, and is the single entry point an IngressAdapter submits
// single items against (spec §4.4).
type Batcher struct {
	queue  *BatchQueue
	pool   *WorkerPool
	cfg    BatcherConfig
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Batcher but does not start the collector fleet; call
// Start to begin draining the queue. publisher receives one
// BatchCompletedRecord per dispatched batch; pass audit.NewNoop() when
// audit publishing is disabled.
func New(cfg BatcherConfig, executor BatchExecutor, publisher *audit.Publisher, logger zerolog.Logger) *Batcher {
	return &Batcher{
		queue:  NewBatchQueue(cfg.QueueCapacity),
		pool:   NewWorkerPool(cfg.NumWorkers, executor, publisher, logger.With().Str("component", "worker_pool").Logger()),
		cfg:    cfg,
		logger: logger.With().Str("component", "batcher").Logger(),
	}
}

// Start launches cfg.NumCollectors collector goroutines. Call Stop to
// drain and shut them down.
func (b *Batcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	for i := 0; i < b.cfg.NumCollectors; i++ {
		c := &collector{
			id:     i,
			queue:  b.queue,
			pool:   b.pool,
			cfg:    b.cfg,
			logger: b.logger.With().Int("collector_id", i).Logger(),
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.run(ctx)
		}()
	}
	b.logger.Info().Int("collectors", b.cfg.NumCollectors).Int("workers", b.cfg.NumWorkers).Msg("batcher started")
}

// Stop cancels the collector fleet, waits for it to exit, and closes the
// worker pool intake so every slot goroutine returns.
func (b *Batcher) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.pool.Close()
	b.logger.Info().Msg("batcher stopped")
}

// QueueDepth reports the current number of items waiting in the queue
// (for health reporting).
func (b *Batcher) QueueDepth() int { return b.queue.Len() }

// Submit is the IngressAdapter entry point of spec §4.4: it publishes
// input onto the queue and awaits the resulting completion, subject to
// ctx cancellation and deadline. On queue saturation it returns a
// KindOverloaded apperr.Error without awaiting the item's completion.
func (b *Batcher) Submit(ctx context.Context, id string, input []float32, deadline time.Time) (Result, error) {
	item := NewPendingItem(ctx, id, input, deadline)

	if err := b.queue.Offer(ctx, item, deadline); err != nil {
		return Result{}, apperr.New(apperr.KindOverloaded, "batch queue is full", err)
	}

	var timerC <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case res := <-item.Completion.ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, apperr.New(apperr.KindDeadlineExceeded, "request cancelled", ctx.Err())
	case <-timerC:
		return Result{}, apperr.New(apperr.KindDeadlineExceeded, "request deadline exceeded", context.DeadlineExceeded)
	}
}

package batching

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xkanth/batchgate/internal/metrics"
)

// collector is one of numCollectors cooperative tasks draining queue into
// size/time-bounded batches and dispatching them to pool (spec §4.2).
type collector struct {
	id     int
	queue  *BatchQueue
	pool   *WorkerPool
	cfg    BatcherConfig
	logger zerolog.Logger
}

// run loops until ctx is cancelled. Each iteration opens a batch on the
// first available (non-cancelled) item, grows it under the size/time
// thresholds, then hands it to the WorkerPool and immediately starts the
// next batch — this collector never blocks on inference itself.
func (c *collector) run(ctx context.Context) {
	for {
		first, ok := c.awaitFirstItem(ctx)
		if !ok {
			return
		}

		batchOpen := time.Now()
		buffer := make([]*PendingItem, 0, c.cfg.MaxBatchSize)
		buffer = append(buffer, first)

		for len(buffer) < c.cfg.MaxBatchSize {
			remaining := c.cfg.BatchTimeout - time.Since(batchOpen)
			if remaining <= 0 {
				break
			}

			item, ok := c.takeWithTimeout(ctx, remaining)
			if !ok {
				break // timeout, or shutdown mid-growth: close the batch with what we have
			}
			if item.Cancelled() {
				// Taken but abandoned before reaching a batch: recorded as
				// terminated by simply not appending it; the ingress task
				// observes the cancellation on its own await.
				continue
			}
			buffer = append(buffer, item)
		}

		batch := &PendingBatch{Items: buffer, FormedAt: time.Now()}
		metrics.BatchSize.Observe(float64(len(buffer)))
		metrics.BatchWait.Observe(batch.FormedAt.Sub(batchOpen).Seconds())

		c.logger.Debug().
			Int("batch_size", len(buffer)).
			Dur("wait", batch.FormedAt.Sub(batchOpen)).
			Msg("dispatching batch")

		// May block briefly under WorkerPool backpressure (§4.3); this
		// collector resumes step 1 the instant a slot frees up, while the
		// batch itself runs independently on its assigned slot.
		c.pool.Submit(batch)
	}
}

// awaitFirstItem blocks without a deadline (spec §4.2 step 1) until it
// draws a live item to open a batch with, discarding any items that were
// already cancelled before being taken.
func (c *collector) awaitFirstItem(ctx context.Context) (*PendingItem, bool) {
	for {
		item, ok := c.queue.Take(ctx)
		if !ok {
			return nil, false
		}
		if item.Cancelled() {
			continue
		}
		return item, true
	}
}

func (c *collector) takeWithTimeout(ctx context.Context, remaining time.Duration) (*PendingItem, bool) {
	timeoutCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	return c.queue.Take(timeoutCtx)
}

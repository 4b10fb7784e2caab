package batching

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/0xkanth/batchgate/internal/apperr"
	"github.com/0xkanth/batchgate/internal/audit"
	"github.com/0xkanth/batchgate/internal/metrics"
)

// WorkerPool owns numWorkers executor slots (spec §4.3). Each slot runs
// one batch at a time, but every slot calls Run on the same shared
// BatchExecutor, so up to numWorkers Run calls may be in progress at once.
type WorkerPool struct {
	intake    chan *PendingBatch
	executor  BatchExecutor
	publisher *audit.Publisher
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewWorkerPool starts numWorkers goroutines, each running on its own
// OS-scheduled goroutine so a blocking BatchExecutor.Run call never stalls
// the cooperative ingress/collector path (spec §5). The intake channel's
// capacity of numWorkers is the "short, deliberate backpressure" of §4.3:
// Submit blocks the calling collector only when every slot is already busy.
// publisher records a BatchCompletedRecord for every batch a slot finishes,
// win or lose (spec §4.3); pass audit.NewNoop() to disable it.
func NewWorkerPool(numWorkers int, executor BatchExecutor, publisher *audit.Publisher, logger zerolog.Logger) *WorkerPool {
	p := &WorkerPool{
		intake:    make(chan *PendingBatch, numWorkers),
		executor:  executor,
		publisher: publisher,
		logger:    logger,
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.runSlot(i)
	}
	return p
}

// Submit places batch on the intake channel, blocking briefly if every
// slot is occupied and the intake buffer of numWorkers batches is already
// full. This is the only blocking point exposed to a
// collector and is bounded by however long the longest-running batch
// among the slots takes to finish.
func (p *WorkerPool) Submit(batch *PendingBatch) {
	p.intake <- batch
}

// Close stops accepting new batches and waits for every slot to drain.
func (p *WorkerPool) Close() {
	close(p.intake)
	p.wg.Wait()
}

func (p *WorkerPool) runSlot(id int) {
	defer p.wg.Done()
	for batch := range p.intake {
		p.execute(id, batch)
	}
}

func (p *WorkerPool) execute(slot int, batch *PendingBatch) {
	metrics.InflightBatches.Inc()
	defer metrics.InflightBatches.Dec()

	inputs := make([][]float32, len(batch.Items))
	for i, item := range batch.Items {
		inputs[i] = item.Input
	}

	start := time.Now()
	outputs, err := p.executor.Run(context.Background(), inputs)
	elapsed := time.Since(start)

	metrics.InferenceDuration.Observe(elapsed.Seconds())
	metrics.BatchesProcessed.Inc()

	if err != nil || len(outputs) != len(inputs) {
		corrID := uuid.NewString()
		p.logger.Error().
			Err(err).
			Str("correlation_id", corrID).
			Int("slot", slot).
			Int("batch_size", len(inputs)).
			Int("outputs", len(outputs)).
			Msg("batch execution failed, failing every item in the batch")

		failure := apperr.New(apperr.KindInferenceFailed, "batch executor failed ("+corrID+")", err)
		for _, item := range batch.Items {
			item.Completion.Resolve(Result{Err: failure})
		}
		p.publisher.PublishBatchCompleted(context.Background(), audit.BatchCompletedRecord{
			BatchSize:   len(batch.Items),
			WaitSeconds: start.Sub(batch.FormedAt).Seconds(),
			Succeeded:   false,
			At:          time.Now(),
		})
		return
	}

	// Ordering guarantee: output[i] corresponds to input[i] (spec §4.3).
	for i, item := range batch.Items {
		item.Completion.Resolve(Result{Output: outputs[i]})
	}
	p.publisher.PublishBatchCompleted(context.Background(), audit.BatchCompletedRecord{
		BatchSize:   len(batch.Items),
		WaitSeconds: start.Sub(batch.FormedAt).Seconds(),
		Succeeded:   true,
		At:          time.Now(),
	})
}

// Package batching implements the dynamic batching engine of spec §4:
// BatchQueue, BatchCollector, WorkerPool, and the Batcher that wires them
// together for an IngressAdapter to submit single items against.
package batching

import (
	"context"
	"sync"
	"time"
)

// BatchExecutor is the opaque, blocking, shape-preserving backend pinned
// by spec §6: it turns N input vectors into N output vectors, in order.
// The WorkerPool hands one shared executor to all of its slots and does
// not serialize access to it, so implementations must be safe for
// concurrent invocation from up to NumWorkers goroutines.
type BatchExecutor interface {
	Run(ctx context.Context, inputs [][]float32) ([][]float32, error)
}

// Result is what a PendingItem's Completion is resolved with: either an
// Output vector or an Err classified via internal/apperr.
type Result struct {
	Output []float32
	Err    error
}

// Completion is the single-shot handle of spec §9: resolved at most once
// by a producer (a WorkerPool slot), awaited by exactly one consumer (the
// ingress task that created the PendingItem). A completion whose item the
// collector drops as cancelled, or whose item never entered the queue, is
// never resolved; its ingress task returns on its own cancellation,
// deadline or queue-full error instead.
type Completion struct {
	ch   chan Result
	once sync.Once
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan Result, 1)}
}

// Resolve fulfils the completion. Safe to call more than once; only the
// first call has any effect, so a completion is never resolved twice.
func (c *Completion) Resolve(res Result) {
	c.once.Do(func() {
		c.ch <- res
	})
}

// PendingItem represents one in-flight prediction request inside the
// batching engine (spec §3). cancel_signal is expressed as a function of
// the caller's context and absolute deadline rather than a stored flag,
// since both are already immutable for the item's lifetime.
type PendingItem struct {
	ID          string
	Input       []float32
	EnqueueTime time.Time
	Completion  *Completion

	ctx      context.Context
	deadline time.Time
}

// NewPendingItem constructs a PendingItem bound to ctx/deadline for
// cancellation observation and an input payload already validated by the
// caller.
func NewPendingItem(ctx context.Context, id string, input []float32, deadline time.Time) *PendingItem {
	return &PendingItem{
		ID:          id,
		Input:       input,
		EnqueueTime: time.Now(),
		Completion:  newCompletion(),
		ctx:         ctx,
		deadline:    deadline,
	}
}

// Cancelled reports whether the caller has abandoned this item: its
// context is done, or its absolute deadline has already passed. Per spec
// §4.2/§5, a collector observing this before taking the item into a batch
// discards it rather than placing it in the batch; the ingress task
// observes the same cancellation independently via its own wait.
func (it *PendingItem) Cancelled() bool {
	if it.ctx.Err() != nil {
		return true
	}
	return !it.deadline.IsZero() && time.Now().After(it.deadline)
}

// PendingBatch is a contiguous group of PendingItems assembled by a single
// collector (spec §3). Items retains dequeue order.
type PendingBatch struct {
	Items    []*PendingItem
	FormedAt time.Time
}

// BatcherConfig is the immutable-after-startup tuning surface of spec §3.
type BatcherConfig struct {
	MaxBatchSize  int
	BatchTimeout  time.Duration
	NumCollectors int
	QueueCapacity int
	NumWorkers    int
}

package batching

import (
	"context"
	"errors"
	"time"

	"github.com/0xkanth/batchgate/internal/metrics"
)

// ErrQueueFull is returned by Offer when the queue stayed at capacity
// through the given deadline.
var ErrQueueFull = errors.New("batch queue is full")

// BatchQueue is the bounded multi-producer, multi-consumer hand-off
// channel of spec §4.1. A buffered Go channel already provides the FIFO,
// fairness-among-blocked-consumers, and no-reordering-across-producers
// guarantees the spec asks for, so it is the queue itself rather than a
// wrapper around a slice + mutex.
type BatchQueue struct {
	ch chan *PendingItem
}

// NewBatchQueue creates a queue with the given capacity.
func NewBatchQueue(capacity int) *BatchQueue {
	return &BatchQueue{ch: make(chan *PendingItem, capacity)}
}

// Offer publishes item, blocking until there is room or deadline passes.
// Returns ErrQueueFull if the deadline is reached first.
func (q *BatchQueue) Offer(ctx context.Context, item *PendingItem, deadline time.Time) error {
	select {
	case q.ch <- item:
		metrics.QueueSize.Set(float64(len(q.ch)))
		return nil
	default:
	}

	var timerC <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case q.ch <- item:
		metrics.QueueSize.Set(float64(len(q.ch)))
		return nil
	case <-timerC:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take blocks until an item is available or ctx is done, returning
// (nil, false) in the latter case. Passing a context with no deadline
// implements the unbounded wait of §4.2 step 1; passing one derived with
// context.WithTimeout implements the bounded wait of step 2.
func (q *BatchQueue) Take(ctx context.Context) (*PendingItem, bool) {
	select {
	case item := <-q.ch:
		metrics.QueueSize.Set(float64(len(q.ch)))
		return item, true
	case <-ctx.Done():
		return nil, false
	}
}

// Len reports the current number of items buffered in the queue.
func (q *BatchQueue) Len() int {
	return len(q.ch)
}

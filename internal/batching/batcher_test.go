package batching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/batchgate/internal/apperr"
	"github.com/0xkanth/batchgate/internal/audit"
)

// echoExecutor returns one float (the input's length) per item, recording
// every batch size it was invoked with.
type echoExecutor struct {
	mu         sync.Mutex
	batchSizes []int
	delay      time.Duration
	failNext   bool
}

func (e *echoExecutor) Run(ctx context.Context, inputs [][]float32) ([][]float32, error) {
	e.mu.Lock()
	e.batchSizes = append(e.batchSizes, len(inputs))
	fail := e.failNext
	e.failNext = false
	e.mu.Unlock()

	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if fail {
		return nil, errors.New("boom")
	}

	outputs := make([][]float32, len(inputs))
	for i, in := range inputs {
		outputs[i] = []float32{float32(len(in))}
	}
	return outputs, nil
}

func (e *echoExecutor) sizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.batchSizes...)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestBatcher_SingleItemUnderNoLoad(t *testing.T) {
	exec := &echoExecutor{}
	cfg := BatcherConfig{MaxBatchSize: 4, BatchTimeout: 20 * time.Millisecond, NumCollectors: 1, NumWorkers: 1, QueueCapacity: 8}
	b := New(cfg, exec, audit.NewNoop(), testLogger())
	b.Start(context.Background())
	defer b.Stop()

	ctx := context.Background()
	start := time.Now()
	res, err := b.Submit(ctx, "a", []float32{1, 2, 3}, time.Now().Add(time.Second))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, []float32{3}, res.Output)
	assert.Less(t, elapsed, 200*time.Millisecond)
	assert.LessOrEqual(t, elapsed, cfg.BatchTimeout+100*time.Millisecond)
}

func TestBatcher_FillsToMaxBatchSizeUnderBurst(t *testing.T) {
	exec := &echoExecutor{}
	cfg := BatcherConfig{MaxBatchSize: 4, BatchTimeout: 50 * time.Millisecond, NumCollectors: 1, NumWorkers: 2, QueueCapacity: 16}
	b := New(cfg, exec, audit.NewNoop(), testLogger())
	b.Start(context.Background())
	defer b.Stop()

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]Result, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.Submit(ctx, string(rune('a'+i)), []float32{float32(i)}, time.Now().Add(time.Second))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "item %d", i)
	}

	sizes := exec.sizes()
	require.Len(t, sizes, 2, "five items with max_batch_size=4 should form two batches")
	total := sizes[0] + sizes[1]
	assert.Equal(t, 5, total)
	assert.Contains(t, sizes, 4)
}

func TestBatcher_QueueFullReturnsOverloaded(t *testing.T) {
	// With a single worker and a single-slot intake, the third concurrent
	// batch dispatch blocks the lone collector inside WorkerPool.Submit,
	// which stops it from draining the queue at all; with queue capacity
	// 1, a fourth item then fills the queue and a fifth must be rejected.
	exec := &echoExecutor{delay: 300 * time.Millisecond}
	cfg := BatcherConfig{MaxBatchSize: 1, BatchTimeout: time.Millisecond, NumCollectors: 1, NumWorkers: 1, QueueCapacity: 1}
	b := New(cfg, exec, audit.NewNoop(), testLogger())
	b.Start(context.Background())
	defer b.Stop()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		go func(id string) { _, _ = b.Submit(ctx, id, []float32{1}, time.Now().Add(2*time.Second)) }(id)
		time.Sleep(15 * time.Millisecond)
	}

	_, err := b.Submit(ctx, "e", []float32{1}, time.Now().Add(20*time.Millisecond))
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindOverloaded, appErr.Kind)
}

func TestBatcher_InferenceFailureFailsEveryItemInBatch(t *testing.T) {
	exec := &echoExecutor{failNext: true}
	cfg := BatcherConfig{MaxBatchSize: 2, BatchTimeout: 50 * time.Millisecond, NumCollectors: 1, NumWorkers: 1, QueueCapacity: 8}
	b := New(cfg, exec, audit.NewNoop(), testLogger())
	b.Start(context.Background())
	defer b.Stop()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Submit(ctx, string(rune('a'+i)), []float32{1}, time.Now().Add(time.Second))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		appErr, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.KindInferenceFailed, appErr.Kind)
	}
}

func TestBatcher_CancelledItemBeforeBatchDoesNotBlockOthers(t *testing.T) {
	exec := &echoExecutor{}
	cfg := BatcherConfig{MaxBatchSize: 4, BatchTimeout: 30 * time.Millisecond, NumCollectors: 1, NumWorkers: 1, QueueCapacity: 8}
	b := New(cfg, exec, audit.NewNoop(), testLogger())
	b.Start(context.Background())
	defer b.Stop()

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled before it is ever taken

	go func() { _, _ = b.Submit(cancelledCtx, "dead", []float32{1}, time.Now().Add(time.Second)) }()

	res, err := b.Submit(context.Background(), "live", []float32{9}, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, res.Output)
}

// Package executor provides the BatchExecutor contract batching.WorkerPool
// drives, plus a deterministic reference implementation standing in for
// the concrete numerical model (explicitly out of scope per the system's
// design — the model itself is swappable behind this interface).
package executor

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Func adapts a plain function to the BatchExecutor interface consumed
// by internal/batching.
type Func func(ctx context.Context, inputs [][]float32) ([][]float32, error)

// Run invokes f.
func (f Func) Run(ctx context.Context, inputs [][]float32) ([][]float32, error) {
	return f(ctx, inputs)
}

// dimension is the fixed output vector width the reference executor
// produces, chosen to resemble a small embedding model's output shape.
const dimension = 8

// NewDeterministicHash returns a BatchExecutor that maps each input
// vector to a fixed-length float vector derived from a seeded hash of
// its bytes. It is blocking and CPU-bound, and it holds no state between
// calls, so the WorkerPool's slots may invoke the same instance
// concurrently.
func NewDeterministicHash() Func {
	return func(_ context.Context, inputs [][]float32) ([][]float32, error) {
		outputs := make([][]float32, len(inputs))
		for i, in := range inputs {
			outputs[i] = hashVector(in)
		}
		return outputs, nil
	}
}

func hashVector(in []float32) []float32 {
	buf := make([]byte, len(in)*4)
	for i, v := range in {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	out := make([]float32, dimension)
	seed := xxhash.Sum64(buf)
	for i := range out {
		seed = xxhash.Sum64(binary.LittleEndian.AppendUint64(nil, seed+uint64(i)))
		// Map the 64-bit digest into [-1, 1), matching the value range a
		// normalized embedding model would emit.
		out[i] = float32(int64(seed>>11))/float32(1<<53)*2 - 1
	}
	return out
}

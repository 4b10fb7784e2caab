package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicHash_SameInputSameOutput(t *testing.T) {
	exec := NewDeterministicHash()

	in := [][]float32{{1, 2, 3}}
	out1, err := exec.Run(t.Context(), in)
	require.NoError(t, err)
	out2, err := exec.Run(t.Context(), in)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
}

func TestDeterministicHash_DifferentInputDifferentOutput(t *testing.T) {
	exec := NewDeterministicHash()

	out1, err := exec.Run(t.Context(), [][]float32{{1, 2, 3}})
	require.NoError(t, err)
	out2, err := exec.Run(t.Context(), [][]float32{{4, 5, 6}})
	require.NoError(t, err)

	assert.NotEqual(t, out1, out2)
}

func TestDeterministicHash_OutputLengthMatchesInputLength(t *testing.T) {
	exec := NewDeterministicHash()

	out, err := exec.Run(t.Context(), [][]float32{{1}, {2}, {3}})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, vec := range out {
		assert.Len(t, vec, dimension)
	}
}

func TestDeterministicHash_ValuesStayInUnitRange(t *testing.T) {
	exec := NewDeterministicHash()

	out, err := exec.Run(t.Context(), [][]float32{{42, -7, 0.5}})
	require.NoError(t, err)
	for _, v := range out[0] {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.Less(t, v, float32(1))
	}
}

package cepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingOverwritesOldest(t *testing.T) {
	var r ring[int]
	r.buf = make([]int, 3)

	for v := 1; v <= 5; v++ {
		r.Push(v)
	}

	// Capacity bounds the length; the oldest two values were dropped.
	assert.Equal(t, 3, r.Cap())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.At(0))
	assert.Equal(t, 4, r.At(1))
	assert.Equal(t, 5, r.At(2))
}

func TestRingPartialFill(t *testing.T) {
	var r ring[string]
	r.buf = make([]string, 4)

	r.Push("a")
	r.Push("b")

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "a", r.At(0))
	assert.Equal(t, "b", r.At(1))
}

func TestSampleHistoryMatrices(t *testing.T) {
	h := newSampleHistory(3)

	h.push([]float64{1, 2}, []float64{0}, []float64{1, 0}, 10)
	h.push([]float64{3, 4}, []float64{1}, []float64{1, 1}, 20)

	features, params, rewards := h.matrices()

	fr, fc := features.Dims()
	require.Equal(t, 2, fr)
	require.Equal(t, 2, fc)

	pr, pc := params.Dims()
	require.Equal(t, 2, pr)
	require.Equal(t, 2, pc)

	// Rows come back oldest first.
	assert.Equal(t, []float64{10, 20}, rewards)
	assert.Equal(t, 1.0, params.At(0, 0))
	assert.Equal(t, 4.0, params.At(1, 1))
	assert.Equal(t, 0.0, features.At(0, 1))
	assert.Equal(t, 1.0, features.At(1, 1))
}

func TestSampleHistoryCopiesInputs(t *testing.T) {
	h := newSampleHistory(2)

	params := []float64{1, 2}
	context := []float64{7}
	features := []float64{1, 5}

	h.push(params, context, features, 1)

	// Mutating the caller's slices must not reach into the history.
	params[0] = 99
	context[0] = 99
	features[1] = 99

	_, storedParams, _ := h.matrices()
	storedFeatures, _, _ := h.matrices()

	assert.Equal(t, 1.0, storedParams.At(0, 0))
	assert.Equal(t, 5.0, storedFeatures.At(0, 1))
	assert.Equal(t, []float64{7}, h.At(0).context)
}

func TestSampleHistoryRollsOver(t *testing.T) {
	h := newSampleHistory(2)

	h.push([]float64{1}, nil, []float64{1}, 1)
	h.push([]float64{2}, nil, []float64{1}, 2)
	h.push([]float64{3}, nil, []float64{1}, 3)

	_, _, rewards := h.matrices()

	assert.Equal(t, []float64{2, 3}, rewards)
}

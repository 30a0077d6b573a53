package cepo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLogSumExp(t *testing.T) {
	// Two equal terms collapse to a shift by ln(2).
	assert.InDelta(t, math.Log(2), logSumExp([]float64{0, 0}), 1e-12)

	// The max-shift keeps huge magnitudes from overflowing.
	v := logSumExp([]float64{1000, 1000})
	assert.False(t, math.IsInf(v, 0))
	assert.InDelta(t, 1000+math.Log(2), v, 1e-9)

	// A dominant term wins almost entirely.
	assert.InDelta(t, 50, logSumExp([]float64{50, -50}), 1e-12)

	// Empty input has no terms to sum.
	assert.True(t, math.IsInf(logSumExp(nil), -1))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, clamp(7, 0, 5))
	assert.Equal(t, 0, clamp(-3, 0, 5))
	assert.Equal(t, 3, clamp(3, 0, 5))
	assert.Equal(t, 1.5, clamp(1.5, 1.0, 2.0))
}

func TestAllFinite(t *testing.T) {
	assert.True(t, allFinite([]float64{0, -1, 2.5}))
	assert.True(t, allFinite(nil))
	assert.False(t, allFinite([]float64{0, math.NaN()}))
	assert.False(t, allFinite([]float64{math.Inf(1), 0}))
	assert.False(t, allFinite([]float64{math.Inf(-1)}))
}

func TestColumnMeans(t *testing.T) {
	m := mat.NewDense(3, 2, []float64{
		1, 10,
		2, 20,
		3, 30,
	})

	means := columnMeans(m)

	require.Len(t, means, 2)
	assert.InDelta(t, 2, means[0], 1e-12)
	assert.InDelta(t, 20, means[1], 1e-12)
}

func TestSymEigenvaluesAscending(t *testing.T) {
	a := mat.NewSymDense(2, []float64{
		4, 0,
		0, 9,
	})

	vals, ok := symEigenvalues(a)

	require.True(t, ok)
	require.Len(t, vals, 2)
	assert.InDelta(t, 4, vals[0], 1e-12)
	assert.InDelta(t, 9, vals[1], 1e-12)
}

func TestInvSqrtSymDiagonal(t *testing.T) {
	a := mat.NewSymDense(2, []float64{
		4, 0,
		0, 9,
	})

	inv, err := invSqrtSym(a, 0)

	require.NoError(t, err)
	assert.InDelta(t, 0.5, inv.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0/3.0, inv.At(1, 1), 1e-12)
	assert.InDelta(t, 0, inv.At(0, 1), 1e-12)
}

func TestInvSqrtSymFloorsTinyEigenvalues(t *testing.T) {
	// Rank-deficient matrix: one eigenvalue is exactly zero.
	a := mat.NewSymDense(2, []float64{
		1, 1,
		1, 1,
	})

	inv, err := invSqrtSym(a, covarianceEigenFloor)

	require.NoError(t, err)

	// The floor keeps every entry finite.
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			assert.False(t, math.IsNaN(inv.At(i, j)))
			assert.False(t, math.IsInf(inv.At(i, j), 0))
		}
	}
}

func TestInvSqrtSymInvertsToIdentity(t *testing.T) {
	a := mat.NewSymDense(2, []float64{
		2.0, 0.3,
		0.3, 1.5,
	})

	inv, err := invSqrtSym(a, 0)
	require.NoError(t, err)

	// inv * a * inv must be the identity.
	var tmp, prod mat.Dense
	tmp.Mul(inv, a)
	prod.Mul(&tmp, inv)

	assert.InDelta(t, 1, prod.At(0, 0), 1e-9)
	assert.InDelta(t, 1, prod.At(1, 1), 1e-9)
	assert.InDelta(t, 0, prod.At(0, 1), 1e-9)
	assert.InDelta(t, 0, prod.At(1, 0), 1e-9)
}

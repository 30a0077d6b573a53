package cepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantTransform(t *testing.T) {
	assert.Equal(t, 1, Constant.NumFeatures(3))

	dst := make([]float64, 1)
	Constant.Transform(dst, []float64{7, 8, 9})

	assert.Equal(t, []float64{1}, dst)
}

func TestLinearTransform(t *testing.T) {
	// Linear carries no bias feature.
	assert.Equal(t, 2, Linear.NumFeatures(2))

	dst := make([]float64, 2)
	Linear.Transform(dst, []float64{3, -4})

	assert.Equal(t, []float64{3, -4}, dst)
}

func TestAffineTransform(t *testing.T) {
	assert.Equal(t, 3, Affine.NumFeatures(2))

	dst := make([]float64, 3)
	Affine.Transform(dst, []float64{3, -4})

	assert.Equal(t, []float64{1, 3, -4}, dst)
}

func TestQuadraticTransform(t *testing.T) {
	// Bias, two linear terms and three distinct second order monomials.
	require.Equal(t, 6, Quadratic.NumFeatures(2))

	dst := make([]float64, 6)
	Quadratic.Transform(dst, []float64{2, 3})

	assert.Equal(t, []float64{1, 2, 3, 4, 6, 9}, dst)
}

func TestCubicTransform(t *testing.T) {
	// One dimension: bias, s, s^2, s^3.
	require.Equal(t, 4, Cubic.NumFeatures(1))

	dst := make([]float64, 4)
	Cubic.Transform(dst, []float64{2})

	assert.Equal(t, []float64{1, 2, 4, 8}, dst)

	// Two dimensions add four distinct third order monomials.
	assert.Equal(t, 10, Cubic.NumFeatures(2))

	dst = make([]float64, 10)
	Cubic.Transform(dst, []float64{2, 3})

	assert.Equal(t, []float64{1, 2, 3, 4, 6, 9, 8, 12, 18, 27}, dst)
}

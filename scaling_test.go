package cepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScalingValidation(t *testing.T) {
	_, err := NewScaling(0, 1, nil)
	assert.Error(t, err)

	_, err = NewScaling(2, 0, nil)
	assert.Error(t, err)

	var dimErr *DimensionError

	_, err = NewScaling(2, 1, []float64{1})
	assert.ErrorAs(t, err, &dimErr)

	_, err = NewScaling(2, 1, []float64{1, -3})
	assert.Error(t, err)
}

func TestScalingRoundTrip(t *testing.T) {
	// Factors are the standard deviations: sqrt(4 * 1) and
	// sqrt(4 * 2.25).
	scaling, err := NewScaling(2, 4, []float64{1, 2.25})
	require.NoError(t, err)

	assert.Equal(t, 2, scaling.NumParams())

	physical := scaling.Scale(nil, []float64{1, 1})
	assert.Equal(t, []float64{2, 3}, physical)

	normalized := scaling.InvScale(nil, physical)
	assert.InDeltaSlice(t, []float64{1, 1}, normalized, 1e-15)

	// A nil diagonal selects a uniform factor.
	uniform, err := NewScaling(3, 9, nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{3, 3, 3}, uniform.Scale(nil, []float64{1, 1, 1}))
}

func TestScalingScalesInPlace(t *testing.T) {
	scaling, err := NewScaling(2, 4, nil)
	require.NoError(t, err)

	buf := []float64{1, -2}
	out := scaling.Scale(buf, buf)

	assert.Equal(t, []float64{2, -4}, buf)
	assert.Same(t, &buf[0], &out[0])
}

func TestNewBoundedScalingPolicyValidation(t *testing.T) {
	policy, err := NewContextTransformationPolicy(nil, 2, 1, nil, nil, 1e-4, 1)
	require.NoError(t, err)

	var dimErr *DimensionError

	_, err = NewBoundedScalingPolicy(policy, nil, []float64{0}, []float64{1, 1})
	assert.ErrorAs(t, err, &dimErr)

	_, err = NewBoundedScalingPolicy(policy, nil, []float64{0, 0}, []float64{1})
	assert.ErrorAs(t, err, &dimErr)

	// An inverted bound has no feasible point.
	_, err = NewBoundedScalingPolicy(policy, nil, []float64{2, 0}, []float64{1, 1})
	assert.Error(t, err)

	mismatched, err := NewScaling(3, 1, nil)
	require.NoError(t, err)

	_, err = NewBoundedScalingPolicy(policy, mismatched, []float64{0, 0}, []float64{1, 1})
	assert.ErrorAs(t, err, &dimErr)
}

func TestBoundedScalingPolicyClipsMean(t *testing.T) {
	inner, err := NewContextTransformationPolicy(nil, 2, 1, []float64{5, -5}, nil, 1e-4, 1)
	require.NoError(t, err)

	scaling, err := NewScaling(2, 4, nil)
	require.NoError(t, err)

	bounded, err := NewBoundedScalingPolicy(inner, scaling, []float64{-8, -8}, []float64{8, 8})
	require.NoError(t, err)

	assert.Same(t, inner, bounded.Policy())

	// The normalized mean (5, -5) scales to (10, -10) and is clipped
	// to the actuator range.
	mean, err := bounded.Mean(make([]float64, 2), []float64{0.3})
	require.NoError(t, err)

	assert.Equal(t, []float64{8, -8}, mean)
}

func TestBoundedScalingPolicyPassesInteriorSamplesThrough(t *testing.T) {
	inner, err := NewContextTransformationPolicy(nil, 2, 1, []float64{1, -1}, nil, 1e-4, 1)
	require.NoError(t, err)

	scaling, err := NewScaling(2, 4, nil)
	require.NoError(t, err)

	bounded, err := NewBoundedScalingPolicy(inner, scaling, []float64{-8, -8}, []float64{8, 8})
	require.NoError(t, err)

	mean, err := bounded.Mean(make([]float64, 2), []float64{0.3})
	require.NoError(t, err)

	assert.Equal(t, []float64{2, -2}, mean)
}

func TestBoundedScalingPolicyMapsObservationsBack(t *testing.T) {
	inner, err := NewContextTransformationPolicy(nil, 2, 1, nil, nil, 1e-4, 1)
	require.NoError(t, err)

	scaling, err := NewScaling(2, 4, nil)
	require.NoError(t, err)

	bounded, err := NewBoundedScalingPolicy(inner, scaling, []float64{-8, -8}, []float64{8, 8})
	require.NoError(t, err)

	normalized := bounded.InvScale(nil, []float64{8, -8})
	assert.Equal(t, []float64{4, -4}, normalized)
}

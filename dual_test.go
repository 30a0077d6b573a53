package cepo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// constantFeatures builds the feature matrix of a context-free batch.
func constantFeatures(n int) *mat.Dense {
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}

	return mat.NewDense(n, 1, ones)
}

func TestDualWeightsFormSimplex(t *testing.T) {
	features := mat.NewDense(4, 2, []float64{
		1, 0,
		1, 1,
		1, 0,
		1, 1,
	})
	rewards := []float64{1.0, 2.0, 1.5, 2.5}

	weights, eta, nu, err := solveDualContextualREPS(features, rewards, 2.0, 1e-8)

	require.NoError(t, err)
	require.Len(t, weights, 4)
	require.Len(t, nu, 2)

	var sum float64
	for _, w := range weights {
		assert.GreaterOrEqual(t, w, 0.0)
		sum += w
	}

	assert.InDelta(t, 1, sum, 1e-9)
	assert.GreaterOrEqual(t, eta, 1e-8)
}

func TestDualConcentratesOnHighRewards(t *testing.T) {
	rewards := []float64{0, 1, 2, 3}

	weights, _, _, err := solveDualContextualREPS(constantFeatures(4), rewards, 1.0, 1e-8)

	require.NoError(t, err)

	// Exponential reweighting is monotone in the reward.
	assert.Less(t, weights[0], weights[1])
	assert.Less(t, weights[1], weights[2])
	assert.Less(t, weights[2], weights[3])
}

func TestDualRealizedDivergenceNearBound(t *testing.T) {
	rewards := []float64{0, 1, 2, 3}
	epsilon := 0.5

	weights, eta, _, err := solveDualContextualREPS(constantFeatures(4), rewards, epsilon, 1e-8)

	require.NoError(t, err)
	assert.Greater(t, eta, 1e-8)

	// An interior optimum pins the realized divergence to the bound.
	var kl float64
	for _, w := range weights {
		kl += w * math.Log(4*w)
	}

	assert.InDelta(t, epsilon, kl, 0.05)
}

func TestDualLooseBoundYieldsGreedyWeights(t *testing.T) {
	// With epsilon above ln(n) even a one-hot weighting is feasible.
	rewards := []float64{1.0, 2.0, 1.5, 2.5}

	weights, _, _, err := solveDualContextualREPS(constantFeatures(4), rewards, 2.0, 1e-8)

	require.NoError(t, err)
	assert.Greater(t, weights[3], 0.9)
}

func TestDualInfeasibleWithHugeTemperatureFloor(t *testing.T) {
	// A floor far above the optimal temperature keeps the weights
	// nearly uniform while the bound demands concentration.
	rewards := []float64{0, 1, 2, 3}

	weights, _, _, err := solveDualContextualREPS(constantFeatures(4), rewards, 0.5, 1e6)

	require.Error(t, err)
	assert.Nil(t, weights)

	var infeasible *InfeasibleDualError
	require.ErrorAs(t, err, &infeasible)

	assert.Equal(t, 0.5, infeasible.Epsilon)
	assert.Less(t, infeasible.KL, 0.01*math.Log(4))
	assert.GreaterOrEqual(t, infeasible.Eta, 1e6)
}

func TestDualFlatRewardsInfeasible(t *testing.T) {
	// Equal rewards carry no ranking information; the weighting stays
	// uniform and the update is rejected rather than applied blindly.
	rewards := []float64{1, 1, 1, 1}

	_, _, _, err := solveDualContextualREPS(constantFeatures(4), rewards, 0.5, 1e-8)

	var infeasible *InfeasibleDualError
	assert.ErrorAs(t, err, &infeasible)
}

func TestDualRewardDimensionMismatch(t *testing.T) {
	_, _, _, err := solveDualContextualREPS(constantFeatures(4), []float64{1, 2}, 1.0, 1e-8)

	var dimErr *DimensionError
	assert.ErrorAs(t, err, &dimErr)
}

func TestDualContextualBaseline(t *testing.T) {
	// Rewards that are fully explained by the context leave no
	// advantage to concentrate on once the baseline absorbs them.
	features := mat.NewDense(4, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
	})
	rewards := []float64{0, 10, 20, 30}

	_, _, nu, err := solveDualContextualREPS(features, rewards, 0.5, 1e-8)

	if err != nil {
		// The residual-free batch degenerates to uniform weights, which
		// the feasibility rule rejects.
		var infeasible *InfeasibleDualError
		assert.ErrorAs(t, err, &infeasible)

		return
	}

	// If the solve passed, the baseline must have absorbed the slope.
	require.Len(t, nu, 2)
	assert.InDelta(t, 10, nu[1], 1.0)
}

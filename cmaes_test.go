package cepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCMAESLifecycleErrors(t *testing.T) {
	opt := NewCMAESOptimizer(DefaultConfig())

	params := make([]float64, 2)

	assert.ErrorIs(t, opt.GetNextParameters(params, true), ErrNotInitialized)
	assert.ErrorIs(t, opt.SetEvaluationFeedback([]float64{1}), ErrNotInitialized)

	require.NoError(t, opt.Init(2))
	assert.Error(t, opt.Init(2))

	assert.ErrorIs(t, opt.SetEvaluationFeedback([]float64{1}), ErrNoPendingSample)

	var dimErr *DimensionError
	assert.ErrorAs(t, opt.GetNextParameters(make([]float64, 5), true), &dimErr)
}

func TestCMAESGenerationSizeValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NSamplesPerUpdate = 1

	assert.Error(t, NewCMAESOptimizer(cfg).Init(2))
}

func TestCMAESBestParametersStartAtInitialMean(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialParams = []float64{1, 2}

	opt := NewCMAESOptimizer(cfg)
	require.NoError(t, opt.Init(2))

	best := opt.BestParameters()
	assert.Equal(t, []float64{1, 2}, best)

	// The returned slice is a copy.
	best[0] = 99
	assert.Equal(t, []float64{1, 2}, opt.BestParameters())
}

func TestCMAESTracksBestReward(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NSamplesPerUpdate = 4
	cfg.RandomSeed = 31

	opt := NewCMAESOptimizer(cfg)
	require.NoError(t, opt.Init(1))

	params := make([]float64, 1)

	// Score three samples with hand-picked rewards; the middle one
	// wins.
	rewards := []float64{1, 5, 3}
	sampled := make([][]float64, 3)

	for i, r := range rewards {
		require.NoError(t, opt.GetNextParameters(params, true))

		sampled[i] = append([]float64(nil), params...)

		require.NoError(t, opt.SetEvaluationFeedback([]float64{r}))
	}

	assert.Equal(t, sampled[1], opt.BestParameters())
}

func TestCMAESDeterministicWithSeed(t *testing.T) {
	build := func() *CMAESOptimizer {
		cfg := DefaultConfig()
		cfg.NSamplesPerUpdate = 4
		cfg.RandomSeed = 42

		opt := NewCMAESOptimizer(cfg)
		require.NoError(t, opt.Init(2))

		return opt
	}

	first := build()
	second := build()

	a := make([]float64, 2)
	b := make([]float64, 2)

	for i := 0; i < 9; i++ {
		require.NoError(t, first.GetNextParameters(a, true))
		require.NoError(t, second.GetNextParameters(b, true))

		assert.Equal(t, a, b)

		reward := -(a[0]*a[0] + a[1]*a[1])

		require.NoError(t, first.SetEvaluationFeedback([]float64{reward}))
		require.NoError(t, second.SetEvaluationFeedback([]float64{reward}))
	}
}

func TestCMAESSphereImproves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RandomSeed = 13

	opt := NewCMAESOptimizer(cfg)
	require.NoError(t, opt.Init(2))

	// Maximize the negated squared distance to (3, -2).
	objective := func(p []float64) float64 {
		dx := p[0] - 3
		dy := p[1] + 2

		return -(dx*dx + dy*dy)
	}

	initialMean := make([]float64, 2)
	require.NoError(t, opt.GetNextParameters(initialMean, false))

	initialReward := objective(initialMean)

	params := make([]float64, 2)

	for i := 0; i < 240; i++ {
		require.NoError(t, opt.GetNextParameters(params, true))
		require.NoError(t, opt.SetEvaluationFeedback([]float64{objective(params)}))
	}

	trainedMean := make([]float64, 2)
	require.NoError(t, opt.GetNextParameters(trainedMean, false))

	trainedReward := objective(trainedMean)

	// Forty generations on a smooth sphere must at least halve the
	// initial deficit.
	assert.Greater(t, trainedReward, initialReward/2)

	// The best-ever sample can only be at least as good as the
	// untrained mean's neighborhood.
	assert.Greater(t, objective(opt.BestParameters()), initialReward)
}

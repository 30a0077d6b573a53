package cepo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewControllerValidation(t *testing.T) {
	env, err := NewFunctionEnvironment(2, 0, func(p []float64) float64 { return 0 })
	require.NoError(t, err)

	_, err = NewController(ControllerConfig{}, nil, NewCMAESOptimizer(DefaultConfig()))
	assert.Error(t, err)

	_, err = NewController(ControllerConfig{}, env, nil)
	assert.Error(t, err)

	_, err = NewController(ControllerConfig{NEpisodes: -1}, env, NewCMAESOptimizer(DefaultConfig()))
	assert.Error(t, err)
}

func TestNewContextualControllerValidation(t *testing.T) {
	objective := func(p, s []float64) float64 { return 0 }

	env, err := NewContextualFunctionEnvironment(2, 1, 7, objective, nil, nil)
	require.NoError(t, err)

	// Periodic testing without held-out contexts is inconsistent.
	_, err = NewContextualController(
		ControllerConfig{NEpisodesBeforeTest: 5},
		env,
		NewCCMAESOptimizer(DefaultConfig()),
	)
	assert.Error(t, err)

	_, err = NewContextualController(ControllerConfig{}, nil, NewCCMAESOptimizer(DefaultConfig()))
	assert.Error(t, err)

	_, err = NewContextualController(ControllerConfig{}, env, nil)
	assert.Error(t, err)
}

func TestControllerRunsEpisodes(t *testing.T) {
	env, err := NewFunctionEnvironment(2, 0, func(p []float64) float64 {
		return -(p[0]*p[0] + p[1]*p[1])
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.NSamplesPerUpdate = 4
	cfg.RandomSeed = 5

	controller, err := NewController(
		ControllerConfig{NEpisodes: 12, RecordFeedbacks: true},
		env,
		NewCMAESOptimizer(cfg),
	)
	require.NoError(t, err)

	rewards, err := controller.Learn()
	require.NoError(t, err)

	assert.Len(t, rewards, 12)
	assert.Equal(t, rewards, controller.Feedbacks())

	best := math.Inf(-1)
	for _, r := range rewards {
		if r > best {
			best = r
		}
	}

	assert.Equal(t, best, controller.BestReward())
}

func TestControllerReportsProgress(t *testing.T) {
	env, err := NewFunctionEnvironment(1, 0, func(p []float64) float64 {
		return -p[0] * p[0]
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.NSamplesPerUpdate = 4
	cfg.RandomSeed = 11

	// A buffer as large as the run means no update is dropped.
	progress := make(chan EpisodeUpdate, 8)

	controller, err := NewController(
		ControllerConfig{NEpisodes: 8, ProgressChan: progress},
		env,
		NewCMAESOptimizer(cfg),
	)
	require.NoError(t, err)

	_, err = controller.Learn()
	require.NoError(t, err)

	require.Len(t, progress, 8)

	best := math.Inf(-1)

	for i := 0; i < 8; i++ {
		update := <-progress

		assert.Equal(t, i+1, update.Episode)
		assert.Equal(t, 8, update.TotalEpisodes)

		if update.Reward > best {
			best = update.Reward
		}

		// The running best never lags behind the rewards seen so far.
		assert.Equal(t, best, update.BestReward)
	}
}

func TestContextualControllerLearnAndTest(t *testing.T) {
	// The optimal parameters track the context: p* = (2s, -s).
	objective := func(p, s []float64) float64 {
		dx := p[0] - 2*s[0]
		dy := p[1] + s[0]

		return -(dx*dx + dy*dy)
	}

	env, err := NewContextualFunctionEnvironment(
		2, 1, 19,
		objective,
		func(s []float64) float64 { return 0 },
		[][]float64{{0}, {0.5}, {1}},
	)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.NSamplesPerUpdate = 4
	cfg.RandomSeed = 3

	progress := make(chan EpisodeUpdate, 24)

	controller, err := NewContextualController(
		ControllerConfig{
			NEpisodes:           24,
			RecordFeedbacks:     true,
			RecordContexts:      true,
			TestContexts:        [][]float64{{0}, {1}},
			NEpisodesBeforeTest: 12,
			ProgressChan:        progress,
		},
		env,
		NewCCMAESOptimizer(cfg),
	)
	require.NoError(t, err)

	rewards, err := controller.Learn()
	require.NoError(t, err)

	assert.Len(t, rewards, 24)
	assert.Len(t, controller.Feedbacks(), 24)

	// The environment pool is visited round robin during learning.
	contexts := controller.Contexts()
	require.Len(t, contexts, 24)

	pool := [][]float64{{0}, {0.5}, {1}}
	for i, ctx := range contexts {
		assert.Equal(t, pool[i%3], ctx)
	}

	// Two held-out evaluations, one regret value per test context.
	// Regret against a known optimum of zero is never negative.
	results := controller.TestResults()
	require.Len(t, results, 2)

	for _, row := range results {
		require.Len(t, row, 2)

		for _, regret := range row {
			assert.False(t, math.IsNaN(regret))
			assert.GreaterOrEqual(t, regret, 0.0)
		}
	}

	// Progress updates carry the negotiated context.
	require.Len(t, progress, 24)

	first := <-progress
	assert.Equal(t, []float64{0}, first.Context)
}

func TestContextualControllerToleratesInfeasibleDual(t *testing.T) {
	objective := func(p, s []float64) float64 {
		dx := p[0] - s[0]

		return -dx * dx
	}

	env, err := NewContextualFunctionEnvironment(1, 1, 23, objective, nil, [][]float64{{0}, {1}})
	require.NoError(t, err)

	// A prohibitive temperature floor keeps every batch reweighting
	// near uniform, so each update is rejected as infeasible.
	cfg := DefaultConfig()
	cfg.NSamplesPerUpdate = 4
	cfg.Epsilon = 0.5
	cfg.MinEta = 1e6
	cfg.RandomSeed = 29

	opt := NewCCMAESOptimizer(cfg)

	controller, err := NewContextualController(ControllerConfig{NEpisodes: 8}, env, opt)
	require.NoError(t, err)

	weightsBefore := opt.BestPolicy().Weights()

	rewards, err := controller.Learn()
	require.NoError(t, err)

	// Rejected updates do not abort learning and leave the policy
	// untouched.
	assert.Len(t, rewards, 8)
	assert.Equal(t, weightsBefore, opt.BestPolicy().Weights())
}

func TestContextualControllerRecordsNaNRegretWithoutOptimum(t *testing.T) {
	objective := func(p, s []float64) float64 { return -p[0] * p[0] }

	env, err := NewContextualFunctionEnvironment(1, 1, 37, objective, nil, [][]float64{{0.5}})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.NSamplesPerUpdate = 4
	cfg.RandomSeed = 41

	controller, err := NewContextualController(
		ControllerConfig{
			NEpisodes:           4,
			TestContexts:        [][]float64{{0.5}},
			NEpisodesBeforeTest: 4,
		},
		env,
		NewCCMAESOptimizer(cfg),
	)
	require.NoError(t, err)

	_, err = controller.Learn()
	require.NoError(t, err)

	results := controller.TestResults()
	require.Len(t, results, 1)
	require.Len(t, results[0], 1)

	assert.True(t, math.IsNaN(results[0][0]))
}

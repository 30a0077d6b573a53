package cepo

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
)

//////
// Const, vars, types.
//////

// ControllerConfig configures episode execution. The zero value runs
// ten episodes with no recording, no testing and no logging.
type ControllerConfig struct {
	// NEpisodes is the number of episodes Learn executes. Zero selects
	// 10.
	NEpisodes int

	// RecordFeedbacks keeps the accumulated reward of every episode,
	// retrievable through Feedbacks.
	RecordFeedbacks bool

	// RecordContexts keeps the context of every episode, retrievable
	// through Contexts. Contextual controllers only.
	RecordContexts bool

	// TestContexts is a held-out context set the policy mean is
	// evaluated on every NEpisodesBeforeTest episodes. Contextual
	// controllers only.
	TestContexts [][]float64

	// NEpisodesBeforeTest enables the held-out evaluation when
	// positive. Requires TestContexts.
	NEpisodesBeforeTest int

	// ProgressChan receives one EpisodeUpdate per learning episode when
	// set. Sends never block; an update is dropped when the channel is
	// full.
	ProgressChan chan<- EpisodeUpdate

	// Logger receives per-episode records. Nil disables logging.
	Logger *slog.Logger
}

// Controller runs a context-free optimizer against an environment. It
// owns the episode loop so that neither side needs to know the other.
type Controller struct {
	cfg ControllerConfig
	log *slog.Logger

	env Environment
	opt ParameterOptimizer

	inputs  []float64
	outputs []float64

	episodeCount int
	bestReward   float64
	feedbacks    []float64
}

// ContextualController runs a contextual optimizer against a contextual
// environment. Before each episode it negotiates the context: the
// optimizer may express a preference, the environment decides.
type ContextualController struct {
	cfg ControllerConfig
	log *slog.Logger

	env ContextualEnvironment
	opt ContextualParameterOptimizer

	inputs  []float64
	outputs []float64

	episodeCount int
	bestReward   float64
	feedbacks    []float64
	contexts     [][]float64
	testResults  [][]float64
}

//////
// Methods.
//////

// Episode executes one learning episode: sample parameters, run them in
// the environment, feed the rewards back.
//
// Returns:
//   - float64: accumulated reward of the episode.
//   - error: any optimizer failure.
func (c *Controller) Episode() (float64, error) {
	if err := c.opt.GetNextParameters(c.inputs, true); err != nil {
		return 0, fmt.Errorf("episode %d: %w", c.episodeCount+1, err)
	}

	feedbacks := runEpisode(c.env, c.inputs, c.outputs)

	if err := c.opt.SetEvaluationFeedback(feedbacks); err != nil {
		return 0, fmt.Errorf("episode %d: %w", c.episodeCount+1, err)
	}

	reward := floats.Sum(feedbacks)

	c.episodeCount++

	if reward > c.bestReward {
		c.bestReward = reward
	}

	if c.cfg.RecordFeedbacks {
		c.feedbacks = append(c.feedbacks, reward)
	}

	c.log.Debug("episode finished",
		slog.Int("episode", c.episodeCount),
		slog.Float64("reward", reward),
		slog.Float64("best_reward", c.bestReward),
	)

	sendProgress(c.cfg.ProgressChan, EpisodeUpdate{
		Episode:       c.episodeCount,
		TotalEpisodes: c.cfg.NEpisodes,
		Reward:        reward,
		BestReward:    c.bestReward,
	})

	return reward, nil
}

// Learn executes up to NEpisodes episodes, stopping early when either
// side reports that learning is done.
//
// Returns:
//   - []float64: accumulated reward of every executed episode.
//   - error: the failure that stopped learning, if any.
func (c *Controller) Learn() ([]float64, error) {
	rewards := make([]float64, 0, c.cfg.NEpisodes)

	for i := 0; i < c.cfg.NEpisodes; i++ {
		if c.opt.IsBehaviorLearningDone() || c.env.IsBehaviorLearningDone() {
			break
		}

		reward, err := c.Episode()
		if err != nil {
			return rewards, err
		}

		rewards = append(rewards, reward)
	}

	return rewards, nil
}

// BestReward returns the highest accumulated episode reward seen so
// far.
func (c *Controller) BestReward() float64 { return c.bestReward }

// Feedbacks returns the accumulated reward of every episode executed
// with RecordFeedbacks enabled.
func (c *Controller) Feedbacks() []float64 {
	out := make([]float64, len(c.feedbacks))
	copy(out, c.feedbacks)

	return out
}

// Episode executes one learning episode: negotiate a context, sample
// parameters, run them in the environment, feed the rewards back.
//
// An *InfeasibleDualError from the optimizer is not fatal: the episode
// still counts, the previous policy stays in effect, and learning
// continues with the next batch. Every other optimizer failure is
// returned.
func (c *ContextualController) Episode() (float64, error) {
	context, err := c.negotiateContext()
	if err != nil {
		return 0, fmt.Errorf("episode %d: %w", c.episodeCount+1, err)
	}

	if err := c.opt.GetNextParameters(c.inputs, true); err != nil {
		return 0, fmt.Errorf("episode %d: %w", c.episodeCount+1, err)
	}

	feedbacks := runEpisode(c.env, c.inputs, c.outputs)

	err = c.opt.SetEvaluationFeedback(feedbacks)

	var infeasible *InfeasibleDualError
	switch {
	case errors.As(err, &infeasible):
		c.log.Warn("dual reweighting infeasible, keeping previous policy",
			slog.Float64("kl", infeasible.KL),
			slog.Float64("epsilon", infeasible.Epsilon),
			slog.Float64("eta", infeasible.Eta),
		)
	case err != nil:
		return 0, fmt.Errorf("episode %d: %w", c.episodeCount+1, err)
	}

	reward := floats.Sum(feedbacks)

	c.episodeCount++

	if reward > c.bestReward {
		c.bestReward = reward
	}

	if c.cfg.RecordFeedbacks {
		c.feedbacks = append(c.feedbacks, reward)
	}

	c.log.Debug("episode finished",
		slog.Int("episode", c.episodeCount),
		slog.Float64("reward", reward),
		slog.Float64("best_reward", c.bestReward),
	)

	sendProgress(c.cfg.ProgressChan, EpisodeUpdate{
		Episode:       c.episodeCount,
		TotalEpisodes: c.cfg.NEpisodes,
		Context:       context,
		Reward:        reward,
		BestReward:    c.bestReward,
	})

	if c.cfg.NEpisodesBeforeTest > 0 && c.episodeCount%c.cfg.NEpisodesBeforeTest == 0 {
		results, err := c.evaluateTestContexts()
		if err != nil {
			return 0, fmt.Errorf("episode %d: %w", c.episodeCount, err)
		}

		c.testResults = append(c.testResults, results)
	}

	return reward, nil
}

// Learn executes up to NEpisodes episodes, stopping early when either
// side reports that learning is done.
func (c *ContextualController) Learn() ([]float64, error) {
	rewards := make([]float64, 0, c.cfg.NEpisodes)

	for i := 0; i < c.cfg.NEpisodes; i++ {
		if c.opt.IsBehaviorLearningDone() || c.env.IsBehaviorLearningDone() {
			break
		}

		reward, err := c.Episode()
		if err != nil {
			return rewards, err
		}

		rewards = append(rewards, reward)
	}

	return rewards, nil
}

// BestReward returns the highest accumulated episode reward seen so
// far.
func (c *ContextualController) BestReward() float64 { return c.bestReward }

// Feedbacks returns the accumulated reward of every episode executed
// with RecordFeedbacks enabled.
func (c *ContextualController) Feedbacks() []float64 {
	out := make([]float64, len(c.feedbacks))
	copy(out, c.feedbacks)

	return out
}

// Contexts returns the context of every episode executed with
// RecordContexts enabled.
func (c *ContextualController) Contexts() [][]float64 {
	out := make([][]float64, len(c.contexts))
	for i, ctx := range c.contexts {
		out[i] = make([]float64, len(ctx))
		copy(out[i], ctx)
	}

	return out
}

// TestResults returns one regret row per held-out evaluation: for each
// test context, the environment's optimum minus the reward the policy
// mean achieved. Rows are NaN-valued where the optimum is unknown.
func (c *ContextualController) TestResults() [][]float64 {
	out := make([][]float64, len(c.testResults))
	for i, row := range c.testResults {
		out[i] = make([]float64, len(row))
		copy(out[i], row)
	}

	return out
}

// negotiateContext lets the optimizer propose a context, the
// environment decide, and the optimizer observe the decision.
func (c *ContextualController) negotiateContext() ([]float64, error) {
	desired := c.opt.GetDesiredContext()
	actual := c.env.RequestContext(desired)

	if err := c.opt.SetContext(actual); err != nil {
		return nil, err
	}

	context := make([]float64, len(actual))
	copy(context, actual)

	if c.cfg.RecordContexts {
		c.contexts = append(c.contexts, context)
	}

	return context, nil
}

// evaluateTestContexts runs the policy mean in every held-out context
// and reports the regret against the environment's optimum. Test
// episodes are not fed back and do not count.
func (c *ContextualController) evaluateTestContexts() ([]float64, error) {
	policy := c.opt.BestPolicy()
	results := make([]float64, len(c.cfg.TestContexts))

	for i, tc := range c.cfg.TestContexts {
		actual := c.env.RequestContext(tc)
		if !floats.EqualApprox(actual, tc, 1e-12) {
			return nil, fmt.Errorf("environment did not honor test context %v", tc)
		}

		if _, err := policy.Mean(c.inputs, actual); err != nil {
			return nil, err
		}

		feedbacks := runEpisode(c.env, c.inputs, c.outputs)

		results[i] = c.env.MaximumFeedbackInContext(actual) - floats.Sum(feedbacks)
	}

	return results, nil
}

//////
// Helper functions.
//////

// runEpisode drives the environment with a fixed parameter vector until
// the episode ends and returns the collected rewards.
func runEpisode(env Environment, params, outputs []float64) []float64 {
	env.Reset()

	for !env.IsEvaluationDone() {
		env.GetOutputs(outputs)
		env.SetInputs(params)
		env.StepAction()
	}

	return env.GetFeedback()
}

// sendProgress delivers an update without ever blocking the episode
// loop.
func sendProgress(ch chan<- EpisodeUpdate, update EpisodeUpdate) {
	if ch == nil {
		return
	}

	select {
	case ch <- update:
	default:
	}
}

//////
// Factory.
//////

// NewController wires a context-free optimizer to an environment. It
// initializes both: the environment first, then the optimizer with the
// environment's input dimension.
//
// Parameters:
//   - config: controller configuration. Zero fields select defaults.
//   - environment: evaluation loop, not yet initialized.
//   - optimizer: parameter optimizer, not yet initialized.
//
// Returns:
//   - *Controller: ready for Episode or Learn.
//   - error: nil arguments or an initialization failure.
func NewController(config ControllerConfig, environment Environment, optimizer ParameterOptimizer) (*Controller, error) {
	if environment == nil {
		return nil, fmt.Errorf("environment is required")
	}

	if optimizer == nil {
		return nil, fmt.Errorf("optimizer is required")
	}

	if config.NEpisodes == 0 {
		config.NEpisodes = 10
	}
	if config.NEpisodes < 0 {
		return nil, fmt.Errorf("episode count must be non-negative, got %d", config.NEpisodes)
	}

	if err := environment.Init(); err != nil {
		return nil, fmt.Errorf("environment init: %w", err)
	}

	if err := optimizer.Init(environment.NumInputs()); err != nil {
		return nil, fmt.Errorf("optimizer init: %w", err)
	}

	return &Controller{
		cfg:        config,
		log:        loggerOrDiscard(config.Logger).With(slog.String("run_id", uuid.NewString())),
		env:        environment,
		opt:        optimizer,
		inputs:     make([]float64, environment.NumInputs()),
		outputs:    make([]float64, environment.NumOutputs()),
		bestReward: math.Inf(-1),
	}, nil
}

// NewContextualController wires a contextual optimizer to a contextual
// environment. It initializes both: the environment first, then the
// optimizer with the environment's input and context dimensions.
//
// Parameters:
//   - config: controller configuration. Zero fields select defaults; a
//     positive NEpisodesBeforeTest requires TestContexts.
//   - environment: contextual evaluation loop, not yet initialized.
//   - optimizer: contextual optimizer, not yet initialized.
//
// Returns:
//   - *ContextualController: ready for Episode or Learn.
//   - error: nil arguments, inconsistent test configuration, or an
//     initialization failure.
func NewContextualController(config ControllerConfig, environment ContextualEnvironment, optimizer ContextualParameterOptimizer) (*ContextualController, error) {
	if environment == nil {
		return nil, fmt.Errorf("environment is required")
	}

	if optimizer == nil {
		return nil, fmt.Errorf("optimizer is required")
	}

	if config.NEpisodes == 0 {
		config.NEpisodes = 10
	}
	if config.NEpisodes < 0 {
		return nil, fmt.Errorf("episode count must be non-negative, got %d", config.NEpisodes)
	}

	if config.NEpisodesBeforeTest < 0 {
		return nil, fmt.Errorf("episodes before test must be non-negative, got %d", config.NEpisodesBeforeTest)
	}

	if config.NEpisodesBeforeTest > 0 && len(config.TestContexts) == 0 {
		return nil, fmt.Errorf("test contexts are required when periodic testing is enabled")
	}

	if err := environment.Init(); err != nil {
		return nil, fmt.Errorf("environment init: %w", err)
	}

	if err := optimizer.Init(environment.NumInputs(), environment.NumContextDims()); err != nil {
		return nil, fmt.Errorf("optimizer init: %w", err)
	}

	return &ContextualController{
		cfg:        config,
		log:        loggerOrDiscard(config.Logger).With(slog.String("run_id", uuid.NewString())),
		env:        environment,
		opt:        optimizer,
		inputs:     make([]float64, environment.NumInputs()),
		outputs:    make([]float64, environment.NumOutputs()),
		bestReward: math.Inf(-1),
	}, nil
}

package cepo

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// CREPSOptimizer learns a context-dependent search distribution with
// contextual relative entropy policy search.
//
// It shares the episode protocol and the KL-bounded dual reweighting of
// CCMAESOptimizer but replaces the evolution-path covariance adaptation
// with a plain maximum-likelihood refit: after each batch both the mean
// map and the covariance are re-estimated from the reweighted samples.
// That makes it simpler and often greedier, at the price of covariance
// estimates that can collapse on small batches.
//
// A CREPSOptimizer must be confined to a single goroutine.
type CREPSOptimizer struct {
	cfg Config
	log *slog.Logger

	nParams      int
	nContextDims int

	nSamplesPerUpdate int

	policy  *ContextTransformationPolicy
	history *sampleHistory

	context    []float64
	features   []float64
	lastParams []float64
	pending    bool

	it int

	initialized bool
}

var _ ContextualParameterOptimizer = (*CREPSOptimizer)(nil)

//////
// Methods.
//////

// Init prepares the optimizer for the given problem dimensions. It must
// be called exactly once, before any other method.
func (o *CREPSOptimizer) Init(nParams, nContextDims int) error {
	if o.initialized {
		return fmt.Errorf("optimizer is already initialized")
	}

	if nParams < 1 {
		return fmt.Errorf("parameter dimension must be positive, got %d", nParams)
	}

	if nContextDims < 1 {
		return fmt.Errorf("context dimension must be positive, got %d", nContextDims)
	}

	if err := o.cfg.validate(); err != nil {
		return err
	}

	if o.cfg.InitialParams != nil && len(o.cfg.InitialParams) != nParams {
		return &DimensionError{What: "initial parameters", Expected: nParams, Got: len(o.cfg.InitialParams)}
	}

	o.nParams = nParams
	o.nContextDims = nContextDims

	o.nSamplesPerUpdate = o.cfg.NSamplesPerUpdate
	if o.nSamplesPerUpdate == 0 {
		o.nSamplesPerUpdate = defaultSamplesPerUpdate(nParams+nContextDims, nContextDims)
	}

	effective := mat.NewSymDense(nParams, nil)

	if o.cfg.Covariance == nil {
		for i := 0; i < nParams; i++ {
			effective.SetSym(i, i, o.cfg.Variance)
		}
	} else {
		if o.cfg.Covariance.SymmetricDim() != nParams {
			return &DimensionError{What: "covariance order", Expected: nParams, Got: o.cfg.Covariance.SymmetricDim()}
		}

		effective.ScaleSym(o.cfg.Variance, o.cfg.Covariance)
	}

	policy, err := NewContextTransformationPolicy(
		o.cfg.ContextFeatures,
		nParams,
		nContextDims,
		o.cfg.InitialParams,
		effective,
		o.cfg.Gamma,
		o.cfg.RandomSeed,
	)
	if err != nil {
		return err
	}

	o.policy = policy
	o.history = newSampleHistory(o.nSamplesPerUpdate)
	o.context = nil
	o.features = make([]float64, policy.NumFeatures())
	o.lastParams = make([]float64, nParams)
	o.pending = false
	o.it = 0
	o.initialized = true

	o.log.Debug("optimizer initialized",
		slog.Int("n_params", nParams),
		slog.Int("n_context_dims", nContextDims),
		slog.Int("samples_per_update", o.nSamplesPerUpdate),
	)

	return nil
}

// GetDesiredContext always returns nil: the optimizer accepts whatever
// context the environment chooses.
func (o *CREPSOptimizer) GetDesiredContext() []float64 {
	return nil
}

// SetContext fixes the context of the upcoming episode.
func (o *CREPSOptimizer) SetContext(context []float64) error {
	if !o.initialized {
		return ErrNotInitialized
	}

	if len(context) != o.nContextDims {
		return &DimensionError{What: "context", Expected: o.nContextDims, Got: len(context)}
	}

	if !allFinite(context) {
		return &NumericalError{Op: "context validation", Err: fmt.Errorf("context contains a non-finite component")}
	}

	if o.context == nil {
		o.context = make([]float64, o.nContextDims)
	}

	copy(o.context, context)

	_, err := o.policy.Transform(o.features, context)

	return err
}

// GetNextParameters samples the parameter vector to evaluate next in
// the current context. With explore false it returns the policy mean.
func (o *CREPSOptimizer) GetNextParameters(params []float64, explore bool) error {
	if !o.initialized {
		return ErrNotInitialized
	}

	if o.context == nil {
		return ErrNoContext
	}

	if len(params) != o.nParams {
		return &DimensionError{What: "parameter buffer", Expected: o.nParams, Got: len(params)}
	}

	if _, err := o.policy.Sample(params, o.context, explore); err != nil {
		return err
	}

	copy(o.lastParams, params)
	o.pending = true

	return nil
}

// SetEvaluationFeedback scores the last sampled parameters. Components
// are summed into a single episode reward; every NSamplesPerUpdate-th
// feedback refits the policy from the reweighted history.
func (o *CREPSOptimizer) SetEvaluationFeedback(rewards []float64) error {
	if !o.initialized {
		return ErrNotInitialized
	}

	if !o.pending {
		return ErrNoPendingSample
	}

	if len(rewards) == 0 {
		return fmt.Errorf("evaluation feedback must contain at least one component")
	}

	if !allFinite(rewards) {
		return &NumericalError{Op: "evaluation feedback", Err: fmt.Errorf("reward contains a non-finite component")}
	}

	reward := floats.Sum(rewards)

	o.history.push(o.lastParams, o.context, o.features, reward)
	o.pending = false
	o.it++

	o.log.Debug("episode scored",
		slog.Int("episode", o.it),
		slog.Float64("reward", reward),
	)

	if o.it%o.nSamplesPerUpdate == 0 {
		return o.update()
	}

	return nil
}

// BestPolicy returns the current upper-level policy as a live handle.
func (o *CREPSOptimizer) BestPolicy() *ContextTransformationPolicy {
	return o.policy
}

// IsBehaviorLearningDone always returns false; the episode budget is
// the caller's.
func (o *CREPSOptimizer) IsBehaviorLearningDone() bool {
	return false
}

// update reweights the collected history through the KL-bounded dual
// and refits mean map and covariance by weighted maximum likelihood.
// The dual solve runs first, so an infeasible batch leaves the policy
// untouched.
func (o *CREPSOptimizer) update() error {
	features, params, rewards := o.history.matrices()

	weights, eta, _, err := solveDualContextualREPS(features, rewards, o.cfg.Epsilon, o.cfg.MinEta)
	if err != nil {
		return err
	}

	if err := o.policy.Fit(features, params, weights); err != nil {
		return err
	}

	o.log.Info("policy updated",
		slog.Int("generation", o.it/o.nSamplesPerUpdate),
		slog.Float64("eta", eta),
	)

	return nil
}

//////
// Factory.
//////

// NewCREPSOptimizer creates a contextual relative entropy policy search
// optimizer.
//
// Parameters:
//   - config: optimizer configuration. Zero fields select the defaults
//     documented on Config.
//
// Returns:
//   - *CREPSOptimizer: ready for Init.
//
// When to use:
//   - Prefer CCMAESOptimizer for rugged or noisy rewards; its evolution
//     paths keep exploration alive when single batches mislead.
//   - Prefer CREPSOptimizer when evaluations are cheap and plentiful
//     and the reward surface is smooth, where its direct refit
//     converges in fewer updates.
func NewCREPSOptimizer(config Config) *CREPSOptimizer {
	config = config.withDefaults()

	return &CREPSOptimizer{
		cfg: config,
		log: loggerOrDiscard(config.Logger),
	}
}

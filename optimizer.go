package cepo

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

//////
// Exported functionalities.
//////

// DefaultConfig returns the default optimizer configuration.
//
// Returns:
//   - Config: exploration variance 1.0, identity covariance shape, KL
//     bound 2.0, minimum eta 1e-8, dimension-derived batch size, affine
//     context features, regularization 1e-4, wall clock seed, and no
//     logging.
//
// Usage example:
//
//	cfg := cepo.DefaultConfig()
//	cfg.Epsilon = 1.0
//	opt := cepo.NewCCMAESOptimizer(cfg)
func DefaultConfig() Config {
	return Config{
		Variance:        1.0,
		Covariance:      nil,
		Epsilon:         2.0,
		MinEta:          1e-8,
		Gamma:           1e-4,
		ContextFeatures: Affine,
	}
}

//////
// Const, vars, types.
//////

const (
	// covarianceEigenFloor clips eigenvalues when whitening the
	// covariance shape, keeping the inverse square root finite.
	covarianceEigenFloor = 2.220446049250313e-16

	// covariancePSDTolerance is the relative slack allowed on the
	// smallest eigenvalue of an updated covariance before the update is
	// rejected as numerically unstable.
	covariancePSDTolerance = 1e-10

	// maxLogStepSize caps the log step size change of one update.
	maxLogStepSize = 0.6

	// minStepSizeVariance keeps the global step size variance positive.
	minStepSizeVariance = 1e-20
)

// CCMAESOptimizer learns a context-dependent search distribution over
// parameter vectors from scalar episode rewards.
//
// The optimizer owns a linear-Gaussian policy: the mean of the sampling
// distribution is a linear map of transformed context features, and a
// single covariance is shared across contexts. Episodes are collected
// into a fixed-size history; once NSamplesPerUpdate episodes have been
// scored, the batch is reweighted through a KL-bounded dual, the mean
// map is refit by weighted regression, and the covariance and global
// step size are adapted along evolution paths.
//
// A CCMAESOptimizer must be confined to a single goroutine. It holds no
// locks and its methods must not be called concurrently.
type CCMAESOptimizer struct {
	cfg Config
	log *slog.Logger

	nParams      int
	nContextDims int
	nTotalDims   int

	nSamplesPerUpdate int
	hsigThreshold     float64

	policy  *ContextTransformationPolicy
	history *sampleHistory

	context    []float64
	features   []float64
	lastParams []float64
	pending    bool

	// variance is the squared global step size. The policy covariance
	// always holds variance times the covariance shape.
	variance float64
	ps       *mat.VecDense
	pc       *mat.VecDense
	it       int

	initialized bool
}

var _ ContextualParameterOptimizer = (*CCMAESOptimizer)(nil)

//////
// Methods.
//////

// Init prepares the optimizer for the given problem dimensions. It must
// be called exactly once, before any other method.
//
// Parameters:
//   - nParams: dimension of the parameter vectors to optimize.
//   - nContextDims: dimension of the raw context vectors.
//
// Returns:
//   - error: invalid configuration, a *DimensionError when configured
//     initial parameters or covariance do not match nParams, or a
//     sampler construction failure.
func (o *CCMAESOptimizer) Init(nParams, nContextDims int) error {
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
	o.nTotalDims = nParams + nContextDims

	o.nSamplesPerUpdate = o.cfg.NSamplesPerUpdate
	if o.nSamplesPerUpdate == 0 {
		o.nSamplesPerUpdate = defaultSamplesPerUpdate(o.nTotalDims, nContextDims)
	}

	o.hsigThreshold = 2 + 4/float64(nParams+1)

	// The policy covariance is the effective one: global step size
	// variance times the configured shape.
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
	o.variance = o.cfg.Variance
	o.ps = mat.NewVecDense(nParams, nil)
	o.pc = mat.NewVecDense(nParams, nil)
	o.it = 0
	o.initialized = true

	o.log.Debug("optimizer initialized",
		slog.Int("n_params", nParams),
		slog.Int("n_context_dims", nContextDims),
		slog.Int("samples_per_update", o.nSamplesPerUpdate),
	)

	return nil
}

// GetDesiredContext reports the context the optimizer would like to be
// evaluated in next. It always returns nil: any context is acceptable,
// and the environment is free to choose.
func (o *CCMAESOptimizer) GetDesiredContext() []float64 {
	return nil
}

// SetContext fixes the context of the upcoming episode. It must be
// called before GetNextParameters whenever the context changed.
//
// Parameters:
//   - context: raw context vector of length nContextDims. The slice is
//     copied and may be reused by the caller.
//
// Returns:
//   - error: ErrNotInitialized, a *DimensionError on a length mismatch,
//     or a *NumericalError on non-finite components.
func (o *CCMAESOptimizer) SetContext(context []float64) error {
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
// the current context.
//
// Parameters:
//   - params: destination of length nParams, filled in place.
//   - explore: when true, sample around the policy mean; when false,
//     return the mean itself.
//
// Returns:
//   - error: ErrNotInitialized, ErrNoContext when no context was set, a
//     *DimensionError on a destination length mismatch, or a sampler
//     failure.
func (o *CCMAESOptimizer) GetNextParameters(params []float64, explore bool) error {
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

// SetEvaluationFeedback scores the parameters returned by the last
// GetNextParameters call. Components are summed into a single episode
// reward; higher is better. Every NSamplesPerUpdate-th feedback
// triggers a policy update over the collected history.
//
// Returns:
//   - error: ErrNotInitialized, ErrNoPendingSample when no sample is
//     awaiting feedback, a *NumericalError on non-finite rewards, or an
//     update failure (*InfeasibleDualError, *NumericalError). On an
//     update failure the previous policy remains in effect.
func (o *CCMAESOptimizer) SetEvaluationFeedback(rewards []float64) error {
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

// BestPolicy returns the current upper-level policy. The returned
// handle stays live: subsequent updates change what it samples. Treat
// it as read-only; its accessors hand out copies.
func (o *CCMAESOptimizer) BestPolicy() *ContextTransformationPolicy {
	return o.policy
}

// IsBehaviorLearningDone reports whether optimization has converged.
// The optimizer has no stopping criterion and always returns false,
// leaving the episode budget to the caller.
func (o *CCMAESOptimizer) IsBehaviorLearningDone() bool {
	return false
}

// update runs one full policy update over the collected history. All
// work happens on temporaries; optimizer and policy state change only
// after every step has succeeded, so a failed update leaves the
// previous policy fully intact.
func (o *CCMAESOptimizer) update() error {
	features, params, rewards := o.history.matrices()
	n, _ := features.Dims()

	weights, eta, _, err := solveDualContextualREPS(features, rewards, o.cfg.Epsilon, o.cfg.MinEta)
	if err != nil {
		return err
	}

	var sumSq float64
	for _, w := range weights {
		sumSq += w * w
	}

	// Effective sample size of the reweighted batch, floored at one so
	// the adaptive constants stay defined for one-hot weightings.
	muW := 1 / sumSq
	if math.IsNaN(muW) || math.IsInf(muW, 0) {
		return &NumericalError{Op: "effective sample size", Err: fmt.Errorf("degenerate dual weighting")}
	}
	if muW < 1 {
		muW = 1
	}

	// Adaptation constants over the joint parameter and context
	// dimension.
	d := float64(o.nTotalDims)
	p := float64(o.nParams)

	c1 := 2 * math.Min(1, float64(n)/6) / ((d+1.3)*(d+1.3) + muW)

	cMu := 2 * (muW - 2 + 1/muW) / ((d+2)*(d+2) + muW)
	if cMu > 1-c1 {
		cMu = 1 - c1
	}

	cC := 4 / (4 + d)
	cSigma := (muW + 2) / (d + muW + 3)
	dSigma := 1 + cSigma + 2*math.Max(0, math.Sqrt((muW-1)/(d+1))-1) + math.Log(1+2*d)

	prevWeights := o.policy.Weights()

	newWeights, err := fitLinearGaussian(features, params, weights, o.cfg.Gamma)
	if err != nil {
		return err
	}

	meanPhi := mat.NewVecDense(o.policy.NumFeatures(), columnMeans(features))

	prevMean := mat.NewVecDense(o.nParams, nil)
	prevMean.MulVec(prevWeights, meanPhi)

	newMean := mat.NewVecDense(o.nParams, nil)
	newMean.MulVec(newWeights, meanPhi)

	// Mean displacement at the batch-mean features, on the step-size
	// free scale.
	stepScale := math.Sqrt(o.variance)

	delta := mat.NewVecDense(o.nParams, nil)
	delta.SubVec(newMean, prevMean)
	delta.ScaleVec(1/stepScale, delta)

	// Covariance shape, with the global step size divided out.
	shape := mat.NewSymDense(o.nParams, nil)
	shape.ScaleSym(1/o.variance, o.policy.Covariance())

	invSqrt, err := invSqrtSym(shape, covarianceEigenFloor)
	if err != nil {
		return err
	}

	// Step size evolution path over the whitened displacement.
	whitened := mat.NewVecDense(o.nParams, nil)
	whitened.MulVec(invSqrt, delta)

	psNew := mat.NewVecDense(o.nParams, nil)
	psNew.ScaleVec(1-cSigma, o.ps)
	psNew.AddScaledVec(psNew, math.Sqrt(cSigma*(2-cSigma)*muW), whitened)

	psNorm := mat.Dot(psNew, psNew)
	if math.IsNaN(psNorm) || math.IsInf(psNorm, 0) {
		return &NumericalError{Op: "step size path", Err: fmt.Errorf("evolution path diverged")}
	}

	generation := o.it / o.nSamplesPerUpdate

	// Stall indicator: the covariance path only grows while the step
	// size path stays short relative to its expected growth.
	expectedGrowth := math.Sqrt(1 - math.Pow(1-cSigma, 2*float64(generation)))

	hsig := 0.0
	if psNorm/p/expectedGrowth < o.hsigThreshold {
		hsig = 1
	}

	pcNew := mat.NewVecDense(o.nParams, nil)
	pcNew.ScaleVec(1-cC, o.pc)
	pcNew.AddScaledVec(pcNew, hsig*math.Sqrt(cC*(2-cC)*muW), delta)

	// Rank-one and rank-mu recombination of the covariance shape.
	next := mat.NewSymDense(o.nParams, nil)
	next.ScaleSym(1-c1-cMu, shape)
	next.SymRankOne(next, c1, pcNew)

	row := make([]float64, o.nParams)
	for i := 0; i < n; i++ {
		mat.Row(row, i, params)
		for j := range row {
			row[j] = (row[j] - prevMean.AtVec(j)) / stepScale
		}

		next.SymRankOne(next, cMu*weights[i], mat.NewVecDense(o.nParams, row))
	}

	vals, ok := symEigenvalues(next)
	if !ok {
		return &NumericalError{Op: "covariance eigendecomposition", Err: fmt.Errorf("eigendecomposition did not converge")}
	}

	var maxAbs float64
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &NumericalError{Op: "covariance eigendecomposition", Err: fmt.Errorf("non-finite eigenvalue")}
		}

		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}

	// Eigenvalues come back ascending.
	if vals[0] < -covariancePSDTolerance*math.Max(1, maxAbs) {
		return &NumericalError{Op: "covariance update", Err: fmt.Errorf("updated covariance lost positive semi-definiteness")}
	}

	// Global step size adaptation, with the exponent clipped so a
	// single update cannot explode the search distribution.
	logStep := cSigma / dSigma * (psNorm/p - 1)
	if logStep > maxLogStepSize {
		logStep = maxLogStepSize
	}

	varianceNew := o.variance * math.Exp(2*logStep)
	if math.IsNaN(varianceNew) || math.IsInf(varianceNew, 0) {
		return &NumericalError{Op: "step size adaptation", Err: fmt.Errorf("step size variance diverged")}
	}
	if varianceNew < minStepSizeVariance {
		varianceNew = minStepSizeVariance
	}

	effective := mat.NewSymDense(o.nParams, nil)
	effective.ScaleSym(varianceNew, next)

	// Commit. Every failure above returned before any state changed.
	if err := o.policy.SetWeights(newWeights); err != nil {
		return err
	}

	if err := o.policy.SetCovariance(effective); err != nil {
		return err
	}

	o.ps = psNew
	o.pc = pcNew
	o.variance = varianceNew

	o.log.Info("policy updated",
		slog.Int("generation", generation),
		slog.Float64("eta", eta),
		slog.Float64("effective_samples", muW),
		slog.Float64("variance", varianceNew),
	)

	return nil
}

//////
// Factory.
//////

// NewCCMAESOptimizer creates a contextual CMA-ES optimizer.
//
// The optimizer searches a distribution over parameter vectors whose
// mean depends on an observed context, learning from scalar episode
// rewards alone.
//
// Parameters:
//   - config: optimizer configuration. Zero fields select the defaults
//     documented on Config, so DefaultConfig() and Config{} behave
//     identically.
//
// Returns:
//   - *CCMAESOptimizer: ready for Init.
//
// Usage example:
//
//	opt := cepo.NewCCMAESOptimizer(cepo.DefaultConfig())
//	if err := opt.Init(2, 1); err != nil {
//		log.Fatal(err)
//	}
//
//	params := make([]float64, 2)
//	for i := 0; i < 100; i++ {
//		context := nextContext()
//		if err := opt.SetContext(context); err != nil {
//			log.Fatal(err)
//		}
//		if err := opt.GetNextParameters(params, true); err != nil {
//			log.Fatal(err)
//		}
//		reward := evaluate(params, context)
//		if err := opt.SetEvaluationFeedback([]float64{reward}); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// How it works:
//
//  1. Each episode, the caller fixes a context; the optimizer samples
//     parameters from a Gaussian whose mean is a linear map of the
//     transformed context features.
//  2. Scored episodes accumulate in a fixed-size history. Once it holds
//     NSamplesPerUpdate episodes, an update runs.
//  3. The update reweights the batch through a KL-bounded dual: weights
//     follow exp(advantage/eta), with eta chosen so the weighting stays
//     within Epsilon of uniform in KL divergence.
//  4. The mean map is refit by weighted ridge regression, and the
//     covariance is recombined from a rank-one term along the mean
//     displacement and a rank-mu term over the weighted samples.
//  5. A global step size adapts on a separate evolution path, expanding
//     exploration while updates keep moving and shrinking it as they
//     stall.
//
// Important notes:
//   - Not safe for concurrent use. Confine each optimizer to one
//     goroutine; run several optimizers for parallel experiments.
//   - A failed update (for example *InfeasibleDualError) leaves the
//     previous policy in effect. Callers may log such errors and keep
//     collecting episodes.
//   - Rewards are maximized. Negate costs before feeding them back.
func NewCCMAESOptimizer(config Config) *CCMAESOptimizer {
	config = config.withDefaults()

	return &CCMAESOptimizer{
		cfg: config,
		log: loggerOrDiscard(config.Logger),
	}
}

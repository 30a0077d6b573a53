package cepo

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// CMAESOptimizer is a plain covariance matrix adaptation evolution
// strategy for context-free problems.
//
// Unlike the contextual optimizers it ranks each generation by reward
// and recombines the best half with log-rank weights instead of solving
// a KL-bounded dual. The sampling distribution is a single Gaussian; a
// constant-feature linear policy carries its mean so the sampling and
// refitting machinery is shared with the contextual optimizers.
//
// A CMAESOptimizer must be confined to a single goroutine.
type CMAESOptimizer struct {
	cfg Config
	log *slog.Logger

	nParams int
	lambda  int
	mu      int

	// Recombination weights over the mu best samples, fixed at Init.
	weights []float64
	muEff   float64

	cSigma float64
	dSigma float64
	cC     float64
	c1     float64
	cMu    float64
	chiN   float64

	policy *LinearGaussianPolicy
	one    []float64

	history    *sampleHistory
	lastParams []float64
	pending    bool

	variance float64
	ps       *mat.VecDense
	pc       *mat.VecDense
	it       int

	bestReward float64
	bestParams []float64

	initialized bool
}

var _ ParameterOptimizer = (*CMAESOptimizer)(nil)

//////
// Methods.
//////

// Init prepares the optimizer for an nParams-dimensional problem. It
// must be called exactly once, before any other method.
func (o *CMAESOptimizer) Init(nParams int) error {
	if o.initialized {
		return fmt.Errorf("optimizer is already initialized")
	}

	if nParams < 1 {
		return fmt.Errorf("parameter dimension must be positive, got %d", nParams)
	}

	if err := o.cfg.validate(); err != nil {
		return err
	}

	if o.cfg.InitialParams != nil && len(o.cfg.InitialParams) != nParams {
		return &DimensionError{What: "initial parameters", Expected: nParams, Got: len(o.cfg.InitialParams)}
	}

	o.nParams = nParams

	o.lambda = o.cfg.NSamplesPerUpdate
	if o.lambda == 0 {
		o.lambda = 4 + int(3*math.Log(float64(nParams)))
	}
	if o.lambda < 2 {
		return fmt.Errorf("generation size must be at least 2, got %d", o.lambda)
	}

	// Log-rank recombination weights over the better half.
	o.mu = o.lambda / 2
	o.weights = make([]float64, o.mu)

	for i := range o.weights {
		o.weights[i] = math.Log(float64(o.mu)+0.5) - math.Log(float64(i+1))
	}

	floats.Scale(1/floats.Sum(o.weights), o.weights)

	var sumSq float64
	for _, w := range o.weights {
		sumSq += w * w
	}
	o.muEff = 1 / sumSq

	n := float64(nParams)

	o.cSigma = (o.muEff + 2) / (n + o.muEff + 5)
	o.dSigma = 1 + 2*math.Max(0, math.Sqrt((o.muEff-1)/(n+1))-1) + o.cSigma
	o.cC = (4 + o.muEff/n) / (n + 4 + 2*o.muEff/n)
	o.c1 = 2 / ((n+1.3)*(n+1.3) + o.muEff)

	o.cMu = 2 * (o.muEff - 2 + 1/o.muEff) / ((n+2)*(n+2) + o.muEff)
	if o.cMu > 1-o.c1 {
		o.cMu = 1 - o.c1
	}

	// Expected norm of an n-dimensional standard normal vector.
	o.chiN = math.Sqrt(n) * (1 - 1/(4*n) + 1/(21*n*n))

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

	policy, err := NewLinearGaussianPolicy(nParams, 1, o.cfg.InitialParams, effective, o.cfg.Gamma, o.cfg.RandomSeed)
	if err != nil {
		return err
	}

	o.policy = policy
	o.one = []float64{1}
	o.history = newSampleHistory(o.lambda)
	o.lastParams = make([]float64, nParams)
	o.pending = false
	o.variance = o.cfg.Variance
	o.ps = mat.NewVecDense(nParams, nil)
	o.pc = mat.NewVecDense(nParams, nil)
	o.it = 0

	o.bestReward = math.Inf(-1)
	o.bestParams = make([]float64, nParams)
	o.policy.Mean(o.bestParams, o.one)

	o.initialized = true

	o.log.Debug("optimizer initialized",
		slog.Int("n_params", nParams),
		slog.Int("generation_size", o.lambda),
	)

	return nil
}

// GetNextParameters samples the parameter vector to evaluate next. With
// explore false it returns the distribution mean.
func (o *CMAESOptimizer) GetNextParameters(params []float64, explore bool) error {
	if !o.initialized {
		return ErrNotInitialized
	}

	if len(params) != o.nParams {
		return &DimensionError{What: "parameter buffer", Expected: o.nParams, Got: len(params)}
	}

	if _, err := o.policy.Sample(params, o.one, explore); err != nil {
		return err
	}

	copy(o.lastParams, params)
	o.pending = true

	return nil
}

// SetEvaluationFeedback scores the last sampled parameters. Components
// are summed into a single episode reward; every lambda-th feedback
// recombines the generation into a new distribution.
func (o *CMAESOptimizer) SetEvaluationFeedback(rewards []float64) error {
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

	o.history.push(o.lastParams, nil, o.one, reward)
	o.pending = false
	o.it++

	if reward > o.bestReward {
		o.bestReward = reward
		copy(o.bestParams, o.lastParams)
	}

	o.log.Debug("episode scored",
		slog.Int("episode", o.it),
		slog.Float64("reward", reward),
	)

	if o.it%o.lambda == 0 {
		return o.update()
	}

	return nil
}

// BestParameters returns a copy of the best parameter vector evaluated
// so far, or the initial mean before any feedback arrived.
func (o *CMAESOptimizer) BestParameters() []float64 {
	out := make([]float64, len(o.bestParams))
	copy(out, o.bestParams)

	return out
}

// IsBehaviorLearningDone always returns false; the episode budget is
// the caller's.
func (o *CMAESOptimizer) IsBehaviorLearningDone() bool {
	return false
}

// update recombines the current generation. All work happens on
// temporaries and state is committed only once every step succeeded.
func (o *CMAESOptimizer) update() error {
	_, params, rewards := o.history.matrices()
	n := len(rewards)

	// Rank the generation, best reward first.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(i, j int) bool {
		return rewards[order[i]] > rewards[order[j]]
	})

	prevMean := mat.NewVecDense(o.nParams, nil)
	o.policy.Mean(prevMean.RawVector().Data, o.one)

	newMean := mat.NewVecDense(o.nParams, nil)
	row := make([]float64, o.nParams)

	for k := 0; k < o.mu; k++ {
		mat.Row(row, order[k], params)
		newMean.AddScaledVec(newMean, o.weights[k], mat.NewVecDense(o.nParams, row))
	}

	stepScale := math.Sqrt(o.variance)

	delta := mat.NewVecDense(o.nParams, nil)
	delta.SubVec(newMean, prevMean)
	delta.ScaleVec(1/stepScale, delta)

	shape := mat.NewSymDense(o.nParams, nil)
	shape.ScaleSym(1/o.variance, o.policy.Covariance())

	invSqrt, err := invSqrtSym(shape, covarianceEigenFloor)
	if err != nil {
		return err
	}

	whitened := mat.NewVecDense(o.nParams, nil)
	whitened.MulVec(invSqrt, delta)

	psNew := mat.NewVecDense(o.nParams, nil)
	psNew.ScaleVec(1-o.cSigma, o.ps)
	psNew.AddScaledVec(psNew, math.Sqrt(o.cSigma*(2-o.cSigma)*o.muEff), whitened)

	psNorm := math.Sqrt(mat.Dot(psNew, psNew))
	if math.IsNaN(psNorm) || math.IsInf(psNorm, 0) {
		return &NumericalError{Op: "step size path", Err: fmt.Errorf("evolution path diverged")}
	}

	generation := o.it / o.lambda

	expectedGrowth := math.Sqrt(1 - math.Pow(1-o.cSigma, 2*float64(generation)))

	hsig := 0.0
	if psNorm/expectedGrowth/o.chiN < 1.4+2/float64(o.nParams+1) {
		hsig = 1
	}

	pcNew := mat.NewVecDense(o.nParams, nil)
	pcNew.ScaleVec(1-o.cC, o.pc)
	pcNew.AddScaledVec(pcNew, hsig*math.Sqrt(o.cC*(2-o.cC)*o.muEff), delta)

	// Rank-one and rank-mu recombination, with the stall correction
	// keeping the shape trace unbiased when hsig suppressed the
	// rank-one contribution.
	next := mat.NewSymDense(o.nParams, nil)
	next.ScaleSym(1-o.c1-o.cMu+(1-hsig)*o.c1*o.cC*(2-o.cC), shape)
	next.SymRankOne(next, o.c1, pcNew)

	for k := 0; k < o.mu; k++ {
		mat.Row(row, order[k], params)
		for j := range row {
			row[j] = (row[j] - prevMean.AtVec(j)) / stepScale
		}

		next.SymRankOne(next, o.cMu*o.weights[k], mat.NewVecDense(o.nParams, row))
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

	if vals[0] < -covariancePSDTolerance*math.Max(1, maxAbs) {
		return &NumericalError{Op: "covariance update", Err: fmt.Errorf("updated covariance lost positive semi-definiteness")}
	}

	logStep := o.cSigma / o.dSigma * (psNorm/o.chiN - 1)
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

	meanColumn := mat.NewDense(o.nParams, 1, nil)
	meanColumn.SetCol(0, newMean.RawVector().Data)

	// Commit.
	if err := o.policy.SetWeights(meanColumn); err != nil {
		return err
	}

	if err := o.policy.SetCovariance(effective); err != nil {
		return err
	}

	o.ps = psNew
	o.pc = pcNew
	o.variance = varianceNew

	o.log.Info("distribution updated",
		slog.Int("generation", generation),
		slog.Float64("best_reward", o.bestReward),
		slog.Float64("variance", varianceNew),
	)

	return nil
}

//////
// Factory.
//////

// NewCMAESOptimizer creates a covariance matrix adaptation evolution
// strategy for context-free problems.
//
// Parameters:
//   - config: optimizer configuration. Zero fields select the defaults
//     documented on Config; Epsilon, MinEta and ContextFeatures are
//     ignored because no dual reweighting takes place. A zero
//     NSamplesPerUpdate selects the generation size 4 + floor(3*ln(n)).
//
// Returns:
//   - *CMAESOptimizer: ready for Init.
//
// Usage example:
//
//	opt := cepo.NewCMAESOptimizer(cepo.Config{RandomSeed: 42})
//	if err := opt.Init(10); err != nil {
//		log.Fatal(err)
//	}
func NewCMAESOptimizer(config Config) *CMAESOptimizer {
	config = config.withDefaults()

	return &CMAESOptimizer{
		cfg: config,
		log: loggerOrDiscard(config.Logger),
	}
}

package cepo

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
)

// EpisodeUpdate represents the state of a learning run after one episode.
// Controllers send one per episode on the configured progress channel.
type EpisodeUpdate struct {
	// Episode is the 1-based episode number.
	Episode int

	// TotalEpisodes is the total number of episodes the run will execute.
	TotalEpisodes int

	// Context holds the context the episode ran in. Nil for
	// non-contextual runs.
	Context []float64

	// Reward is the accumulated reward of this episode.
	Reward float64

	// BestReward is the best accumulated reward seen so far in this run.
	BestReward float64
}

// ParameterOptimizer is the capability contract for black-box optimizers
// that search a fixed-dimensional parameter space without any notion of
// context. Implementations own all of their state; none of the methods may
// be called from multiple goroutines concurrently.
//
// Protocol:
//  1. Init fixes the dimensionality and allocates state
//  2. GetNextParameters fills a caller-owned buffer with the next sample
//  3. SetEvaluationFeedback reports the rewards of that sample
//  4. Steps 2 and 3 alternate strictly; feedback triggers internal updates
type ParameterOptimizer interface {
	// Init prepares the optimizer for a parameter space with nParams
	// dimensions. It must be called exactly once, before any other
	// method.
	Init(nParams int) error

	// GetNextParameters writes the next parameter vector to evaluate
	// into params, which must have exactly nParams elements. With
	// explore set to false the current distribution mean is returned
	// deterministically.
	GetNextParameters(params []float64, explore bool) error

	// SetEvaluationFeedback reports the rewards collected while
	// evaluating the most recent parameter vector. The accumulated
	// reward is their sum.
	SetEvaluationFeedback(rewards []float64) error

	// BestParameters returns the best parameter vector observed so far.
	BestParameters() []float64

	// IsBehaviorLearningDone reports whether the optimizer considers
	// the search finished.
	IsBehaviorLearningDone() bool
}

// ContextualParameterOptimizer is the capability contract for optimizers
// that condition their samples on an externally observed context. It is a
// distinct contract from ParameterOptimizer, selected at construction
// time; the two deliberately do not form a hierarchy.
//
// Protocol:
//  1. Init fixes parameter and context dimensionality
//  2. SetContext announces the context of the upcoming episode
//  3. GetNextParameters samples conditioned on that context
//  4. SetEvaluationFeedback reports the episode's rewards
type ContextualParameterOptimizer interface {
	// Init prepares the optimizer for nParams parameter dimensions and
	// nContextDims context dimensions. It must be called exactly once,
	// before any other method.
	Init(nParams, nContextDims int) error

	// GetDesiredContext returns the context the optimizer would like to
	// be evaluated in next, or nil when it has no preference and the
	// environment should choose.
	GetDesiredContext() []float64

	// SetContext stores the context for the next sampling call. The
	// slice is copied.
	SetContext(context []float64) error

	// GetNextParameters writes the next parameter vector for the
	// current context into params. With explore set to false the
	// context-conditioned mean is returned deterministically.
	GetNextParameters(params []float64, explore bool) error

	// SetEvaluationFeedback reports the rewards collected while
	// evaluating the most recent parameter vector in its context.
	SetEvaluationFeedback(rewards []float64) error

	// BestPolicy returns the current upper-level policy. The returned
	// handle must be treated as read-only; two calls without an
	// intervening feedback observe identical policy state.
	BestPolicy() *ContextTransformationPolicy

	// IsBehaviorLearningDone reports whether the optimizer considers
	// the search finished.
	IsBehaviorLearningDone() bool
}

// ContextTransform maps a raw context vector to the feature vector the
// policy mean is linear in. Implementations must be stateless; the package
// provides Constant, Linear, Affine, Quadratic, and Cubic.
type ContextTransform interface {
	// NumFeatures returns the feature count produced for a context of
	// the given dimension.
	NumFeatures(nContextDims int) int

	// Transform writes the features of context into dst, which must
	// have NumFeatures(len(context)) elements.
	Transform(dst, context []float64)
}

// Config holds all construction-time settings of the optimizers in this
// package. Every field only influences initialization; mutating a Config
// after the optimizer's Init has run has no effect.
//
// The zero value of each field selects the documented default, so a
// partially filled literal is valid. Start from DefaultConfig and adjust.
//
// Usage example:
//
//	config := cepo.DefaultConfig()
//	config.Epsilon = 1.0
//	config.RandomSeed = 42
//
//	opt := cepo.NewCCMAESOptimizer(config)
//	if err := opt.Init(2, 1); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// InitialParams is the mean parameter vector the search starts
	// from. Nil selects the zero vector. The length must equal the
	// nParams passed to Init.
	InitialParams []float64

	// Variance is the initial global step size (the scalar variance
	// multiplying the covariance). Zero selects 1.0.
	Variance float64

	// Covariance is the initial covariance shape. Nil selects the
	// identity. Pass mat.NewDiagDense for a diagonal initialization or
	// any mat.Symmetric for a full one; its order must equal nParams.
	Covariance mat.Symmetric

	// Epsilon is the KL divergence bound of the dual reweighting.
	// Larger values allow greedier updates. Zero selects 2.0.
	Epsilon float64

	// MinEta is the lower bound of the dual temperature, keeping the
	// softmax weighting away from degenerate temperatures. Zero selects
	// 1e-8.
	MinEta float64

	// NSamplesPerUpdate is the number of evaluations gathered between
	// policy updates, and the capacity of the sample history. Zero
	// derives the dimension-dependent default
	// 4 + floor(3*ln(nParams+nContextDims)) * (1 + 2*nContextDims).
	NSamplesPerUpdate int

	// ContextFeatures selects the context feature transform of the
	// policy mean. Nil selects Affine. Ignored by non-contextual
	// optimizers.
	ContextFeatures ContextTransform

	// Gamma is the Tikhonov regularization of the weighted policy
	// refit. Zero selects 1e-4.
	Gamma float64

	// RandomSeed seeds all random sampling. Zero derives a seed from
	// the wall clock; any other value makes runs reproducible.
	RandomSeed uint64

	// Logger receives one structured record per update cycle. Nil
	// disables logging entirely.
	Logger *slog.Logger
}

//////
// Helper functions.
//////

// withDefaults resolves every zero field to its documented default.
func (c Config) withDefaults() Config {
	if c.Variance == 0 {
		c.Variance = 1.0
	}

	if c.Epsilon == 0 {
		c.Epsilon = 2.0
	}

	if c.MinEta == 0 {
		c.MinEta = 1e-8
	}

	if c.Gamma == 0 {
		c.Gamma = 1e-4
	}

	if c.ContextFeatures == nil {
		c.ContextFeatures = Affine
	}

	return c
}

// validate rejects settings that no optimizer can run with.
func (c Config) validate() error {
	if c.Variance <= 0 || math.IsNaN(c.Variance) || math.IsInf(c.Variance, 0) {
		return fmt.Errorf("variance must be a positive finite number, got %v", c.Variance)
	}

	if c.Epsilon <= 0 || math.IsNaN(c.Epsilon) || math.IsInf(c.Epsilon, 0) {
		return fmt.Errorf("epsilon must be a positive finite number, got %v", c.Epsilon)
	}

	if c.MinEta <= 0 || math.IsNaN(c.MinEta) || math.IsInf(c.MinEta, 0) {
		return fmt.Errorf("minimum eta must be a positive finite number, got %v", c.MinEta)
	}

	if c.Gamma < 0 || math.IsNaN(c.Gamma) || math.IsInf(c.Gamma, 0) {
		return fmt.Errorf("gamma must be a non-negative finite number, got %v", c.Gamma)
	}

	if c.NSamplesPerUpdate < 0 {
		return fmt.Errorf("samples per update must be non-negative, got %d", c.NSamplesPerUpdate)
	}

	return nil
}

// loggerOrDiscard hands back the given logger, or one that drops every
// record when none was configured.
func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// defaultSamplesPerUpdate is the dimension-dependent batch size used
// when the configuration leaves NSamplesPerUpdate at zero.
func defaultSamplesPerUpdate(nTotalDims, nContextDims int) int {
	return 4 + int(3*math.Log(float64(nTotalDims)))*(1+2*nContextDims)
}

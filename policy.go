package cepo

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

//////
// Const, vars, types.
//////

const (
	// covarianceJitterScale is the relative size of the first diagonal
	// jitter applied when a sampling covariance fails to factorize.
	covarianceJitterScale = 1e-10

	// maxCovarianceJitterRetries bounds the jitter ladder. Each retry
	// multiplies the jitter by ten.
	maxCovarianceJitterRetries = 8
)

// LinearGaussianPolicy is a Gaussian search distribution whose mean is a
// linear function of a feature vector: theta ~ N(W*phi, Sigma). It is the
// upper-level policy every optimizer in this package adapts.
//
// Fields are unexported; the weight matrix and covariance are reached
// through accessors that copy, so callers can never alias internal state.
//
// Invariants:
// - W has one row per parameter and one column per feature
// - Sigma is symmetric positive semi-definite of order nParams
// - The noise sampler is rebuilt lazily whenever Sigma changes
//
// Instances are not safe for concurrent use; every optimizer owns its
// policy exclusively.
type LinearGaussianPolicy struct {
	nParams   int
	nFeatures int

	// gamma is the Tikhonov regularization strength of Fit.
	gamma float64

	// weights is the mean map W, nParams x nFeatures.
	weights *mat.Dense

	// covariance is the effective sampling covariance Sigma.
	covariance *mat.SymDense

	src    rand.Source
	normal *distmv.Normal
	zero   []float64
	noise  []float64
}

// ContextTransformationPolicy composes a ContextTransform with a
// LinearGaussianPolicy so that callers interact in raw context space while
// the underlying policy operates on transformed features. This is the
// policy type contextual optimizers expose through BestPolicy.
type ContextTransformationPolicy struct {
	transform    ContextTransform
	nParams      int
	nContextDims int
	nFeatures    int

	linear *LinearGaussianPolicy
	buf    []float64
}

//////
// Methods.
//////

// NumParams returns the parameter space dimension.
func (p *LinearGaussianPolicy) NumParams() int { return p.nParams }

// NumFeatures returns the feature space dimension.
func (p *LinearGaussianPolicy) NumFeatures() int { return p.nFeatures }

// Mean writes W*features into dst and returns it. A nil dst is allocated;
// otherwise dst must have exactly NumParams elements.
func (p *LinearGaussianPolicy) Mean(dst, features []float64) []float64 {
	if dst == nil {
		dst = make([]float64, p.nParams)
	}

	out := mat.NewVecDense(p.nParams, dst)
	out.MulVec(p.weights, mat.NewVecDense(p.nFeatures, features))

	return dst
}

// Sample draws one parameter vector for the given features and writes it
// into dst, returning it. With explore set to false the mean is returned
// deterministically and no randomness is consumed.
//
// Returns:
// - []float64: The sampled parameters (dst, allocated when nil)
// - error: NumericalError when the covariance cannot be factorized even
//   after diagonal jitter
func (p *LinearGaussianPolicy) Sample(dst, features []float64, explore bool) ([]float64, error) {
	dst = p.Mean(dst, features)

	if !explore {
		return dst, nil
	}

	if err := p.ensureSampler(); err != nil {
		return nil, err
	}

	p.noise = p.normal.Rand(p.noise)
	floats.Add(dst, p.noise)

	return dst, nil
}

// Fit refits the policy to a weighted batch: the mean map by Tikhonov
// regularized weighted least squares and the covariance by the weighted
// residual scatter with the standard effective-sample-size normalization.
//
// Parameters:
// - features: Batch feature matrix, one row per sample
// - targets: Batch parameter matrix, one row per sample
// - weights: Non-negative sample weights, one per row
//
// The covariance is left unchanged when the weights carry fewer than two
// effective samples, since a scatter estimate would be degenerate.
func (p *LinearGaussianPolicy) Fit(features, targets *mat.Dense, weights []float64) error {
	n, f := features.Dims()

	tn, tp := targets.Dims()
	if tn != n {
		return &DimensionError{What: "target rows", Expected: n, Got: tn}
	}

	if tp != p.nParams {
		return &DimensionError{What: "target columns", Expected: p.nParams, Got: tp}
	}

	if f != p.nFeatures {
		return &DimensionError{What: "feature columns", Expected: p.nFeatures, Got: f}
	}

	if len(weights) != n {
		return &DimensionError{What: "sample weights", Expected: n, Got: len(weights)}
	}

	wSum := floats.Sum(weights)
	if wSum <= 0 {
		return &NumericalError{Op: "covariance refit weights"}
	}

	var wSq float64
	for _, w := range weights {
		wSq += w * w
	}

	fitted, err := fitLinearGaussian(features, targets, weights, p.gamma)
	if err != nil {
		return err
	}

	p.weights = fitted

	// Weighted residual scatter. Z is the effective denominator that
	// makes the estimate unbiased under importance weights.

	z := (wSum*wSum - wSq) / wSum
	if z <= 1e-12 {
		return nil
	}

	scatter := mat.NewSymDense(p.nParams, nil)
	residual := mat.NewVecDense(p.nParams, nil)
	featRow := make([]float64, f)
	targetRow := make([]float64, p.nParams)

	for i := 0; i < n; i++ {
		mat.Row(featRow, i, features)
		mat.Row(targetRow, i, targets)

		residual.MulVec(p.weights, mat.NewVecDense(f, featRow))
		residual.SubVec(mat.NewVecDense(p.nParams, targetRow), residual)

		scatter.SymRankOne(scatter, weights[i]/z, residual)
	}

	p.covariance.CopySym(scatter)
	p.normal = nil

	return nil
}

// Weights returns a copy of the mean map W.
func (p *LinearGaussianPolicy) Weights() *mat.Dense {
	out := mat.NewDense(p.nParams, p.nFeatures, nil)
	out.Copy(p.weights)

	return out
}

// SetWeights replaces the mean map W with a copy of w.
func (p *LinearGaussianPolicy) SetWeights(w *mat.Dense) error {
	r, c := w.Dims()
	if r != p.nParams {
		return &DimensionError{What: "weight rows", Expected: p.nParams, Got: r}
	}

	if c != p.nFeatures {
		return &DimensionError{What: "weight columns", Expected: p.nFeatures, Got: c}
	}

	p.weights.Copy(w)

	return nil
}

// Covariance returns a copy of the effective sampling covariance Sigma.
func (p *LinearGaussianPolicy) Covariance() *mat.SymDense {
	out := mat.NewSymDense(p.nParams, nil)
	out.CopySym(p.covariance)

	return out
}

// SetCovariance replaces Sigma with a copy of sigma and invalidates the
// noise sampler.
func (p *LinearGaussianPolicy) SetCovariance(sigma mat.Symmetric) error {
	if sigma.SymmetricDim() != p.nParams {
		return &DimensionError{What: "covariance order", Expected: p.nParams, Got: sigma.SymmetricDim()}
	}

	p.covariance.CopySym(sigma)
	p.normal = nil

	return nil
}

// ensureSampler lazily rebuilds the zero-mean noise sampler. Covariances
// that are only semi-definite get increasing diagonal jitter until the
// factorization succeeds.
func (p *LinearGaussianPolicy) ensureSampler() error {
	if p.normal != nil {
		return nil
	}

	cov := mat.NewSymDense(p.nParams, nil)
	cov.CopySym(p.covariance)

	var trace float64
	for i := 0; i < p.nParams; i++ {
		trace += cov.At(i, i)
	}

	jitter := covarianceJitterScale * (1 + math.Abs(trace)/float64(p.nParams))

	for attempt := 0; attempt <= maxCovarianceJitterRetries; attempt++ {
		normal, ok := distmv.NewNormal(p.zero, cov, p.src)
		if ok {
			p.normal = normal

			return nil
		}

		for i := 0; i < p.nParams; i++ {
			cov.SetSym(i, i, cov.At(i, i)+jitter)
		}

		jitter *= 10
	}

	return &NumericalError{Op: "sampling covariance factorization"}
}

// NumParams returns the parameter space dimension.
func (p *ContextTransformationPolicy) NumParams() int { return p.nParams }

// NumContextDims returns the context space dimension.
func (p *ContextTransformationPolicy) NumContextDims() int { return p.nContextDims }

// NumFeatures returns the transformed feature dimension.
func (p *ContextTransformationPolicy) NumFeatures() int { return p.nFeatures }

// Transform writes the feature vector of context into dst and returns it.
// A nil dst is allocated.
func (p *ContextTransformationPolicy) Transform(dst, context []float64) ([]float64, error) {
	if len(context) != p.nContextDims {
		return nil, &DimensionError{What: "context", Expected: p.nContextDims, Got: len(context)}
	}

	if dst == nil {
		dst = make([]float64, p.nFeatures)
	}

	p.transform.Transform(dst, context)

	return dst, nil
}

// Mean writes the context-conditioned mean into dst and returns it.
func (p *ContextTransformationPolicy) Mean(dst, context []float64) ([]float64, error) {
	if _, err := p.Transform(p.buf, context); err != nil {
		return nil, err
	}

	return p.linear.Mean(dst, p.buf), nil
}

// Sample draws one parameter vector conditioned on context. With explore
// set to false the context-conditioned mean is returned deterministically.
func (p *ContextTransformationPolicy) Sample(dst, context []float64, explore bool) ([]float64, error) {
	if _, err := p.Transform(p.buf, context); err != nil {
		return nil, err
	}

	return p.linear.Sample(dst, p.buf, explore)
}

// Fit refits the policy to a weighted batch of already transformed
// features. Optimizers that store transformed features call this directly.
func (p *ContextTransformationPolicy) Fit(features, targets *mat.Dense, weights []float64) error {
	return p.linear.Fit(features, targets, weights)
}

// FitContexts refits the policy to a weighted batch given in raw context
// space, transforming every row first.
func (p *ContextTransformationPolicy) FitContexts(contexts, targets *mat.Dense, weights []float64) error {
	n, c := contexts.Dims()
	if c != p.nContextDims {
		return &DimensionError{What: "context columns", Expected: p.nContextDims, Got: c}
	}

	features := mat.NewDense(n, p.nFeatures, nil)
	row := make([]float64, c)

	for i := 0; i < n; i++ {
		mat.Row(row, i, contexts)
		p.transform.Transform(p.buf, row)
		features.SetRow(i, p.buf)
	}

	return p.linear.Fit(features, targets, weights)
}

// Weights returns a copy of the mean map W.
func (p *ContextTransformationPolicy) Weights() *mat.Dense { return p.linear.Weights() }

// SetWeights replaces the mean map W with a copy of w.
func (p *ContextTransformationPolicy) SetWeights(w *mat.Dense) error { return p.linear.SetWeights(w) }

// Covariance returns a copy of the effective sampling covariance Sigma.
func (p *ContextTransformationPolicy) Covariance() *mat.SymDense { return p.linear.Covariance() }

// SetCovariance replaces Sigma with a copy of sigma.
func (p *ContextTransformationPolicy) SetCovariance(sigma mat.Symmetric) error {
	return p.linear.SetCovariance(sigma)
}

//////
// Helper functions.
//////

// fitLinearGaussian solves the weighted ridge regression
// W = (Phi^T D Phi + gamma*I)^-1 Phi^T D Theta and returns it transposed
// to the policy's parameter-major layout. A Cholesky solve is attempted
// first; the dense solver covers gram matrices the factorization rejects.
func fitLinearGaussian(features, targets *mat.Dense, weights []float64, gamma float64) (*mat.Dense, error) {
	n, f := features.Dims()
	_, p := targets.Dims()

	weighted := mat.NewDense(n, f, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			weighted.Set(i, j, weights[i]*features.At(i, j))
		}
	}

	var gram mat.Dense
	gram.Mul(features.T(), weighted)

	var rhs mat.Dense
	rhs.Mul(weighted.T(), targets)

	sym := mat.NewSymDense(f, nil)
	for i := 0; i < f; i++ {
		for j := i; j < f; j++ {
			sym.SetSym(i, j, 0.5*(gram.At(i, j)+gram.At(j, i)))
		}

		sym.SetSym(i, i, sym.At(i, i)+gamma)
	}

	solved := mat.NewDense(f, p, nil)

	var chol mat.Cholesky
	if chol.Factorize(sym) {
		if err := chol.SolveTo(solved, &rhs); err != nil {
			return nil, &NumericalError{Op: "policy refit", Err: err}
		}
	} else {
		for i := 0; i < f; i++ {
			gram.Set(i, i, gram.At(i, i)+gamma)
		}

		if err := solved.Solve(&gram, &rhs); err != nil {
			return nil, &NumericalError{Op: "policy refit", Err: err}
		}
	}

	out := mat.NewDense(p, f, nil)
	out.Copy(solved.T())

	if !allFinite(out.RawMatrix().Data) {
		return nil, &NumericalError{Op: "policy refit"}
	}

	return out, nil
}

//////
// Factory.
//////

// NewLinearGaussianPolicy creates a policy over nParams parameters and
// nFeatures features.
//
// Parameters:
// - mean: Initial mean written into the first weight column; nil selects
//   the zero vector. With a bias feature in front this makes the policy
//   mean equal the initial parameters for every context.
// - covariance: Initial effective sampling covariance; nil selects the
//   identity.
// - gamma: Tikhonov regularization strength used by Fit.
// - seed: Seed for the noise source; zero derives one from the wall clock.
func NewLinearGaussianPolicy(nParams, nFeatures int, mean []float64, covariance mat.Symmetric, gamma float64, seed uint64) (*LinearGaussianPolicy, error) {
	if nParams < 1 {
		return nil, fmt.Errorf("parameter count must be positive, got %d", nParams)
	}

	if nFeatures < 1 {
		return nil, fmt.Errorf("feature count must be positive, got %d", nFeatures)
	}

	if mean != nil && len(mean) != nParams {
		return nil, &DimensionError{What: "initial mean", Expected: nParams, Got: len(mean)}
	}

	weights := mat.NewDense(nParams, nFeatures, nil)
	if mean != nil {
		weights.SetCol(0, mean)
	}

	cov := mat.NewSymDense(nParams, nil)
	if covariance == nil {
		for i := 0; i < nParams; i++ {
			cov.SetSym(i, i, 1)
		}
	} else {
		if covariance.SymmetricDim() != nParams {
			return nil, &DimensionError{
				What:     "initial covariance order",
				Expected: nParams,
				Got:      covariance.SymmetricDim(),
			}
		}

		cov.CopySym(covariance)
	}

	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &LinearGaussianPolicy{
		nParams:    nParams,
		nFeatures:  nFeatures,
		gamma:      gamma,
		weights:    weights,
		covariance: cov,
		src:        rand.NewSource(seed),
		zero:       make([]float64, nParams),
	}, nil
}

// NewContextTransformationPolicy creates a context-conditioned policy over
// nParams parameters and nContextDims context dimensions. A nil transform
// selects Affine. The remaining parameters match NewLinearGaussianPolicy.
func NewContextTransformationPolicy(transform ContextTransform, nParams, nContextDims int, mean []float64, covariance mat.Symmetric, gamma float64, seed uint64) (*ContextTransformationPolicy, error) {
	if transform == nil {
		transform = Affine
	}

	if nContextDims < 0 {
		return nil, fmt.Errorf("context dimension must be non-negative, got %d", nContextDims)
	}

	nFeatures := transform.NumFeatures(nContextDims)
	if nFeatures < 1 {
		return nil, fmt.Errorf("context transform produces %d features", nFeatures)
	}

	linear, err := NewLinearGaussianPolicy(nParams, nFeatures, mean, covariance, gamma, seed)
	if err != nil {
		return nil, err
	}

	return &ContextTransformationPolicy{
		transform:    transform,
		nParams:      nParams,
		nContextDims: nContextDims,
		nFeatures:    nFeatures,
		linear:       linear,
		buf:          make([]float64, nFeatures),
	}, nil
}

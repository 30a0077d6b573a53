package cepo

import (
	"fmt"
	"math"
)

//////
// Const, vars, types.
//////

// Scaling maps parameters between the normalized space the optimizers
// search in and the physical space an actuator expects, one factor per
// component. Searching in normalized space keeps the isotropic initial
// covariance meaningful when parameter magnitudes differ by orders of
// magnitude.
type Scaling struct {
	factors []float64
}

// BoundedScalingPolicy wraps a context-conditioned policy for deployment:
// samples are scaled to physical space and clipped to actuator bounds
// before they leave the policy. The wrapped policy keeps searching in
// normalized, unbounded space.
type BoundedScalingPolicy struct {
	scaling *Scaling
	inner   *ContextTransformationPolicy
	lower   []float64
	upper   []float64
}

//////
// Methods.
//////

// NumParams returns the parameter space dimension.
func (s *Scaling) NumParams() int { return len(s.factors) }

// Scale writes the physical-space image of params into dst and returns it.
// A nil dst is allocated.
func (s *Scaling) Scale(dst, params []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(s.factors))
	}

	for i, f := range s.factors {
		dst[i] = params[i] * f
	}

	return dst
}

// InvScale writes the normalized-space preimage of params into dst and
// returns it. A nil dst is allocated.
func (s *Scaling) InvScale(dst, params []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(s.factors))
	}

	for i, f := range s.factors {
		dst[i] = params[i] / f
	}

	return dst
}

// Policy returns the wrapped context-conditioned policy.
func (b *BoundedScalingPolicy) Policy() *ContextTransformationPolicy { return b.inner }

// Sample draws one physical-space parameter vector for the given context:
// the wrapped policy samples in normalized space, the result is scaled and
// clipped to the configured bounds.
func (b *BoundedScalingPolicy) Sample(dst, context []float64, explore bool) ([]float64, error) {
	out, err := b.inner.Sample(dst, context, explore)
	if err != nil {
		return nil, err
	}

	b.scaling.Scale(out, out)

	for i := range out {
		out[i] = clamp(out[i], b.lower[i], b.upper[i])
	}

	return out, nil
}

// Mean returns the clipped physical-space mean for the given context.
func (b *BoundedScalingPolicy) Mean(dst, context []float64) ([]float64, error) {
	return b.Sample(dst, context, false)
}

// InvScale maps physical-space parameters back to the normalized space of
// the wrapped policy, for feeding externally observed parameters into
// learning.
func (b *BoundedScalingPolicy) InvScale(dst, params []float64) []float64 {
	return b.scaling.InvScale(dst, params)
}

//////
// Factory.
//////

// NewScaling creates a component-wise scaling with factors
// sqrt(variance * covarianceDiag[i]). A nil covarianceDiag selects the
// uniform factor sqrt(variance) for all nParams components.
func NewScaling(nParams int, variance float64, covarianceDiag []float64) (*Scaling, error) {
	if nParams < 1 {
		return nil, fmt.Errorf("parameter count must be positive, got %d", nParams)
	}

	if variance <= 0 {
		return nil, fmt.Errorf("scaling variance must be positive, got %g", variance)
	}

	if covarianceDiag != nil && len(covarianceDiag) != nParams {
		return nil, &DimensionError{What: "covariance diagonal", Expected: nParams, Got: len(covarianceDiag)}
	}

	factors := make([]float64, nParams)
	for i := range factors {
		d := 1.0
		if covarianceDiag != nil {
			d = covarianceDiag[i]
		}

		if d <= 0 {
			return nil, fmt.Errorf("covariance diagonal entry %d must be positive, got %g", i, d)
		}

		factors[i] = math.Sqrt(variance * d)
	}

	return &Scaling{factors: factors}, nil
}

// NewBoundedScalingPolicy wraps policy with scaling and per-component
// bounds. A nil scaling selects the identity; lower and upper must have
// one entry per parameter with lower[i] <= upper[i].
func NewBoundedScalingPolicy(policy *ContextTransformationPolicy, scaling *Scaling, lower, upper []float64) (*BoundedScalingPolicy, error) {
	n := policy.NumParams()

	if scaling == nil {
		var err error

		scaling, err = NewScaling(n, 1, nil)
		if err != nil {
			return nil, err
		}
	}

	if scaling.NumParams() != n {
		return nil, &DimensionError{What: "scaling factors", Expected: n, Got: scaling.NumParams()}
	}

	if len(lower) != n {
		return nil, &DimensionError{What: "lower bounds", Expected: n, Got: len(lower)}
	}

	if len(upper) != n {
		return nil, &DimensionError{What: "upper bounds", Expected: n, Got: len(upper)}
	}

	for i := range lower {
		if lower[i] > upper[i] {
			return nil, fmt.Errorf("bound %d is empty: lower %g exceeds upper %g", i, lower[i], upper[i])
		}
	}

	return &BoundedScalingPolicy{
		scaling: scaling,
		inner:   policy,
		lower:   append([]float64(nil), lower...),
		upper:   append([]float64(nil), upper...),
	}, nil
}

package cepo

//////
// Available context feature transforms for context-conditioned policies.
// Each transform maps a raw context vector to the feature vector the policy
// mean is linear in, trading model capacity against sample efficiency.
//////

// Constant ignores the context and emits the single bias feature. Use it
// when the optimum genuinely does not depend on the context, which reduces
// a contextual policy search to a plain stochastic search.
//
// Feature layout: [1]
var Constant ContextTransform = constantTransform{}

// Linear emits the raw context components without a bias term.
//
// How it works:
// - The policy mean becomes a strictly linear function of the context
// - There is no constant offset, so the mean is zero at the zero context
//
// When to use:
// - When the parameter offset is known to be zero
// - When contexts are centered and an offset would be redundant
//
// Note: initial parameters are written into the first weight column, so
// with this transform they scale the first context component instead of
// acting as an offset. Prefer Affine unless that is intended.
//
// Feature layout: [s_1 .. s_k]
var Linear ContextTransform = polynomialTransform{degree: 1}

// Affine emits a bias feature followed by the raw context components. This
// is the default transform: the policy mean is an affine map of the
// context, and the initial parameter vector occupies the bias column so
// the search starts exactly at the configured mean for every context.
//
// Feature layout: [1, s_1 .. s_k]
var Affine ContextTransform = polynomialTransform{degree: 1, bias: true}

// Quadratic extends Affine with all second-order context monomials,
// including cross terms.
//
// When to use:
// - When the optimal parameters bend nonlinearly with the context
// - When enough samples per update are available to fit the extra columns
//
// Feature layout: [1, s_1 .. s_k, s_1*s_1, s_1*s_2, .., s_k*s_k]
var Quadratic ContextTransform = polynomialTransform{degree: 2, bias: true}

// Cubic extends Quadratic with all third-order context monomials. The
// feature count grows cubically with the context dimension, so budget the
// samples per update accordingly.
var Cubic ContextTransform = polynomialTransform{degree: 3, bias: true}

//////
// Implementations.
//////

// constantTransform emits only the bias feature.
type constantTransform struct{}

// NumFeatures implements ContextTransform.
func (constantTransform) NumFeatures(int) int { return 1 }

// Transform implements ContextTransform.
func (constantTransform) Transform(dst, _ []float64) {
	dst[0] = 1
}

// polynomialTransform emits all context monomials up to the configured
// degree, optionally preceded by a bias feature. Monomials are generated
// with non-decreasing index tuples so each product appears exactly once.
type polynomialTransform struct {
	degree int
	bias   bool
}

// NumFeatures implements ContextTransform.
func (p polynomialTransform) NumFeatures(nContextDims int) int {
	n := nContextDims

	count := n
	if p.bias {
		count++
	}

	if p.degree >= 2 {
		count += n * (n + 1) / 2
	}

	if p.degree >= 3 {
		count += n * (n + 1) * (n + 2) / 6
	}

	return count
}

// Transform implements ContextTransform. dst must have NumFeatures
// elements for the context's dimension.
func (p polynomialTransform) Transform(dst, context []float64) {
	i := 0

	if p.bias {
		dst[i] = 1
		i++
	}

	for a := 0; a < len(context); a++ {
		dst[i] = context[a]
		i++
	}

	if p.degree >= 2 {
		for a := 0; a < len(context); a++ {
			for b := a; b < len(context); b++ {
				dst[i] = context[a] * context[b]
				i++
			}
		}
	}

	if p.degree >= 3 {
		for a := 0; a < len(context); a++ {
			for b := a; b < len(context); b++ {
				for c := b; c < len(context); c++ {
					dst[i] = context[a] * context[b] * context[c]
					i++
				}
			}
		}
	}
}

package cepo

import (
	"math"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

//////
// Helper functions.
//////

// logSumExp computes log(sum(exp(x))) with the usual max shift so that
// large magnitudes do not overflow.
//
// Returns:
// - Negative infinity for an empty input.
func logSumExp(x []float64) float64 {
	if len(x) == 0 {
		return math.Inf(-1)
	}

	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}

	// A non-finite maximum dominates the sum either way.
	if math.IsInf(max, 0) || math.IsNaN(max) {
		return max
	}

	var sum float64
	for _, v := range x {
		sum += math.Exp(v - max)
	}

	return max + math.Log(sum)
}

// clamp limits v to the closed interval [lo, hi].
func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

// allFinite reports whether every element of x is neither NaN nor infinite.
func allFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}

	return true
}

// columnMeans returns the per-column means of m.
func columnMeans(m *mat.Dense) []float64 {
	r, c := m.Dims()

	out := make([]float64, c)
	col := make([]float64, r)

	for j := 0; j < c; j++ {
		mat.Col(col, j, m)
		out[j] = stat.Mean(col, nil)
	}

	return out
}

// symEigenvalues returns the eigenvalues of a symmetric matrix in ascending
// order. The second return value is false when the factorization fails.
func symEigenvalues(a *mat.SymDense) ([]float64, bool) {
	var eig mat.EigenSym
	if !eig.Factorize(a, false) {
		return nil, false
	}

	return eig.Values(nil), true
}

// invSqrtSym computes the inverse matrix square root of a symmetric
// positive semi-definite matrix through its eigendecomposition. Eigenvalues
// below floor are raised to floor before inversion so that numerically
// vanished directions do not blow up.
//
// Returns:
// - *mat.SymDense: The reconstructed inverse square root
// - error: NumericalError when the factorization fails or an eigenvalue is
//   not finite
func invSqrtSym(a *mat.SymDense, floor float64) (*mat.SymDense, error) {
	n := a.SymmetricDim()

	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return nil, &NumericalError{Op: "eigendecomposition"}
	}

	vals := eig.Values(nil)

	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	out := mat.NewSymDense(n, nil)

	for k := 0; k < n; k++ {
		ev := vals[k]
		if math.IsNaN(ev) || math.IsInf(ev, 0) {
			return nil, &NumericalError{Op: "eigendecomposition"}
		}

		if ev < floor {
			ev = floor
		}

		out.SymRankOne(out, 1/math.Sqrt(ev), vecs.ColView(k))
	}

	return out, nil
}

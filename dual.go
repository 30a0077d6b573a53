package cepo

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

//////
// Const, vars, types.
//////

const (
	// dualMaxIterations caps the quasi-Newton iterations of one dual
	// solve.
	dualMaxIterations = 200

	// dualGradientTolerance is the gradient norm below which the dual
	// solve is considered converged.
	dualGradientTolerance = 1e-9

	// dualKLAbsTol and dualKLRelTol bound how far above epsilon the
	// realized divergence may land before the solve is rejected.
	dualKLAbsTol = 1e-8
	dualKLRelTol = 1e-3

	// dualBoundShortfall and dualUniformKLFraction detect the floored
	// temperature case: the solved weights stayed nearly uniform
	// (divergence under a small fraction of its log(n) ceiling) while
	// the bound demanded materially more.
	dualBoundShortfall    = 0.9
	dualUniformKLFraction = 0.01
)

//////
// Helper functions.
//////

// solveDualContextualREPS solves the dual of the KL-constrained contextual
// reward weighting problem and returns the per-sample weights together
// with the dual variables.
//
// How it works:
//  1. The dual g(eta, nu) = eta*epsilon + nu.meanPhi +
//     eta*logsumexp((R - Phi*nu)/eta - log n) is minimized over eta >=
//     minEta and unconstrained nu
//  2. The temperature bound is enforced exactly through the substitution
//     eta = minEta + exp(u), so an unconstrained quasi-Newton method
//     applies
//  3. Minimization uses gonum's LBFGS with analytic gradients and a
//     numerically stabilized log-sum-exp
//  4. The weights are the softmax of the advantages (R - Phi*nu)/eta;
//     they are non-negative and sum to one
//
// Parameters:
// - features: Context feature matrix Phi, one row per sample
// - rewards: Accumulated rewards R, one per sample
// - epsilon: KL divergence bound of the reweighting
// - minEta: Lower bound of the temperature eta
//
// Returns:
// - []float64: Normalized sample weights
// - float64: The solved temperature eta
// - []float64: The solved baseline coefficients nu
// - error: InfeasibleDualError when the weights cannot honor the bound
//   (see below), NumericalError for non-finite results
//
// Feasibility: the realized divergence KL(w||uniform) = sum w_i*log(n*w_i)
// must land close to the bound. A solve is infeasible when the divergence
// overshoots epsilon beyond tolerance, or when the weights remain nearly
// uniform although the bound demanded materially more concentration; the
// latter happens when minEta forces the temperature far above the dual
// optimum. A divergence below epsilon with genuinely concentrated weights
// is fine; it means epsilon exceeds the log(n) ceiling of the batch.
func solveDualContextualREPS(features *mat.Dense, rewards []float64, epsilon, minEta float64) ([]float64, float64, []float64, error) {
	n, f := features.Dims()
	if len(rewards) != n {
		return nil, 0, nil, &DimensionError{What: "rewards", Expected: n, Got: len(rewards)}
	}

	meanPhi := columnMeans(features)
	logN := math.Log(float64(n))

	// Shared buffers of the objective and gradient evaluations.
	projected := make([]float64, n)
	advantages := make([]float64, n)
	softmax := make([]float64, n)

	eval := func(x []float64, grad []float64) float64 {
		eta := minEta + math.Exp(x[0])
		nu := x[1:]

		proj := mat.NewVecDense(n, projected)
		proj.MulVec(features, mat.NewVecDense(f, nu))

		for i := range advantages {
			advantages[i] = (rewards[i] - projected[i]) / eta
		}

		lse := logSumExp(advantages)
		z := lse - logN

		g := eta*epsilon + floats.Dot(nu, meanPhi) + eta*z

		if grad != nil {
			var weightedAdvantage float64

			for i, a := range advantages {
				p := math.Exp(a - lse)
				softmax[i] = p
				weightedAdvantage += p * a
			}

			grad[0] = (epsilon + z - weightedAdvantage) * math.Exp(x[0])

			for j := 0; j < f; j++ {
				var s float64
				for i := 0; i < n; i++ {
					s += softmax[i] * features.At(i, j)
				}

				grad[1+j] = meanPhi[j] - s
			}
		}

		return g
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 { return eval(x, nil) },
		Grad: func(grad, x []float64) { eval(x, grad) },
	}

	// Start at eta = minEta + 1 with a zero baseline.
	x0 := make([]float64, 1+f)

	settings := &optimize.Settings{
		MajorIterations:   dualMaxIterations,
		GradientThreshold: dualGradientTolerance,
	}

	result, optErr := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if result == nil || !allFinite(result.X) {
		return nil, 0, nil, &NumericalError{Op: "dual minimization", Err: optErr}
	}

	// A stalled line search still reports the best evaluated point; the
	// divergence validation below rejects solves that are unusable.
	eta := minEta + math.Exp(result.X[0])
	nu := append([]float64(nil), result.X[1:]...)

	proj := mat.NewVecDense(n, projected)
	proj.MulVec(features, mat.NewVecDense(f, nu))

	for i := range advantages {
		advantages[i] = (rewards[i] - projected[i]) / eta
	}

	lse := logSumExp(advantages)

	weights := make([]float64, n)
	for i, a := range advantages {
		weights[i] = math.Exp(a - lse)
	}

	total := floats.Sum(weights)
	if total <= 0 || !allFinite(weights) || math.IsNaN(eta) || math.IsInf(eta, 0) {
		return nil, 0, nil, &NumericalError{Op: "dual weights"}
	}

	floats.Scale(1/total, weights)

	var kl float64
	for _, w := range weights {
		if w > 0 {
			kl += w * math.Log(float64(n)*w)
		}
	}

	if math.IsNaN(kl) || math.IsInf(kl, 0) {
		return nil, 0, nil, &NumericalError{Op: "dual divergence"}
	}

	overshootTol := math.Max(dualKLAbsTol, dualKLRelTol*epsilon)
	if kl > epsilon+overshootTol {
		return nil, 0, nil, &InfeasibleDualError{Eta: eta, KL: kl, Epsilon: epsilon}
	}

	if kl < dualBoundShortfall*epsilon && kl < dualUniformKLFraction*logN {
		return nil, 0, nil, &InfeasibleDualError{Eta: eta, KL: kl, Epsilon: epsilon}
	}

	return weights, eta, nu, nil
}

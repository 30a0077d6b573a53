// Package cepo provides contextual policy optimization for episodic
// problems using evolution strategies with KL-bounded distribution
// updates. It learns how parameter vectors should depend on a task
// context from scalar episode rewards alone, without gradients of the
// objective.
//
// # Features
//
// The package includes the following key features:
//
//   - Contextual CMA-ES: Evolution paths adapt a full covariance and a
//     global step size while a KL-bounded dual keeps successive
//     policies close
//   - Contextual REPS: Direct weighted maximum-likelihood refit of the
//     policy under the same KL-bounded reweighting
//   - Plain CMA-ES: Rank-based covariance matrix adaptation for
//     context-free problems
//   - Context Features: Constant, linear, affine, quadratic and cubic
//     feature transforms, or any custom transform
//   - Episode Controllers: Ready-made loops wiring optimizers to
//     environments, with held-out test evaluation and progress
//     monitoring via channels
//   - Bounded Policies: Optional scaling and clipping of sampled
//     parameters
//   - Robust Error Handling: Typed errors for dimension mismatches,
//     numerical instability and infeasible updates; a failed update
//     never corrupts the learned policy
//
// # Installation
//
// To install the package, use:
//
//	go get github.com/mlodew/cepo
//
// # Optimizers
//
// The library provides three optimizers for different problem settings:
//
// 1. Contextual CMA-ES (CCMAESOptimizer):
//
//   - Learns a context-dependent policy mean with a shared covariance
//
//   - Robust on rugged and noisy rewards thanks to evolution paths
//
//   - Default choice for contextual problems
//
//     opt := cepo.NewCCMAESOptimizer(cepo.DefaultConfig())
//     err := opt.Init(nParams, nContextDims)
//
// 2. Contextual REPS (CREPSOptimizer):
//
//   - Refits mean and covariance directly from the reweighted batch
//
//   - Converges in fewer updates on smooth, cheap objectives
//
//     cfg := cepo.DefaultConfig()
//     cfg.Epsilon = 1.0  // Tighter KL bound, more conservative updates
//     opt := cepo.NewCREPSOptimizer(cfg)
//
// 3. Plain CMA-ES (CMAESOptimizer):
//
//   - Context-free covariance matrix adaptation with log-rank weights
//
//   - Use when every episode optimizes the same static objective
//
//     opt := cepo.NewCMAESOptimizer(cepo.Config{RandomSeed: 42})
//     err := opt.Init(nParams)
//
// # Configuration
//
// The Config struct allows customization of the optimization process:
//
//	type Config struct {
//	    InitialParams     []float64        // Initial policy mean
//	    Variance          float64          // Initial exploration variance
//	    Covariance        mat.Symmetric    // Initial covariance shape
//	    Epsilon           float64          // KL bound of the reweighting
//	    MinEta            float64          // Temperature floor of the dual
//	    NSamplesPerUpdate int              // Episodes per policy update
//	    ContextFeatures   ContextTransform // Feature transform of the mean
//	    Gamma             float64          // Ridge regularization of refits
//	    RandomSeed        uint64           // Reproducible sampling
//	    Logger            *slog.Logger     // Structured update records
//	}
//
// Recommended settings:
//   - Epsilon: 0.5-2.0 (smaller = more conservative updates)
//   - NSamplesPerUpdate: leave at zero for the dimension-derived
//     default; raise it for noisy rewards
//   - Gamma: 1e-4 works for most problems; raise it when feature
//     matrices are nearly collinear
//
// # Concurrency
//
// Optimizers, policies, environments and controllers must each be
// confined to a single goroutine:
//   - No internal locking; method calls must not overlap
//   - Run independent optimizers in parallel goroutines for concurrent
//     experiments, each with its own RandomSeed
//   - Progress channel sends never block the episode loop; updates are
//     dropped when the receiver lags
//
// # Contributing
//
// To contribute to the project:
//  1. Fork the repository
//  2. Clone your fork
//  3. Create a feature branch
//  4. Make your changes
//  5. Run tests
//  6. Create a pull request
package cepo

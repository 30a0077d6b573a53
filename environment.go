package cepo

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/rand"
)

//////
// Const, vars, types.
//////

// Objective scores a parameter vector. Higher is better.
type Objective func(params []float64) float64

// ContextualObjective scores a parameter vector in a context. Higher is
// better.
type ContextualObjective func(params, context []float64) float64

// Environment is the episodic evaluation loop an optimizer learns from.
//
// A Controller drives it as: Reset, then GetOutputs, SetInputs and
// StepAction until IsEvaluationDone reports true, then GetFeedback.
// Implementations are not safe for concurrent use.
type Environment interface {
	// Init prepares the environment. It is called once, before any
	// other method.
	Init() error

	// Reset restores the initial state for a new episode.
	Reset()

	// NumInputs returns the dimension of the action vector consumed by
	// SetInputs.
	NumInputs() int

	// NumOutputs returns the dimension of the observation vector
	// produced by GetOutputs.
	NumOutputs() int

	// GetOutputs writes the current observation into outputs, which
	// has length NumOutputs.
	GetOutputs(outputs []float64)

	// SetInputs consumes the next action vector of length NumInputs.
	SetInputs(inputs []float64)

	// StepAction advances the environment by one step.
	StepAction()

	// IsEvaluationDone reports whether the episode is over.
	IsEvaluationDone() bool

	// GetFeedback returns the rewards collected during the episode.
	GetFeedback() []float64

	// IsBehaviorLearningDone reports whether the environment considers
	// the task solved.
	IsBehaviorLearningDone() bool

	// MaximumFeedback returns the highest achievable accumulated
	// reward, or NaN when it is unknown.
	MaximumFeedback() float64
}

// ContextualEnvironment is an Environment whose reward depends on a
// per-episode context.
type ContextualEnvironment interface {
	Environment

	// NumContextDims returns the dimension of the context vectors.
	NumContextDims() int

	// RequestContext proposes a context for the next episode. A nil
	// proposal lets the environment choose. It returns the context
	// actually set, which stays valid until the next request.
	RequestContext(context []float64) []float64

	// MaximumFeedbackInContext returns the highest achievable
	// accumulated reward in the given context, or NaN when unknown.
	MaximumFeedbackInContext(context []float64) float64
}

// FunctionEnvironment evaluates a parameter vector with a single call
// to an objective function. Episodes last exactly one step.
type FunctionEnvironment struct {
	nParams   int
	objective Objective
	maximum   float64

	params   []float64
	feedback float64
	stepped  bool
}

// ContextualFunctionEnvironment evaluates a parameter vector against an
// objective that also depends on a per-episode context.
//
// Contexts come from three places, in order of precedence: the proposal
// passed to RequestContext, a configured finite pool visited round
// robin, or uniform samples from the unit cube.
type ContextualFunctionEnvironment struct {
	nParams      int
	nContextDims int
	objective    ContextualObjective
	maximum      func(context []float64) float64

	pool     [][]float64
	poolNext int
	rng      *rand.Rand

	context  []float64
	params   []float64
	feedback float64
	stepped  bool
}

var (
	_ Environment           = (*FunctionEnvironment)(nil)
	_ ContextualEnvironment = (*ContextualFunctionEnvironment)(nil)
)

//////
// Methods.
//////

// Init implements Environment.
func (e *FunctionEnvironment) Init() error {
	if e.objective == nil {
		return fmt.Errorf("objective function is required")
	}

	return nil
}

// Reset implements Environment.
func (e *FunctionEnvironment) Reset() {
	e.stepped = false
	e.feedback = 0
}

// NumInputs implements Environment. Inputs are the parameters under
// evaluation.
func (e *FunctionEnvironment) NumInputs() int { return e.nParams }

// NumOutputs implements Environment. A function evaluation produces no
// observations.
func (e *FunctionEnvironment) NumOutputs() int { return 0 }

// GetOutputs implements Environment.
func (e *FunctionEnvironment) GetOutputs(outputs []float64) {}

// SetInputs implements Environment.
func (e *FunctionEnvironment) SetInputs(inputs []float64) {
	copy(e.params, inputs)
}

// StepAction implements Environment.
func (e *FunctionEnvironment) StepAction() {
	e.feedback = e.objective(e.params)
	e.stepped = true
}

// IsEvaluationDone implements Environment.
func (e *FunctionEnvironment) IsEvaluationDone() bool { return e.stepped }

// GetFeedback implements Environment.
func (e *FunctionEnvironment) GetFeedback() []float64 {
	return []float64{e.feedback}
}

// IsBehaviorLearningDone implements Environment.
func (e *FunctionEnvironment) IsBehaviorLearningDone() bool { return false }

// MaximumFeedback implements Environment.
func (e *FunctionEnvironment) MaximumFeedback() float64 { return e.maximum }

// Init implements Environment.
func (e *ContextualFunctionEnvironment) Init() error {
	if e.objective == nil {
		return fmt.Errorf("objective function is required")
	}

	for i, c := range e.pool {
		if len(c) != e.nContextDims {
			return &DimensionError{What: fmt.Sprintf("context pool entry %d", i), Expected: e.nContextDims, Got: len(c)}
		}
	}

	return nil
}

// Reset implements Environment.
func (e *ContextualFunctionEnvironment) Reset() {
	e.stepped = false
	e.feedback = 0
}

// NumInputs implements Environment.
func (e *ContextualFunctionEnvironment) NumInputs() int { return e.nParams }

// NumOutputs implements Environment.
func (e *ContextualFunctionEnvironment) NumOutputs() int { return 0 }

// GetOutputs implements Environment.
func (e *ContextualFunctionEnvironment) GetOutputs(outputs []float64) {}

// SetInputs implements Environment.
func (e *ContextualFunctionEnvironment) SetInputs(inputs []float64) {
	copy(e.params, inputs)
}

// StepAction implements Environment.
func (e *ContextualFunctionEnvironment) StepAction() {
	e.feedback = e.objective(e.params, e.context)
	e.stepped = true
}

// IsEvaluationDone implements Environment.
func (e *ContextualFunctionEnvironment) IsEvaluationDone() bool { return e.stepped }

// GetFeedback implements Environment.
func (e *ContextualFunctionEnvironment) GetFeedback() []float64 {
	return []float64{e.feedback}
}

// IsBehaviorLearningDone implements Environment.
func (e *ContextualFunctionEnvironment) IsBehaviorLearningDone() bool { return false }

// MaximumFeedback implements Environment. Without a context there is no
// single optimum.
func (e *ContextualFunctionEnvironment) MaximumFeedback() float64 { return math.NaN() }

// NumContextDims implements ContextualEnvironment.
func (e *ContextualFunctionEnvironment) NumContextDims() int { return e.nContextDims }

// RequestContext implements ContextualEnvironment.
func (e *ContextualFunctionEnvironment) RequestContext(context []float64) []float64 {
	switch {
	case context != nil:
		copy(e.context, context)
	case len(e.pool) > 0:
		copy(e.context, e.pool[e.poolNext])
		e.poolNext = (e.poolNext + 1) % len(e.pool)
	default:
		for i := range e.context {
			e.context[i] = e.rng.Float64()
		}
	}

	return e.context
}

// MaximumFeedbackInContext implements ContextualEnvironment.
func (e *ContextualFunctionEnvironment) MaximumFeedbackInContext(context []float64) float64 {
	if e.maximum == nil {
		return math.NaN()
	}

	return e.maximum(context)
}

//////
// Factory.
//////

// NewFunctionEnvironment creates a single-step environment around an
// objective function.
//
// Parameters:
//   - nParams: dimension of the parameter vectors to evaluate.
//   - maximum: highest achievable objective value, or NaN when unknown.
//   - objective: function to maximize.
func NewFunctionEnvironment(nParams int, maximum float64, objective Objective) (*FunctionEnvironment, error) {
	if nParams < 1 {
		return nil, fmt.Errorf("parameter dimension must be positive, got %d", nParams)
	}

	if objective == nil {
		return nil, fmt.Errorf("objective function is required")
	}

	return &FunctionEnvironment{
		nParams:   nParams,
		objective: objective,
		maximum:   maximum,
		params:    make([]float64, nParams),
	}, nil
}

// NewContextualFunctionEnvironment creates a single-step contextual
// environment around an objective function.
//
// Parameters:
//   - nParams: dimension of the parameter vectors to evaluate.
//   - nContextDims: dimension of the context vectors.
//   - seed: seed for context sampling; zero derives one from the wall
//     clock.
//   - objective: function to maximize.
//   - maximum: per-context optimum used for regret reporting; nil when
//     unknown.
//   - contexts: optional finite pool visited round robin when the
//     optimizer expresses no preference. Nil samples contexts uniformly
//     from the unit cube instead.
func NewContextualFunctionEnvironment(
	nParams, nContextDims int,
	seed uint64,
	objective ContextualObjective,
	maximum func(context []float64) float64,
	contexts [][]float64,
) (*ContextualFunctionEnvironment, error) {
	if nParams < 1 {
		return nil, fmt.Errorf("parameter dimension must be positive, got %d", nParams)
	}

	if nContextDims < 1 {
		return nil, fmt.Errorf("context dimension must be positive, got %d", nContextDims)
	}

	if objective == nil {
		return nil, fmt.Errorf("objective function is required")
	}

	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &ContextualFunctionEnvironment{
		nParams:      nParams,
		nContextDims: nContextDims,
		objective:    objective,
		maximum:      maximum,
		pool:         contexts,
		rng:          rand.New(rand.NewSource(seed)),
		context:      make([]float64, nContextDims),
		params:       make([]float64, nParams),
	}, nil
}

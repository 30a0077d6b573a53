package cepo

import (
	"errors"
	"fmt"
)

//////
// Const, vars, types.
//////

// Sentinel errors returned for protocol misuse. Match them with errors.Is.
var (
	// ErrNotInitialized is returned when an optimizer method is called
	// before Init.
	ErrNotInitialized = errors.New("optimizer is not initialized")

	// ErrNoContext is returned when parameters are requested before any
	// context has been set.
	ErrNoContext = errors.New("no context has been set")

	// ErrNoPendingSample is returned when evaluation feedback arrives
	// without a preceding call to GetNextParameters.
	ErrNoPendingSample = errors.New("no parameters are pending evaluation")
)

// DimensionError reports a vector or matrix whose size does not match the
// dimensionality fixed at initialization. It is fatal and surfaced
// immediately; no silent reshaping or truncation is performed.
//
// Fields:
// - What: Name of the offending input
// - Expected: Required size
// - Got: Observed size
type DimensionError struct {
	What     string
	Expected int
	Got      int
}

// Error implements the error interface.
func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: expected dimension %d, got %d", e.What, e.Expected, e.Got)
}

// NumericalError reports a numerically unusable intermediate result, such
// as a covariance that lost positive semi-definiteness, a failed
// factorization, or a non-finite weight. An update cycle that produces one
// is aborted without committing any state.
type NumericalError struct {
	// Op names the computation that failed.
	Op string

	// Err optionally carries the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *NumericalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("numerical instability in %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("numerical instability in %s", e.Op)
}

// Unwrap returns the underlying cause, if any.
func (e *NumericalError) Unwrap() error { return e.Err }

// InfeasibleDualError reports a dual solve whose weights could not honor
// the configured divergence bound with the configured temperature floor,
// typically because the floor kept the weights nearly uniform while the
// bound demanded concentration. The optimizer keeps the prior policy for
// the affected update cycle; learning resumes with the next batch.
type InfeasibleDualError struct {
	// Eta is the temperature the solver settled on.
	Eta float64

	// KL is the divergence realized by the solved weights.
	KL float64

	// Epsilon is the configured divergence bound.
	Epsilon float64
}

// Error implements the error interface.
func (e *InfeasibleDualError) Error() string {
	return fmt.Sprintf(
		"dual solution infeasible: realized KL %.6g does not honor bound %.6g at eta %.6g",
		e.KL, e.Epsilon, e.Eta,
	)
}

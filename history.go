package cepo

import (
	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// ring is a fixed-capacity circular buffer with FIFO eviction. Once full,
// each push overwrites the oldest element; the capacity never changes after
// construction. Index 0 always addresses the oldest stored element.
type ring[T any] struct {
	buf  []T
	head int
	n    int
}

// observation is one completed evaluation: the sampled parameters, the
// context they were sampled for, its feature transform, and the
// accumulated reward.
type observation struct {
	params   []float64
	context  []float64
	features []float64
	reward   float64
}

// sampleHistory is the optimizer's bounded evaluation memory. Its capacity
// equals the number of samples per update, so an update always sees at most
// one batch worth of the most recent evaluations.
type sampleHistory struct {
	ring[observation]
}

//////
// Methods.
//////

// Cap returns the fixed capacity.
func (r *ring[T]) Cap() int { return len(r.buf) }

// Len returns the number of stored elements.
func (r *ring[T]) Len() int { return r.n }

// Push appends v, evicting the oldest element when full.
func (r *ring[T]) Push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++

		return
	}

	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// At returns the i-th element in insertion order, oldest first.
func (r *ring[T]) At(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// push records one evaluation. All slices are copied, so callers may reuse
// their buffers.
func (h *sampleHistory) push(params, context, features []float64, reward float64) {
	h.Push(observation{
		params:   append([]float64(nil), params...),
		context:  append([]float64(nil), context...),
		features: append([]float64(nil), features...),
		reward:   reward,
	})
}

// matrices materializes the stored batch, oldest first, as the feature
// matrix (rows of phi), the parameter matrix (rows of theta), and the
// reward vector. Returns nils when the history is empty.
func (h *sampleHistory) matrices() (features, params *mat.Dense, rewards []float64) {
	n := h.Len()
	if n == 0 {
		return nil, nil, nil
	}

	first := h.At(0)

	features = mat.NewDense(n, len(first.features), nil)
	params = mat.NewDense(n, len(first.params), nil)
	rewards = make([]float64, n)

	for i := 0; i < n; i++ {
		o := h.At(i)

		features.SetRow(i, o.features)
		params.SetRow(i, o.params)
		rewards[i] = o.reward
	}

	return features, params, rewards
}

//////
// Factory.
//////

// newSampleHistory creates an empty history with the given capacity.
func newSampleHistory(capacity int) *sampleHistory {
	return &sampleHistory{ring: ring[observation]{buf: make([]observation, capacity)}}
}

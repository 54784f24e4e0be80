package signal

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// ZeroPhase applies an IIR filter forward and backward over a sequence so the
// result has no phase delay. Edges are handled with an odd extension and
// steady-state initial conditions, following scipy.signal.filtfilt.
type ZeroPhase struct {
	coef Coefficients
	zi   []float64
}

// NewZeroPhase precomputes the steady-state initial conditions for coef
func NewZeroPhase(coef Coefficients) (*ZeroPhase, error) {
	if len(coef.A) == 0 || len(coef.A) != len(coef.B) {
		return nil, fmt.Errorf("filter coefficients must have equal non-zero length, got b=%d a=%d",
			len(coef.B), len(coef.A))
	}
	if coef.A[0] != 1 {
		return nil, fmt.Errorf("filter denominator must be normalized (a[0]=1), got %v", coef.A[0])
	}
	zi, err := steadyState(coef)
	if err != nil {
		return nil, err
	}
	return &ZeroPhase{coef: coef, zi: zi}, nil
}

// steadyState solves (I - companion(a)^T) zi = b[1:] - a[1:]*b[0], the
// filter state for a unit step input that has settled.
func steadyState(coef Coefficients) ([]float64, error) {
	n := len(coef.A) - 1
	if n == 0 {
		return nil, nil
	}

	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	// companion(a)^T has -a[1:] in the first column and ones on the superdiagonal
	for i := 0; i < n; i++ {
		m.Set(i, 0, m.At(i, 0)+coef.A[i+1])
	}
	for i := 0; i < n-1; i++ {
		m.Set(i, i+1, m.At(i, i+1)-1)
	}

	rhs := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		rhs.SetVec(i, coef.B[i+1]-coef.A[i+1]*coef.B[0])
	}

	var zi mat.VecDense
	if err := zi.SolveVec(m, rhs); err != nil {
		return nil, types.NewFault(types.FilterInstability, "filtfilt", "initial state: %v", err)
	}
	return append([]float64(nil), zi.RawVector().Data...), nil
}

// PadLen returns the odd-extension length used for a sequence of length n
func (z *ZeroPhase) PadLen(n int) int {
	pad := 3 * len(z.coef.A)
	if pad > n-1 {
		pad = n - 1
	}
	if pad < 0 {
		pad = 0
	}
	return pad
}

// Filter writes the zero-phase filtered x into dst (len(dst) == len(x)).
// Safe for concurrent use.
func (z *ZeroPhase) Filter(dst, x []float64) {
	n := len(x)
	if n == 0 {
		return
	}
	pad := z.PadLen(n)

	total := n + 2*pad
	ext := make([]float64, total)
	state := make([]float64, len(z.zi))

	// odd extension: 2*x[0] - x[pad..1], x, 2*x[n-1] - x[n-2..n-1-pad]
	for i := 0; i < pad; i++ {
		ext[i] = 2*x[0] - x[pad-i]
		ext[pad+n+i] = 2*x[n-1] - x[n-2-i]
	}
	copy(ext[pad:], x)

	z.lfilter(ext, state, ext[0], false)
	z.lfilter(ext, state, ext[total-1], true)

	copy(dst, ext[pad:pad+n])
}

// lfilter runs a transposed direct form II pass in place, with the state
// initialised to zi*x0. reverse runs from the last sample to the first.
func (z *ZeroPhase) lfilter(x, state []float64, x0 float64, reverse bool) {
	b, a := z.coef.B, z.coef.A
	order := len(z.zi)
	for i := range state {
		state[i] = z.zi[i] * x0
	}

	n := len(x)
	for step := 0; step < n; step++ {
		idx := step
		if reverse {
			idx = n - 1 - step
		}
		in := x[idx]
		if order == 0 {
			x[idx] = b[0] * in
			continue
		}
		out := b[0]*in + state[0]
		for k := 0; k < order-1; k++ {
			state[k] = b[k+1]*in + state[k+1] - a[k+1]*out
		}
		state[order-1] = b[order]*in - a[order]*out
		x[idx] = out
	}
}

package signal

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// Coefficients are the numerator (B) and denominator (A) of a digital IIR
// filter, normalized so A[0] == 1.
type Coefficients struct {
	B []float64
	A []float64
}

// Order returns the filter order
func (c Coefficients) Order() int {
	return len(c.A) - 1
}

// DesignLowpass designs a digital Butterworth low-pass filter.
//
// cutoff is normalized to the Nyquist frequency and must lie in (0,1).
// The analog prototype is prewarped and mapped with the bilinear transform
// (sample rate 2), which yields the same coefficients as scipy.signal.butter.
// A FilterInstability fault is returned if any digital pole is not strictly
// inside the unit circle.
func DesignLowpass(order int, cutoff float64) (Coefficients, error) {
	if order < 1 {
		return Coefficients{}, fmt.Errorf("butterworth order must be >= 1, got %d", order)
	}
	if !(cutoff > 0 && cutoff < 1) {
		return Coefficients{}, fmt.Errorf("butterworth cutoff must be in (0,1), got %v", cutoff)
	}

	const fs2 = 4.0 // 2 * fs with fs = 2
	warped := fs2 * math.Tan(math.Pi*cutoff/2)

	poles := make([]complex128, order)
	zeros := make([]complex128, order)
	denom := complex(1, 0)
	for k := 0; k < order; k++ {
		m := float64(2*k - order + 1)
		analog := -cmplx.Exp(complex(0, math.Pi*m/float64(2*order)))
		analog *= complex(warped, 0)

		denom *= complex(fs2, 0) - analog
		poles[k] = (complex(fs2, 0) + analog) / (complex(fs2, 0) - analog)
		zeros[k] = -1
	}

	for i, p := range poles {
		if cmplx.Abs(p) >= 1 {
			return Coefficients{}, types.NewFault(types.FilterInstability, "butterworth",
				"pole %d magnitude %.6f outside unit circle", i, cmplx.Abs(p))
		}
	}

	gain := math.Pow(warped, float64(order)) * real(1/denom)

	b := realPoly(zeros)
	for i := range b {
		b[i] *= gain
	}
	a := realPoly(poles)

	if err := types.CheckFinite("butterworth", append(append([]float64(nil), b...), a...)); err != nil {
		return Coefficients{}, types.NewFault(types.FilterInstability, "butterworth", "%v", err)
	}

	return Coefficients{B: b, A: a}, nil
}

// realPoly expands prod(x - r) for conjugate-closed roots and returns the
// real coefficients, highest power first.
func realPoly(roots []complex128) []float64 {
	c := []complex128{1}
	for _, r := range roots {
		next := make([]complex128, len(c)+1)
		for i, v := range c {
			next[i] += v
			next[i+1] -= v * r
		}
		c = next
	}
	out := make([]float64, len(c))
	for i, v := range c {
		out[i] = real(v)
	}
	return out
}

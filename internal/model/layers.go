package model

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// Linear is a fully connected layer, Weight stored (Out x In) row-major
type Linear struct {
	In     int       `msgpack:"in"`
	Out    int       `msgpack:"out"`
	Weight []float64 `msgpack:"weight"`
	Bias   []float64 `msgpack:"bias"`
}

// Conv2D is a square-kernel convolution with stride 1 and same padding.
// Weight is stored (Out x In*Kernel*Kernel) row-major.
type Conv2D struct {
	In     int       `msgpack:"in"`
	Out    int       `msgpack:"out"`
	Kernel int       `msgpack:"kernel"`
	Weight []float64 `msgpack:"weight"`
	Bias   []float64 `msgpack:"bias"`
}

// BatchNorm holds inference-time batch normalization statistics
type BatchNorm struct {
	Channels int       `msgpack:"channels"`
	Gamma    []float64 `msgpack:"gamma"`
	Beta     []float64 `msgpack:"beta"`
	Mean     []float64 `msgpack:"mean"`
	Var      []float64 `msgpack:"var"`
	Eps      float64   `msgpack:"eps"`
}

// GRU is a single gated recurrent layer. Gate blocks are stacked
// (reset, update, new) in WeightIH (3H x Input) and WeightHH (3H x H).
type GRU struct {
	Input    int       `msgpack:"input"`
	Hidden   int       `msgpack:"hidden"`
	WeightIH []float64 `msgpack:"weight_ih"`
	WeightHH []float64 `msgpack:"weight_hh"`
	BiasIH   []float64 `msgpack:"bias_ih"`
	BiasHH   []float64 `msgpack:"bias_hh"`
}

func checkLen(op, name string, got, want int) error {
	if got != want {
		return types.NewFault(types.ShapeMismatch, op, "%s has %d values, expected %d", name, got, want)
	}
	return nil
}

func (l Linear) validate(name string, in, out int) error {
	if l.In != in || l.Out != out {
		return types.NewFault(types.ShapeMismatch, "params", "%s is %dx%d, expected %dx%d", name, l.Out, l.In, out, in)
	}
	if err := checkLen("params", name+".weight", len(l.Weight), in*out); err != nil {
		return err
	}
	return checkLen("params", name+".bias", len(l.Bias), out)
}

func (c Conv2D) validate(name string, in, out, kernel int) error {
	if c.In != in || c.Out != out || c.Kernel != kernel {
		return types.NewFault(types.ShapeMismatch, "params", "%s is %d->%d k%d, expected %d->%d k%d",
			name, c.In, c.Out, c.Kernel, in, out, kernel)
	}
	if err := checkLen("params", name+".weight", len(c.Weight), out*in*kernel*kernel); err != nil {
		return err
	}
	return checkLen("params", name+".bias", len(c.Bias), out)
}

func (b BatchNorm) validate(name string, channels int) error {
	if b.Channels != channels {
		return types.NewFault(types.ShapeMismatch, "params", "%s has %d channels, expected %d", name, b.Channels, channels)
	}
	for _, v := range []struct {
		field string
		n     int
	}{
		{"gamma", len(b.Gamma)}, {"beta", len(b.Beta)}, {"mean", len(b.Mean)}, {"var", len(b.Var)},
	} {
		if err := checkLen("params", name+"."+v.field, v.n, channels); err != nil {
			return err
		}
	}
	for i, v := range b.Var {
		if v+b.Eps <= 0 {
			return types.NewFault(types.NumericFault, "params", "%s.var[%d]+eps = %v must be > 0", name, i, v+b.Eps)
		}
	}
	return nil
}

func (g GRU) validate(name string, input, hidden int) error {
	if g.Input != input || g.Hidden != hidden {
		return types.NewFault(types.ShapeMismatch, "params", "%s is %d->%d, expected %d->%d",
			name, g.Input, g.Hidden, input, hidden)
	}
	if err := checkLen("params", name+".weight_ih", len(g.WeightIH), 3*hidden*input); err != nil {
		return err
	}
	if err := checkLen("params", name+".weight_hh", len(g.WeightHH), 3*hidden*hidden); err != nil {
		return err
	}
	if err := checkLen("params", name+".bias_ih", len(g.BiasIH), 3*hidden); err != nil {
		return err
	}
	return checkLen("params", name+".bias_hh", len(g.BiasHH), 3*hidden)
}

// featureMap is a (channels, height, width) activation stored channel-major
type featureMap struct {
	c, h, w int
	data    []float64
}

// linearOp is a Linear bound to gonum views, read-only after construction
type linearOp struct {
	w *mat.Dense
	b *mat.VecDense
}

func newLinearOp(l Linear) *linearOp {
	return &linearOp{
		w: mat.NewDense(l.Out, l.In, l.Weight),
		b: mat.NewVecDense(l.Out, l.Bias),
	}
}

func (l *linearOp) forward(x []float64) []float64 {
	r, _ := l.w.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(l.w, mat.NewVecDense(len(x), x))
	out.AddVec(out, l.b)
	return out.RawVector().Data
}

type convOp struct {
	w      *mat.Dense
	bias   []float64
	in     int
	out    int
	kernel int
}

func newConvOp(c Conv2D) *convOp {
	return &convOp{
		w:      mat.NewDense(c.Out, c.In*c.Kernel*c.Kernel, c.Weight),
		bias:   c.Bias,
		in:     c.In,
		out:    c.Out,
		kernel: c.Kernel,
	}
}

// forward lowers the input to columns (im2col) and runs one matrix product
func (c *convOp) forward(x featureMap) featureMap {
	k := c.kernel
	pad := (k - 1) / 2
	hw := x.h * x.w

	cols := mat.NewDense(c.in*k*k, hw, nil)
	raw := cols.RawMatrix().Data
	for ci := 0; ci < c.in; ci++ {
		plane := x.data[ci*hw : (ci+1)*hw]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := raw[((ci*k+ky)*k+kx)*hw:]
				for y := 0; y < x.h; y++ {
					sy := y + ky - pad
					if sy < 0 || sy >= x.h {
						continue
					}
					for xx := 0; xx < x.w; xx++ {
						sx := xx + kx - pad
						if sx < 0 || sx >= x.w {
							continue
						}
						row[y*x.w+xx] = plane[sy*x.w+sx]
					}
				}
			}
		}
	}

	out := mat.NewDense(c.out, hw, nil)
	out.Mul(c.w, cols)
	data := out.RawMatrix().Data
	for co := 0; co < c.out; co++ {
		b := c.bias[co]
		for i := co * hw; i < (co+1)*hw; i++ {
			data[i] += b
		}
	}
	return featureMap{c: c.out, h: x.h, w: x.w, data: data}
}

// bnOp folds batch norm into a per-channel scale and shift
type bnOp struct {
	scale []float64
	shift []float64
}

func newBNOp(b BatchNorm) *bnOp {
	op := &bnOp{scale: make([]float64, b.Channels), shift: make([]float64, b.Channels)}
	for i := 0; i < b.Channels; i++ {
		s := b.Gamma[i] / math.Sqrt(b.Var[i]+b.Eps)
		op.scale[i] = s
		op.shift[i] = b.Beta[i] - b.Mean[i]*s
	}
	return op
}

// forwardReLU applies batch norm then ReLU in place
func (b *bnOp) forwardReLU(x featureMap) featureMap {
	hw := x.h * x.w
	for ch := 0; ch < x.c; ch++ {
		s, t := b.scale[ch], b.shift[ch]
		plane := x.data[ch*hw : (ch+1)*hw]
		for i, v := range plane {
			v = v*s + t
			if v < 0 {
				v = 0
			}
			plane[i] = v
		}
	}
	return x
}

// maxPool2 is a 2x2 stride 2 max pool, odd edges are discarded
func maxPool2(x featureMap) featureMap {
	oh, ow := x.h/2, x.w/2
	out := featureMap{c: x.c, h: oh, w: ow, data: make([]float64, x.c*oh*ow)}
	for ch := 0; ch < x.c; ch++ {
		src := x.data[ch*x.h*x.w:]
		dst := out.data[ch*oh*ow:]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				r0 := (2*y)*x.w + 2*xx
				r1 := r0 + x.w
				dst[y*ow+xx] = math.Max(math.Max(src[r0], src[r0+1]), math.Max(src[r1], src[r1+1]))
			}
		}
	}
	return out
}

func relu(x []float64) []float64 {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
	return x
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

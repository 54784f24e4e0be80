package model

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// HiddenState is the recurrent memory carried between inference steps.
// A nil *HiddenState means no prior context.
type HiddenState struct {
	values []float64
}

// HiddenStateFrom copies values into a new hidden state
func HiddenStateFrom(values []float64) *HiddenState {
	return &HiddenState{values: append([]float64(nil), values...)}
}

// Len returns the state dimension
func (h *HiddenState) Len() int {
	if h == nil {
		return 0
	}
	return len(h.values)
}

// Values returns a copy of the state vector
func (h *HiddenState) Values() []float64 {
	if h == nil {
		return nil
	}
	return append([]float64(nil), h.values...)
}

// Clone returns a deep copy, nil for nil
func (h *HiddenState) Clone() *HiddenState {
	if h == nil {
		return nil
	}
	return HiddenStateFrom(h.values)
}

type gruOp struct {
	hidden int
	wih    *mat.Dense
	whh    *mat.Dense
	bih    *mat.VecDense
	bhh    *mat.VecDense
}

func newGRUOp(g GRU) *gruOp {
	return &gruOp{
		hidden: g.Hidden,
		wih:    mat.NewDense(3*g.Hidden, g.Input, g.WeightIH),
		whh:    mat.NewDense(3*g.Hidden, g.Hidden, g.WeightHH),
		bih:    mat.NewVecDense(3*g.Hidden, g.BiasIH),
		bhh:    mat.NewVecDense(3*g.Hidden, g.BiasHH),
	}
}

// step computes
//
//	r  = sigmoid(Wir x + bir + Whr h + bhr)
//	z  = sigmoid(Wiz x + biz + Whz h + bhz)
//	n  = tanh(Win x + bin + r*(Whn h + bhn))
//	h' = (1-z)*n + z*h
func (g *gruOp) step(x, h []float64) []float64 {
	H := g.hidden
	gi := mat.NewVecDense(3*H, nil)
	gi.MulVec(g.wih, mat.NewVecDense(len(x), x))
	gi.AddVec(gi, g.bih)

	gh := mat.NewVecDense(3*H, nil)
	gh.MulVec(g.whh, mat.NewVecDense(H, h))
	gh.AddVec(gh, g.bhh)

	i, hh := gi.RawVector().Data, gh.RawVector().Data
	out := make([]float64, H)
	for k := 0; k < H; k++ {
		r := sigmoid(i[k] + hh[k])
		z := sigmoid(i[H+k] + hh[H+k])
		n := math.Tanh(i[2*H+k] + r*hh[2*H+k])
		out[k] = (1-z)*n + z*h[k]
	}
	return out
}

// Estimator is the temporal pose estimator. It holds no per-stream state:
// the caller passes the prior HiddenState in and receives the updated one
// back. Safe for concurrent use.
type Estimator struct {
	arch       Architecture
	fc1, fc2   *linearOp
	gru        *gruOp
	keypoints  *linearOp
	confidence *linearOp
}

// NewEstimator validates p and binds the estimator weights
func NewEstimator(p *Params) (*Estimator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := p.Estimator
	return &Estimator{
		arch:       p.Arch,
		fc1:        newLinearOp(s.FC1),
		fc2:        newLinearOp(s.FC2),
		gru:        newGRUOp(s.GRU),
		keypoints:  newLinearOp(s.Keypoints),
		confidence: newLinearOp(s.Confidence),
	}, nil
}

// HiddenDim returns the recurrent state dimension
func (e *Estimator) HiddenDim() int {
	return e.arch.EstimatorHidden
}

// NumKeypoints returns the number of keypoints per pose
func (e *Estimator) NumKeypoints() int {
	return e.arch.NumKeypoints
}

// Estimate runs one inference step. A nil prior starts from zero memory.
// Dropout is the identity at inference time.
func (e *Estimator) Estimate(features FeatureVector, prior *HiddenState) (types.PoseEstimate, *HiddenState, error) {
	if len(features) != e.arch.FeatureDim {
		return types.PoseEstimate{}, nil, types.NewFault(types.ShapeMismatch, "estimate",
			"feature vector has %d values, expected %d", len(features), e.arch.FeatureDim)
	}
	if err := types.CheckFinite("estimate", features); err != nil {
		return types.PoseEstimate{}, nil, err
	}

	H := e.arch.EstimatorHidden
	h := make([]float64, H)
	if prior != nil {
		if prior.Len() != H {
			return types.PoseEstimate{}, nil, types.NewFault(types.ShapeMismatch, "estimate",
				"hidden state has %d values, expected %d", prior.Len(), H)
		}
		copy(h, prior.values)
	}

	x := relu(e.fc1.forward(features))
	x = relu(e.fc2.forward(x))
	next := e.gru.step(x, h)

	flat := e.keypoints.forward(next)
	logits := e.confidence.forward(next)

	if err := types.CheckFinite("estimate", next); err != nil {
		return types.PoseEstimate{}, nil, err
	}
	if err := types.CheckFinite("estimate", flat); err != nil {
		return types.PoseEstimate{}, nil, err
	}

	n := e.arch.NumKeypoints
	est := types.PoseEstimate{
		Keypoints:   make([][3]float64, n),
		Confidences: make([]float64, n),
	}
	for k := 0; k < n; k++ {
		copy(est.Keypoints[k][:], flat[k*CoordDim:(k+1)*CoordDim])
		c := sigmoid(logits[k])
		if math.IsNaN(c) {
			return types.PoseEstimate{}, nil, types.NewFault(types.NumericFault, "estimate", "confidence %d is NaN", k)
		}
		est.Confidences[k] = c
	}

	return est, &HiddenState{values: next}, nil
}

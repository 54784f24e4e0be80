package model

import (
	"github.com/hkevin01/wifi-radar/internal/types"
)

// FeatureVector is the fixed-length extractor output
type FeatureVector []float64

type branchOp struct {
	conv1, conv2, conv3 *convOp
	bn1, bn2, bn3       *bnOp
}

func newBranchOp(p BranchParams) *branchOp {
	return &branchOp{
		conv1: newConvOp(p.Conv1), bn1: newBNOp(p.BN1),
		conv2: newConvOp(p.Conv2), bn2: newBNOp(p.BN2),
		conv3: newConvOp(p.Conv3), bn3: newBNOp(p.BN3),
	}
}

func (b *branchOp) forward(x featureMap) featureMap {
	x = b.bn1.forwardReLU(b.conv1.forward(x))
	x = maxPool2(x)
	x = b.bn2.forwardReLU(b.conv2.forward(x))
	x = maxPool2(x)
	return b.bn3.forwardReLU(b.conv3.forward(x))
}

// Extractor is the stateless dual-branch feature extractor. Amplitude and
// phase are each laid out as a (tx*rx) x subcarrier grid, run through their
// own conv branch, fused with a 1x1 convolution and projected to a
// FeatureVector. Safe for concurrent use.
type Extractor struct {
	arch      Architecture
	amplitude *branchOp
	phase     *branchOp
	fuse      *convOp
	fuseBN    *bnOp
	fc1, fc2  *linearOp
}

// NewExtractor validates p and binds the extractor weights
func NewExtractor(p *Params) (*Extractor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := p.Extractor
	return &Extractor{
		arch:      p.Arch,
		amplitude: newBranchOp(e.Amplitude),
		phase:     newBranchOp(e.Phase),
		fuse:      newConvOp(e.Fuse),
		fuseBN:    newBNOp(e.FuseBN),
		fc1:       newLinearOp(e.FC1),
		fc2:       newLinearOp(e.FC2),
	}, nil
}

// FeatureDim returns the output vector length
func (x *Extractor) FeatureDim() int {
	return x.arch.FeatureDim
}

// Extract maps a conditioned amplitude/phase pair to a FeatureVector.
// Inputs must be finite and match the configured shape.
func (x *Extractor) Extract(amplitude, phase []float64) (FeatureVector, error) {
	n := x.arch.Shape.Len()
	if len(amplitude) != n || len(phase) != n {
		return nil, types.NewFault(types.ShapeMismatch, "extract",
			"input lengths amplitude=%d phase=%d, expected %d", len(amplitude), len(phase), n)
	}
	if err := types.CheckFinite("extract", amplitude); err != nil {
		return nil, err
	}
	if err := types.CheckFinite("extract", phase); err != nil {
		return nil, err
	}

	h, w := x.arch.GridSize()
	a := x.amplitude.forward(featureMap{c: 1, h: h, w: w, data: amplitude})
	p := x.phase.forward(featureMap{c: 1, h: h, w: w, data: phase})

	// channel concatenation is a plain append in channel-major layout
	combined := featureMap{c: a.c + p.c, h: a.h, w: a.w, data: make([]float64, 0, len(a.data)+len(p.data))}
	combined.data = append(append(combined.data, a.data...), p.data...)

	fused := x.fuseBN.forwardReLU(x.fuse.forward(combined))

	hidden := relu(x.fc1.forward(fused.data))
	out := relu(x.fc2.forward(hidden))

	if err := types.CheckFinite("extract", out); err != nil {
		return nil, err
	}
	return FeatureVector(out), nil
}

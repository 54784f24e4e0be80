package model

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// Fixed convolution channel widths of each extractor branch
const (
	branchC1   = 16
	branchC2   = 32
	branchC3   = 64
	fusedC     = 64
	convKernel = 3
	// CoordDim is the number of coordinates per keypoint
	CoordDim = 3
	bnEps    = 1e-5
)

// paramsVersion is bumped whenever the weight file layout changes
const paramsVersion = 1

// Architecture fixes every tensor dimension of the network
type Architecture struct {
	Shape           types.Shape `msgpack:"shape"`
	ExtractorHidden int         `msgpack:"extractor_hidden"`
	FeatureDim      int         `msgpack:"feature_dim"`
	EstimatorHidden int         `msgpack:"estimator_hidden"`
	NumKeypoints    int         `msgpack:"num_keypoints"`
}

// DefaultArchitecture is 3x3x64 CSI, 128 extractor hidden, 256 features,
// 512 estimator hidden and 17 keypoints
func DefaultArchitecture() Architecture {
	return Architecture{
		Shape:           types.DefaultShape(),
		ExtractorHidden: 128,
		FeatureDim:      256,
		EstimatorHidden: 512,
		NumKeypoints:    17,
	}
}

// GridSize returns the branch input grid: one row per antenna pair, one
// column per subcarrier
func (a Architecture) GridSize() (h, w int) {
	return a.Shape.Pairs(), a.Shape.NumSubcarriers
}

// PooledSize returns the spatial size after the two max pools
func (a Architecture) PooledSize() (h, w int) {
	h, w = a.GridSize()
	return h / 4, w / 4
}

// FlatDim returns the fused feature map size fed to the first FC layer
func (a Architecture) FlatDim() int {
	h, w := a.PooledSize()
	return fusedC * h * w
}

// Validate checks that all dimensions are positive and survive pooling
func (a Architecture) Validate() error {
	if err := a.Shape.Validate(); err != nil {
		return types.NewFault(types.ShapeMismatch, "architecture", "%v", err)
	}
	h, w := a.PooledSize()
	if h < 1 || w < 1 {
		gh, gw := a.GridSize()
		return types.NewFault(types.ShapeMismatch, "architecture",
			"input grid %dx%d collapses to %dx%d after pooling, need at least 4x4", gh, gw, h, w)
	}
	if a.ExtractorHidden <= 0 || a.FeatureDim <= 0 || a.EstimatorHidden <= 0 || a.NumKeypoints <= 0 {
		return types.NewFault(types.ShapeMismatch, "architecture", "layer sizes must be > 0: %+v", a)
	}
	return nil
}

// BranchParams are the three conv blocks of one extractor branch
type BranchParams struct {
	Conv1 Conv2D    `msgpack:"conv1"`
	BN1   BatchNorm `msgpack:"bn1"`
	Conv2 Conv2D    `msgpack:"conv2"`
	BN2   BatchNorm `msgpack:"bn2"`
	Conv3 Conv2D    `msgpack:"conv3"`
	BN3   BatchNorm `msgpack:"bn3"`
}

// ExtractorParams are the dual-branch feature extractor weights
type ExtractorParams struct {
	Amplitude BranchParams `msgpack:"amplitude"`
	Phase     BranchParams `msgpack:"phase"`
	Fuse      Conv2D       `msgpack:"fuse"`
	FuseBN    BatchNorm    `msgpack:"fuse_bn"`
	FC1       Linear       `msgpack:"fc1"`
	FC2       Linear       `msgpack:"fc2"`
}

// EstimatorParams are the temporal pose estimator weights
type EstimatorParams struct {
	FC1        Linear `msgpack:"fc1"`
	FC2        Linear `msgpack:"fc2"`
	GRU        GRU    `msgpack:"gru"`
	Keypoints  Linear `msgpack:"keypoints"`
	Confidence Linear `msgpack:"confidence"`
}

// Params is the complete numeric parameter set. It is never mutated after
// construction and may be shared by any number of streams.
type Params struct {
	Version   int             `msgpack:"version"`
	Arch      Architecture    `msgpack:"arch"`
	Extractor ExtractorParams `msgpack:"extractor"`
	Estimator EstimatorParams `msgpack:"estimator"`
}

// Validate checks every tensor against the architecture
func (p *Params) Validate() error {
	if p.Version != paramsVersion {
		return fmt.Errorf("unsupported weight file version %d (want %d)", p.Version, paramsVersion)
	}
	a := p.Arch
	if err := a.Validate(); err != nil {
		return err
	}

	e := p.Extractor
	if err := e.Amplitude.validate("amplitude"); err != nil {
		return err
	}
	if err := e.Phase.validate("phase"); err != nil {
		return err
	}
	if err := e.Fuse.validate("fuse", 2*branchC3, fusedC, 1); err != nil {
		return err
	}
	if err := e.FuseBN.validate("fuse_bn", fusedC); err != nil {
		return err
	}
	if err := e.FC1.validate("extractor.fc1", a.FlatDim(), a.ExtractorHidden); err != nil {
		return err
	}
	if err := e.FC2.validate("extractor.fc2", a.ExtractorHidden, a.FeatureDim); err != nil {
		return err
	}

	s := p.Estimator
	if err := s.FC1.validate("estimator.fc1", a.FeatureDim, a.EstimatorHidden); err != nil {
		return err
	}
	if err := s.FC2.validate("estimator.fc2", a.EstimatorHidden, a.EstimatorHidden); err != nil {
		return err
	}
	if err := s.GRU.validate("estimator.gru", a.EstimatorHidden, a.EstimatorHidden); err != nil {
		return err
	}
	if err := s.Keypoints.validate("estimator.keypoints", a.EstimatorHidden, a.NumKeypoints*CoordDim); err != nil {
		return err
	}
	return s.Confidence.validate("estimator.confidence", a.EstimatorHidden, a.NumKeypoints)
}

func (b BranchParams) validate(name string) error {
	if err := b.Conv1.validate(name+".conv1", 1, branchC1, convKernel); err != nil {
		return err
	}
	if err := b.BN1.validate(name+".bn1", branchC1); err != nil {
		return err
	}
	if err := b.Conv2.validate(name+".conv2", branchC1, branchC2, convKernel); err != nil {
		return err
	}
	if err := b.BN2.validate(name+".bn2", branchC2); err != nil {
		return err
	}
	if err := b.Conv3.validate(name+".conv3", branchC2, branchC3, convKernel); err != nil {
		return err
	}
	return b.BN3.validate(name+".bn3", branchC3)
}

// InitParams builds a deterministic parameter set from seed: kaiming-normal
// (fan_out) convolutions, N(0, 0.01) extractor FC layers, kaiming-normal
// (fan_in) estimator FC layers, unit batch norm and uniform(-1/sqrt(H),
// 1/sqrt(H)) GRU weights. Biases of conv and FC layers start at zero.
func InitParams(arch Architecture, seed uint64) (*Params, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	branch := func() BranchParams {
		return BranchParams{
			Conv1: initConv(rng, 1, branchC1, convKernel),
			BN1:   initBN(branchC1),
			Conv2: initConv(rng, branchC1, branchC2, convKernel),
			BN2:   initBN(branchC2),
			Conv3: initConv(rng, branchC2, branchC3, convKernel),
			BN3:   initBN(branchC3),
		}
	}

	p := &Params{Version: paramsVersion, Arch: arch}
	p.Extractor = ExtractorParams{
		Amplitude: branch(),
		Phase:     branch(),
		Fuse:      initConv(rng, 2*branchC3, fusedC, 1),
		FuseBN:    initBN(fusedC),
		FC1:       initLinear(rng, arch.FlatDim(), arch.ExtractorHidden, 0.01),
		FC2:       initLinear(rng, arch.ExtractorHidden, arch.FeatureDim, 0.01),
	}

	kaiming := func(in int) float64 { return math.Sqrt(2 / float64(in)) }
	h := arch.EstimatorHidden
	p.Estimator = EstimatorParams{
		FC1:        initLinear(rng, arch.FeatureDim, h, kaiming(arch.FeatureDim)),
		FC2:        initLinear(rng, h, h, kaiming(h)),
		GRU:        initGRU(rng, h, h),
		Keypoints:  initLinear(rng, h, arch.NumKeypoints*CoordDim, kaiming(h)),
		Confidence: initLinear(rng, h, arch.NumKeypoints, kaiming(h)),
	}
	return p, nil
}

func normal(rng *rand.Rand, n int, std float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64() * std
	}
	return out
}

func initConv(rng *rand.Rand, in, out, kernel int) Conv2D {
	fanOut := float64(out * kernel * kernel)
	return Conv2D{
		In:     in,
		Out:    out,
		Kernel: kernel,
		Weight: normal(rng, out*in*kernel*kernel, math.Sqrt(2/fanOut)),
		Bias:   make([]float64, out),
	}
}

func initLinear(rng *rand.Rand, in, out int, std float64) Linear {
	return Linear{In: in, Out: out, Weight: normal(rng, in*out, std), Bias: make([]float64, out)}
}

func initBN(channels int) BatchNorm {
	bn := BatchNorm{
		Channels: channels,
		Gamma:    make([]float64, channels),
		Beta:     make([]float64, channels),
		Mean:     make([]float64, channels),
		Var:      make([]float64, channels),
		Eps:      bnEps,
	}
	for i := 0; i < channels; i++ {
		bn.Gamma[i] = 1
		bn.Var[i] = 1
	}
	return bn
}

func initGRU(rng *rand.Rand, input, hidden int) GRU {
	bound := 1 / math.Sqrt(float64(hidden))
	uniform := func(n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = (2*rng.Float64() - 1) * bound
		}
		return out
	}
	return GRU{
		Input:    input,
		Hidden:   hidden,
		WeightIH: uniform(3 * hidden * input),
		WeightHH: uniform(3 * hidden * hidden),
		BiasIH:   uniform(3 * hidden),
		BiasHH:   uniform(3 * hidden),
	}
}

// Encode writes p as msgpack
func (p *Params) Encode(w io.Writer) error {
	if err := msgpack.NewEncoder(w).Encode(p); err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return nil
}

// DecodeParams reads and validates a msgpack parameter set
func DecodeParams(r io.Reader) (*Params, error) {
	var p Params
	if err := msgpack.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weights: %w", err)
	}
	return &p, nil
}

// LoadParams reads a weight file written by SaveParams
func LoadParams(path string) (*Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weight file: %w", err)
	}
	defer f.Close()
	return DecodeParams(bufio.NewReader(f))
}

// SaveParams writes p to path
func SaveParams(path string, p *Params) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create weight file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := p.Encode(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write weight file: %w", err)
	}
	return f.Close()
}

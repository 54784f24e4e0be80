package model

import (
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkevin01/wifi-radar/internal/types"
)

func smallArch() Architecture {
	return Architecture{
		Shape:           types.Shape{NumTx: 2, NumRx: 2, NumSubcarriers: 8},
		ExtractorHidden: 8,
		FeatureDim:      16,
		EstimatorHidden: 12,
		NumKeypoints:    17,
	}
}

func smallParams(t *testing.T, seed uint64) *Params {
	t.Helper()
	p, err := InitParams(smallArch(), seed)
	require.NoError(t, err)
	return p
}

func ramp(n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(float64(i)*0.37) * scale
	}
	return out
}

func TestDefaultArchitectureDims(t *testing.T) {
	a := DefaultArchitecture()
	require.NoError(t, a.Validate())
	h, w := a.GridSize()
	assert.Equal(t, 9, h)
	assert.Equal(t, 64, w)
	ph, pw := a.PooledSize()
	assert.Equal(t, 2, ph)
	assert.Equal(t, 16, pw)
	assert.Equal(t, 2048, a.FlatDim())
}

func TestArchitectureRejectsCollapsedGrid(t *testing.T) {
	a := smallArch()
	a.Shape = types.Shape{NumTx: 1, NumRx: 2, NumSubcarriers: 8}
	err := a.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrShapeMismatch)
}

func TestInitParamsDeterministic(t *testing.T) {
	a := smallParams(t, 7)
	b := smallParams(t, 7)
	c := smallParams(t, 8)

	require.NoError(t, a.Validate())
	assert.Equal(t, a, b)
	assert.NotEqual(t, a.Estimator.GRU.WeightIH, c.Estimator.GRU.WeightIH)

	bound := 1 / math.Sqrt(12)
	for _, v := range a.Estimator.GRU.WeightHH {
		assert.LessOrEqual(t, math.Abs(v), bound)
	}
	assert.Equal(t, 1.0, a.Extractor.Amplitude.BN1.Gamma[0])
}

func TestValidateDetectsBadTensor(t *testing.T) {
	p := smallParams(t, 1)
	p.Estimator.Keypoints.Weight = p.Estimator.Keypoints.Weight[:10]
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrShapeMismatch)
	assert.Contains(t, err.Error(), "estimator.keypoints.weight")

	_, err = NewEstimator(p)
	assert.Error(t, err)
}

func TestConvSamePadding(t *testing.T) {
	conv := newConvOp(Conv2D{In: 1, Out: 1, Kernel: 3, Weight: []float64{1, 1, 1, 1, 1, 1, 1, 1, 1}, Bias: []float64{0.5}})
	in := featureMap{c: 1, h: 3, w: 3, data: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}}

	out := conv.forward(in)
	require.Equal(t, 3, out.h)
	require.Equal(t, 3, out.w)
	assert.InDelta(t, 45.5, out.data[4], 1e-12)
	assert.InDelta(t, 1+2+4+5+0.5, out.data[0], 1e-12)
	assert.InDelta(t, 5+6+8+9+0.5, out.data[8], 1e-12)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, in.data)
}

func TestMaxPoolFloor(t *testing.T) {
	in := featureMap{c: 1, h: 3, w: 5, data: []float64{
		1, 2, 3, 4, 9,
		5, 6, 7, 8, 9,
		9, 9, 9, 9, 9,
	}}
	out := maxPool2(in)
	assert.Equal(t, 1, out.h)
	assert.Equal(t, 2, out.w)
	assert.Equal(t, []float64{6, 8}, out.data)
}

func TestGRUZeroWeightsHalvesState(t *testing.T) {
	H := 4
	g := newGRUOp(GRU{
		Input:    2,
		Hidden:   H,
		WeightIH: make([]float64, 3*H*2),
		WeightHH: make([]float64, 3*H*H),
		BiasIH:   make([]float64, 3*H),
		BiasHH:   make([]float64, 3*H),
	})
	out := g.step([]float64{1, -1}, []float64{2, -2, 0.5, 0})
	assert.Equal(t, []float64{1, -1, 0.25, 0}, out)
}

func TestExtract(t *testing.T) {
	p := smallParams(t, 3)
	x, err := NewExtractor(p)
	require.NoError(t, err)

	n := p.Arch.Shape.Len()
	amp, phase := ramp(n, 1), ramp(n, 2)

	f1, err := x.Extract(amp, phase)
	require.NoError(t, err)
	assert.Len(t, f1, 16)
	for _, v := range f1 {
		assert.GreaterOrEqual(t, v, 0.0)
	}

	f2, err := x.Extract(amp, phase)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)

	t.Run("wrong length", func(t *testing.T) {
		_, err := x.Extract(amp[:n-1], phase)
		assert.ErrorIs(t, err, types.ErrShapeMismatch)
	})

	t.Run("non-finite input", func(t *testing.T) {
		bad := append([]float64(nil), amp...)
		bad[5] = math.NaN()
		_, err := x.Extract(bad, phase)
		assert.ErrorIs(t, err, types.ErrNumericFault)
	})
}

func TestExtractConcurrent(t *testing.T) {
	p := smallParams(t, 11)
	x, err := NewExtractor(p)
	require.NoError(t, err)

	n := p.Arch.Shape.Len()
	want, err := x.Extract(ramp(n, 1), ramp(n, 1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := x.Extract(ramp(n, 1), ramp(n, 1))
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

func TestEstimate(t *testing.T) {
	p := smallParams(t, 5)
	e, err := NewEstimator(p)
	require.NoError(t, err)

	features := FeatureVector(ramp(16, 1))

	est, h1, err := e.Estimate(features, nil)
	require.NoError(t, err)
	require.Len(t, est.Keypoints, 17)
	require.Len(t, est.Confidences, 17)
	for _, c := range est.Confidences {
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 1.0)
	}
	assert.Equal(t, 12, h1.Len())

	t.Run("nil prior equals zero state", func(t *testing.T) {
		est2, h2, err := e.Estimate(features, HiddenStateFrom(make([]float64, 12)))
		require.NoError(t, err)
		assert.Equal(t, est, est2)
		assert.Equal(t, h1.Values(), h2.Values())
	})

	t.Run("hidden state carries context", func(t *testing.T) {
		est3, _, err := e.Estimate(features, h1)
		require.NoError(t, err)
		assert.NotEqual(t, est.Keypoints, est3.Keypoints)
	})

	t.Run("prior is not mutated", func(t *testing.T) {
		before := h1.Values()
		_, _, err := e.Estimate(features, h1)
		require.NoError(t, err)
		assert.Equal(t, before, h1.Values())
	})

	t.Run("wrong hidden size", func(t *testing.T) {
		_, _, err := e.Estimate(features, HiddenStateFrom(make([]float64, 3)))
		assert.ErrorIs(t, err, types.ErrShapeMismatch)
	})

	t.Run("wrong feature size", func(t *testing.T) {
		_, _, err := e.Estimate(features[:4], nil)
		assert.ErrorIs(t, err, types.ErrShapeMismatch)
	})
}

func TestSaveLoadParams(t *testing.T) {
	p := smallParams(t, 21)
	path := filepath.Join(t.TempDir(), "weights.msgpack")

	require.NoError(t, SaveParams(path, p))
	loaded, err := LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, p, loaded)

	_, err = LoadParams(filepath.Join(t.TempDir(), "missing.msgpack"))
	assert.Error(t, err)
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	p := smallParams(t, 2)
	p.Version = 99
	path := filepath.Join(t.TempDir(), "weights.msgpack")
	require.NoError(t, SaveParams(path, p))

	_, err := LoadParams(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported weight file version")
}

package types

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeIndexRowMajor(t *testing.T) {
	s := DefaultShape()
	assert.Equal(t, 576, s.Len())
	assert.Equal(t, 9, s.Pairs())
	assert.Equal(t, 0, s.Index(0, 0, 0))
	assert.Equal(t, 64, s.Index(0, 1, 0))
	assert.Equal(t, 3*64, s.Index(1, 0, 0))
	assert.Equal(t, s.Len()-1, s.Index(2, 2, 63))
}

func TestCheckShape(t *testing.T) {
	shape := DefaultShape()

	t.Run("matching frame", func(t *testing.T) {
		require.NoError(t, NewCSIFrame(shape).CheckShape(shape))
	})

	t.Run("declared shape differs", func(t *testing.T) {
		f := NewCSIFrame(Shape{NumTx: 2, NumRx: 3, NumSubcarriers: 64})
		err := f.CheckShape(shape)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
		assert.Equal(t, ShapeMismatch, KindOf(err))
	})

	t.Run("tensor length differs", func(t *testing.T) {
		f := NewCSIFrame(shape)
		f.Phase = f.Phase[:10]
		assert.ErrorIs(t, f.CheckShape(shape), ErrShapeMismatch)
	})
}

func TestFaultMatching(t *testing.T) {
	err := error(NewFault(FilterInstability, "condition", "pole %d outside unit circle", 2))
	assert.ErrorIs(t, err, ErrFilterInstability)
	assert.NotErrorIs(t, err, ErrNumericFault)
	assert.Contains(t, err.Error(), "condition: filter_instability")

	wrapped := errors.Join(errors.New("context"), err)
	assert.Equal(t, FilterInstability, KindOf(wrapped))
	assert.Equal(t, FaultKind(0), KindOf(errors.New("plain")))
}

func TestCheckFinite(t *testing.T) {
	assert.NoError(t, CheckFinite("op", []float64{1, 2, 3}))
	assert.ErrorIs(t, CheckFinite("op", []float64{1, math.Inf(1)}), ErrNumericFault)
	assert.Equal(t, 2, FirstNonFinite([]float64{0, 1, math.NaN()}))
}

func TestPersonMessageNullsInvalidKeypoints(t *testing.T) {
	n := len(KeypointNames)
	p := &Person{
		Seq:         7,
		Timestamp:   time.Unix(0, 0),
		Keypoints:   make([][3]float64, n),
		Confidences: make([]float64, n),
		Valid:       make([]bool, n),
	}
	for i := range p.Keypoints {
		p.Keypoints[i] = [3]float64{math.NaN(), math.NaN(), math.NaN()}
	}
	p.Keypoints[0] = [3]float64{0.1, 0.2, 0.3}
	p.Confidences[0] = 0.9
	p.Valid[0] = true
	p.ValidCount = 1

	payload, err := p.ToJSON("node-1", "room-a")
	require.NoError(t, err)

	var msg PersonMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "node-1", msg.InstanceID)
	require.Len(t, msg.Keypoints, n)
	require.NotNil(t, msg.Keypoints["nose"].X)
	assert.InDelta(t, 0.2, *msg.Keypoints["nose"].Y, 1e-12)
	assert.Nil(t, msg.Keypoints["right_ankle"].X)
	assert.False(t, msg.Keypoints["right_ankle"].Valid)
}

func TestCloneIsDeep(t *testing.T) {
	f := NewCSIFrame(DefaultShape())
	c := f.Clone()
	c.Amplitude[0] = 42
	assert.Equal(t, 0.0, f.Amplitude[0])

	p := &Person{Keypoints: [][3]float64{{1, 2, 3}}, Confidences: []float64{1}, Valid: []bool{true}}
	q := p.Clone()
	q.Keypoints[0][0] = 9
	assert.Equal(t, 1.0, p.Keypoints[0][0])
}

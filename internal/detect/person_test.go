package detect

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkevin01/wifi-radar/internal/types"
)

func estimateWithValid(n, valid int) types.PoseEstimate {
	est := types.PoseEstimate{
		Keypoints:   make([][3]float64, n),
		Confidences: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		est.Keypoints[i] = [3]float64{float64(i), float64(i) + 0.5, -float64(i)}
		if i < valid {
			est.Confidences[i] = 0.9
		} else {
			est.Confidences[i] = 0.1
		}
	}
	return est
}

func TestExtractBoundary(t *testing.T) {
	d, err := New(0.5, 0.3)
	require.NoError(t, err)

	// ceil(0.3*17) = 6
	tests := []struct {
		valid    int
		detected bool
	}{
		{0, false},
		{5, false},
		{6, true},
		{7, true},
		{17, true},
	}

	for _, tt := range tests {
		p, ok := d.Extract(estimateWithValid(17, tt.valid), Meta{Seq: 3})
		assert.Equal(t, tt.detected, ok, "valid=%d", tt.valid)
		if ok {
			assert.Equal(t, tt.valid, p.ValidCount)
		} else {
			assert.Nil(t, p)
		}
	}
	assert.Equal(t, 6, d.MinValid(17))
}

func TestExtractMasksInvalidKeypoints(t *testing.T) {
	d, err := New(0.5, 0.3)
	require.NoError(t, err)

	est := estimateWithValid(17, 8)
	est.Confidences[8] = 0.5 // exactly at threshold is invalid

	now := time.Now()
	p, ok := d.Extract(est, Meta{Seq: 42, Timestamp: now, TraceID: "abc"})
	require.True(t, ok)

	assert.Equal(t, uint64(42), p.Seq)
	assert.Equal(t, now, p.Timestamp)
	assert.Equal(t, "abc", p.TraceID)
	assert.Equal(t, 8, p.ValidCount)
	for i := 0; i < 17; i++ {
		if i < 8 {
			assert.True(t, p.Valid[i])
			assert.Equal(t, est.Keypoints[i], p.Keypoints[i])
		} else {
			assert.False(t, p.Valid[i])
			assert.True(t, math.IsNaN(p.Keypoints[i][0]))
			assert.True(t, math.IsNaN(p.Keypoints[i][2]))
		}
		assert.Equal(t, est.Confidences[i], p.Confidences[i])
	}

	// input estimate is untouched
	assert.False(t, math.IsNaN(est.Keypoints[16][0]))
}

func TestExtractRejectsMalformed(t *testing.T) {
	d, err := New(0.5, 0.3)
	require.NoError(t, err)

	_, ok := d.Extract(types.PoseEstimate{}, Meta{})
	assert.False(t, ok)

	est := estimateWithValid(17, 17)
	est.Keypoints = est.Keypoints[:3]
	_, ok = d.Extract(est, Meta{})
	assert.False(t, ok)
}

func TestNewValidates(t *testing.T) {
	_, err := New(1.0, 0.3)
	assert.Error(t, err)
	_, err = New(0.5, -0.1)
	assert.Error(t, err)
}

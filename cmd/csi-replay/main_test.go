package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkevin01/wifi-radar/internal/config"
	"github.com/hkevin01/wifi-radar/internal/stream"
	"github.com/hkevin01/wifi-radar/internal/types"
)

func replayConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CSI = config.CSIConfig{NumTx: 2, NumRx: 2, NumSubcarriers: 8}
	cfg.Model.HiddenDim = 8
	cfg.Model.FeatureDim = 16
	cfg.Model.EstimatorHiddenDim = 12
	cfg.Detector.ConfidenceThreshold = 0
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func writeRecording(t *testing.T, frames []types.CSIFrame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.csi")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := stream.NewEncoder(f)
	for _, frame := range frames {
		require.NoError(t, enc.Encode(frame))
	}
	require.NoError(t, enc.Flush())
	return path
}

func frameAt(shape types.Shape, seq uint64, at time.Time) types.CSIFrame {
	f := types.NewCSIFrame(shape)
	f.Seq = seq
	f.Timestamp = at
	f.TraceID = "replay"
	for i := range f.Amplitude {
		f.Amplitude[i] = 1.0 + 0.02*float64(i%4)
		f.Phase[i] = math.Mod(0.2*float64(i)+0.1*float64(seq), math.Pi)
	}
	return f
}

func TestReplayWritesPersons(t *testing.T) {
	cfg := replayConfig(t)
	shape := types.Shape{NumTx: 2, NumRx: 2, NumSubcarriers: 8}
	base := time.Unix(1700000000, 0)

	var frames []types.CSIFrame
	for i := uint64(0); i < 12; i++ {
		frames = append(frames, frameAt(shape, i, base.Add(time.Duration(i)*10*time.Millisecond)))
	}
	frames[5].Amplitude[0] = math.NaN()
	path := writeRecording(t, frames)

	var out bytes.Buffer
	summary, err := replay(cfg, path, &out, io.Discard, 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(12), summary.Frames)
	assert.Equal(t, uint64(1), summary.Dropped)
	assert.Equal(t, uint64(11), summary.Persons)

	var seqs []uint64
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var msg types.PersonMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &msg))
		assert.Equal(t, "pose_keypoints", msg.InferenceType)
		assert.Equal(t, cfg.InstanceID, msg.InstanceID)
		assert.Len(t, msg.Keypoints, 17)
		seqs = append(seqs, msg.Seq)
	}
	require.NoError(t, sc.Err())
	assert.Len(t, seqs, 11)
	assert.NotContains(t, seqs, uint64(5))
}

func TestReplayTruncatedRecording(t *testing.T) {
	cfg := replayConfig(t)
	shape := types.Shape{NumTx: 2, NumRx: 2, NumSubcarriers: 8}
	path := writeRecording(t, []types.CSIFrame{
		frameAt(shape, 0, time.Unix(1700000000, 0)),
		frameAt(shape, 1, time.Unix(1700000001, 0)),
	})

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	summary, err := replay(cfg, path, io.Discard, io.Discard, 0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, uint64(1), summary.Frames)
}

func TestReplayMissingFile(t *testing.T) {
	_, err := replay(replayConfig(t), filepath.Join(t.TempDir(), "nope.csi"), io.Discard, io.Discard, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

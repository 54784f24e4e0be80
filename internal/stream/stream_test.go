package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkevin01/wifi-radar/internal/types"
)

var testShape = types.Shape{NumTx: 2, NumRx: 2, NumSubcarriers: 8}

// collectSink records pushed frames
type collectSink struct {
	mu     sync.Mutex
	frames []types.CSIFrame
}

func (c *collectSink) Push(frame types.CSIFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *collectSink) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *collectSink) Frames() []types.CSIFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.CSIFrame(nil), c.frames...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testFrame(seq uint64) types.CSIFrame {
	rng := rand.New(rand.NewPCG(seq, 1))
	f := Synthesize(rng, testShape, float64(seq)*0.05)
	f.Seq = seq
	f.Timestamp = time.Unix(1700000000, int64(seq)*50_000_000)
	f.TraceID = "trace"
	return f
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, enc.Encode(testFrame(i)))
	}
	require.NoError(t, enc.Flush())
	total := uint64(buf.Len())

	dec := NewDecoder(&buf)
	for i := uint64(0); i < 3; i++ {
		got, err := dec.Decode()
		require.NoError(t, err)
		want := testFrame(i)
		assert.Equal(t, want.Seq, got.Seq)
		assert.True(t, want.Timestamp.Equal(got.Timestamp))
		assert.Equal(t, want.Shape, got.Shape)
		assert.Equal(t, want.Amplitude, got.Amplitude)
		assert.Equal(t, want.Phase, got.Phase)
	}
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, total, dec.BytesRead())
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(testFrame(1)))
	require.NoError(t, enc.Flush())

	data := buf.Bytes()[:buf.Len()-5]
	_, err := NewDecoder(bytes.NewReader(data)).Decode()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeRejectsOversizedPrefix(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameBytes+1)
	_, err := NewDecoder(bytes.NewReader(prefix[:])).Decode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestSynthesize(t *testing.T) {
	a := Synthesize(rand.New(rand.NewPCG(1, 2)), testShape, 3.0)
	b := Synthesize(rand.New(rand.NewPCG(1, 2)), testShape, 3.0)
	assert.Equal(t, a, b)
	require.NoError(t, a.CheckShape(testShape))
	assert.Equal(t, -1, types.FirstNonFinite(a.Amplitude))
	for _, v := range a.Amplitude {
		assert.Greater(t, v, 0.0)
	}
	for _, v := range a.Phase {
		assert.LessOrEqual(t, math.Abs(v), math.Pi+0.2)
	}
}

func TestSimulatedSourcePushes(t *testing.T) {
	sink := &collectSink{}
	src := NewSimulatedSource(testShape, 200, 7, sink)

	require.NoError(t, src.Start(context.Background()))
	assert.ErrorIs(t, src.Start(context.Background()), ErrAlreadyRunning)

	waitFor(t, 2*time.Second, func() bool { return sink.Len() >= 5 })
	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())

	frames := sink.Frames()
	for i, f := range frames {
		assert.Equal(t, uint64(i), f.Seq)
		assert.NotEmpty(t, f.TraceID)
		assert.NoError(t, f.CheckShape(testShape))
	}
	stats := src.Stats()
	assert.Equal(t, uint64(len(frames)), stats.FramesPushed)
	assert.False(t, stats.IsConnected)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := ReconnectConfig{RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

func TestRunWithReconnect(t *testing.T) {
	cfg := ReconnectConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}

	t.Run("succeeds after failures", func(t *testing.T) {
		var reconnects uint32
		state := &ReconnectState{Reconnects: &reconnects}
		calls := 0
		err := RunWithReconnect(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("refused")
			}
			return nil
		}, cfg, state)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, uint32(2), reconnects)
		assert.Equal(t, 0, state.CurrentRetries)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		state := &ReconnectState{}
		err := RunWithReconnect(context.Background(), func(ctx context.Context) error {
			return errors.New("refused")
		}, cfg, state)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max retries exceeded")
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RunWithReconnect(ctx, func(ctx context.Context) error { return nil }, cfg, &ReconnectState{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTCPSource(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		enc := NewEncoder(conn)
		for i := uint64(100); i < 105; i++ {
			f := testFrame(i)
			f.TraceID = ""
			if err := enc.Encode(f); err != nil {
				return
			}
		}
		enc.Flush()
		// hold the connection open until the client hangs up
		io.Copy(io.Discard, conn)
	}()

	sink := &collectSink{}
	src := NewTCPSource(ln.Addr().String(), sink, ReconnectConfig{RetryDelay: 10 * time.Millisecond, MaxRetryDelay: 50 * time.Millisecond})
	require.NoError(t, src.Start(context.Background()))

	waitFor(t, 2*time.Second, func() bool { return sink.Len() == 5 })
	stats := src.Stats()
	assert.True(t, stats.IsConnected)
	assert.Greater(t, stats.BytesRead, uint64(0))
	require.NoError(t, src.Stop())

	for i, f := range sink.Frames() {
		assert.Equal(t, uint64(i), f.Seq, "source assigns its own sequence")
		assert.NotEmpty(t, f.TraceID)
	}
}

func TestRecorderAndReplay(t *testing.T) {
	dir := t.TempDir()
	downstream := &collectSink{}

	rec, err := NewRecorder(dir, "test", downstream)
	require.NoError(t, err)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, rec.Push(testFrame(i)))
	}
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	assert.Equal(t, 4, downstream.Len())
	assert.Equal(t, uint64(4), rec.Recorded())

	info, err := os.Stat(rec.Path())
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, dir, filepath.Dir(rec.Path()))

	replayed := &collectSink{}
	src := NewReplaySource(rec.Path(), 500, false, replayed)
	require.NoError(t, src.Start(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return replayed.Len() == 4 })
	require.NoError(t, src.Stop())

	for i, f := range replayed.Frames() {
		assert.Equal(t, testFrame(uint64(i)).Amplitude, f.Amplitude)
		assert.Equal(t, uint64(i), f.Seq)
	}
	assert.Equal(t, uint64(4), src.Stats().FramesPushed)
}

func TestReplayMissingFile(t *testing.T) {
	src := NewReplaySource(filepath.Join(t.TempDir(), "nope.csi"), 10, false, &collectSink{})
	assert.Error(t, src.Start(context.Background()))
}

func TestCalculateRateStats(t *testing.T) {
	base := time.Unix(0, 0)
	times := make([]time.Time, 21)
	for i := range times {
		times[i] = base.Add(time.Duration(i) * 50 * time.Millisecond)
	}

	stats := CalculateRateStats(times, time.Second)
	assert.Equal(t, 21, stats.FramesReceived)
	assert.InDelta(t, 20.0, stats.RateMean, 1e-9)
	assert.InDelta(t, 0.0, stats.RateStdDev, 1e-6)
	assert.True(t, stats.IsStable)
	assert.Equal(t, 50*time.Millisecond, stats.MeanInterval)

	assert.Equal(t, 250*time.Millisecond, GapThreshold(stats, 5))
	assert.Equal(t, time.Duration(0), GapThreshold(nil, 5))
	assert.Equal(t, time.Duration(0), GapThreshold(stats, 0))
}

func TestWarmup(t *testing.T) {
	base := time.Now()
	var seq uint64
	pop := func(ctx context.Context) (FrameGetter, bool) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(5 * time.Millisecond):
		}
		f := types.CSIFrame{Seq: seq, Timestamp: base.Add(time.Duration(seq) * 10 * time.Millisecond)}
		seq++
		return f, true
	}

	stats, err := Warmup(context.Background(), pop, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Greater(t, stats.FramesReceived, 2)
	assert.InDelta(t, 100.0, stats.RateMean, 1e-6)

	_, err = Warmup(context.Background(), func(ctx context.Context) (FrameGetter, bool) {
		<-ctx.Done()
		return nil, false
	}, 20*time.Millisecond)
	assert.Error(t, err)
}

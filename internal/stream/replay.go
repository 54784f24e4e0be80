package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// ReplaySource streams a recording back at a fixed rate. Frames are
// re-stamped with the emission time so downstream gap detection sees the
// replay cadence rather than the recording's.
type ReplaySource struct {
	path   string
	rateHz float64
	loop   bool
	sink   Sink

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.RWMutex
	isRunning     bool
	startTime     time.Time
	seq           uint64
	framesPushed  uint64
	framesDropped uint64
	bytesRead     uint64
	errors        uint64
}

// NewReplaySource creates a replay of the recording at path
func NewReplaySource(path string, rateHz float64, loop bool, sink Sink) *ReplaySource {
	return &ReplaySource{path: path, rateHz: rateHz, loop: loop, sink: sink}
}

// Start opens the recording and begins emitting
func (s *ReplaySource) Start(ctx context.Context) error {
	if s.rateHz <= 0 {
		return fmt.Errorf("replay source: rate must be > 0, got %v", s.rateHz)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open recording: %w", err)
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		f.Close()
		return ErrAlreadyRunning
	}
	s.isRunning = true
	s.startTime = time.Now()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	slog.Info("replay csi source starting", "path", s.path, "rate_hz", s.rateHz, "loop", s.loop)

	s.wg.Add(1)
	go s.emit(ctx, f)
	return nil
}

// Stop stops the replay
func (s *ReplaySource) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("replay csi source stopped", "path", s.path, "frames_pushed", s.Stats().FramesPushed)
	return nil
}

// Stats returns source statistics
func (s *ReplaySource) Stats() types.StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rateReal float64
	if s.isRunning && s.framesPushed > 0 {
		if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
			rateReal = float64(s.framesPushed) / elapsed
		}
	}
	return types.StreamStats{
		FrameCount:    s.seq,
		FramesPushed:  s.framesPushed,
		FramesDropped: s.framesDropped,
		RateTargetHz:  s.rateHz,
		RateRealHz:    rateReal,
		Source:        "replay://" + s.path,
		BytesRead:     s.bytesRead,
		IsConnected:   s.isRunning,
		Errors:        s.errors,
	}
}

func (s *ReplaySource) emit(ctx context.Context, f *os.File) {
	defer s.wg.Done()
	defer f.Close()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.rateHz))
	defer ticker.Stop()

	dec := NewDecoder(bufio.NewReader(f))
	var consumed uint64
	for {
		frame, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			if !s.loop {
				slog.Info("replay reached end of recording", "path", s.path)
				return
			}
			if consumed == 0 {
				slog.Error("recording holds no frames, not looping", "path", s.path)
				return
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				slog.Error("failed to rewind recording", "path", s.path, "error", err)
				return
			}
			dec = NewDecoder(bufio.NewReader(f))
			consumed = 0
			continue
		}
		if err != nil {
			s.mu.Lock()
			s.errors++
			s.mu.Unlock()
			slog.Error("failed to read recording", "path", s.path, "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			frame.Seq = s.seq
			s.seq++
			s.bytesRead += dec.BytesRead() - consumed
			s.mu.Unlock()
			consumed = dec.BytesRead()

			frame.Timestamp = now
			frame.TraceID = uuid.New().String()

			err := s.sink.Push(frame)
			s.mu.Lock()
			if err != nil {
				s.framesDropped++
			} else {
				s.framesPushed++
			}
			s.mu.Unlock()
		}
	}
}

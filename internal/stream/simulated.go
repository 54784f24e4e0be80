package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// SimulatedSource generates synthetic CSI frames at a fixed rate: Rayleigh
// amplitude, uniform phase and the signature of one person walking slowly
// through the room.
type SimulatedSource struct {
	shape  types.Shape
	rateHz float64
	sink   Sink

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.RWMutex
	rng           *rand.Rand
	seq           uint64
	framesEmitted uint64
	framesDropped uint64
	isRunning     bool
	startTime     time.Time
}

// NewSimulatedSource creates a simulated source. seed makes the noise
// reproducible.
func NewSimulatedSource(shape types.Shape, rateHz float64, seed uint64, sink Sink) *SimulatedSource {
	return &SimulatedSource{
		shape:  shape,
		rateHz: rateHz,
		sink:   sink,
		rng:    rand.New(rand.NewPCG(seed, seed+1)),
	}
}

// Start begins generating frames
func (s *SimulatedSource) Start(ctx context.Context) error {
	if s.rateHz <= 0 {
		return fmt.Errorf("simulated source: rate must be > 0, got %v", s.rateHz)
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.isRunning = true
	s.startTime = time.Now()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	slog.Info("simulated csi source starting",
		"shape", s.shape.String(),
		"rate_hz", s.rateHz,
	)

	s.wg.Add(1)
	go s.generateFrames(ctx)

	return nil
}

// Stop stops the source and waits for the generator to exit
func (s *SimulatedSource) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	slog.Info("simulated csi source stopped",
		"frames_emitted", s.framesEmitted,
		"frames_dropped", s.framesDropped,
		"duration", time.Since(s.startTime),
	)
	return nil
}

// Stats returns source statistics
func (s *SimulatedSource) Stats() types.StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rateReal float64
	if s.isRunning && s.framesEmitted > 0 {
		if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
			rateReal = float64(s.framesEmitted) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:    s.seq,
		FramesPushed:  s.framesEmitted,
		FramesDropped: s.framesDropped,
		RateTargetHz:  s.rateHz,
		RateRealHz:    rateReal,
		Source:        "simulated",
		IsConnected:   s.isRunning,
	}
}

func (s *SimulatedSource) generateFrames(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(float64(time.Second) / s.rateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("csi generator started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			frame := s.createFrame(now)
			err := s.sink.Push(frame)

			s.mu.Lock()
			if err != nil {
				s.framesDropped++
			} else {
				s.framesEmitted++
			}
			s.mu.Unlock()

			if err != nil {
				slog.Debug("simulated frame not accepted", "seq", frame.Seq, "error", err)
			}
		}
	}
}

func (s *SimulatedSource) createFrame(now time.Time) types.CSIFrame {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	t := now.Sub(s.startTime).Seconds()
	frame := Synthesize(s.rng, s.shape, t)
	s.mu.Unlock()

	frame.Seq = seq
	frame.Timestamp = now
	frame.TraceID = uuid.New().String()
	return frame
}

// Synthesize draws one frame of background noise plus the presence
// signature of a subject at time t seconds
func Synthesize(rng *rand.Rand, shape types.Shape, t float64) types.CSIFrame {
	frame := types.NewCSIFrame(shape)
	for i := range frame.Amplitude {
		// Rayleigh(1) by inverse CDF
		frame.Amplitude[i] = math.Sqrt(-2 * math.Log(1-rng.Float64()))
		frame.Phase[i] = rng.Float64()*2*math.Pi - math.Pi
	}
	addPresence(frame, t)
	return frame
}

// addPresence perturbs antenna pairs close to a subject moving on a slow
// Lissajous path, with a subcarrier dependent gain
func addPresence(frame types.CSIFrame, t float64) {
	shape := frame.Shape
	xPos := 0.5 + 0.3*math.Sin(t*0.5)
	yPos := 0.5 + 0.2*math.Cos(t*0.3)

	for tx := 0; tx < shape.NumTx; tx++ {
		for rx := 0; rx < shape.NumRx; rx++ {
			dx := float64(tx)/float64(shape.NumTx) - xPos
			dy := float64(rx)/float64(shape.NumRx) - yPos
			effect := 0.2 * math.Exp(-(dx*dx+dy*dy)*10)

			for sc := 0; sc < shape.NumSubcarriers; sc++ {
				f := math.Sin(float64(sc) / float64(shape.NumSubcarriers) * math.Pi * 4)
				i := shape.Index(tx, rx, sc)
				frame.Amplitude[i] *= 1 + effect*f*0.5
				frame.Phase[i] += effect * f * 0.8
			}
		}
	}
}

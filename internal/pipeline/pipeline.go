// Package pipeline runs CSI frames from the ingestion queue through
// conditioning, feature extraction, temporal pose estimation and person
// extraction on a single consumer goroutine, and publishes the latest result
// for presentation sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkevin01/wifi-radar/internal/ingest"
	"github.com/hkevin01/wifi-radar/internal/stream"
	"github.com/hkevin01/wifi-radar/internal/types"
)

var (
	ErrAlreadyStarted = errors.New("pipeline: already started")
	ErrStopped        = errors.New("pipeline: stopped")
	ErrStopTimeout    = errors.New("pipeline: consumer did not stop in time")
)

// Config contains pipeline runtime settings
type Config struct {
	QueueCapacity  int
	OverflowPolicy ingest.OverflowPolicy
	PopTimeout     time.Duration
	StopTimeout    time.Duration
	// WarmupDuration > 0 measures the sample rate before inference starts
	WarmupDuration time.Duration
	GapFactor      float64
	StatsInterval  time.Duration
	// ObserveLatency, when set, receives per-frame processing time
	ObserveLatency func(time.Duration)
}

// Stats is a snapshot of pipeline counters
type Stats struct {
	FramesProcessed  uint64
	PersonsDetected  uint64
	DroppedCondition uint64
	DroppedExtract   uint64
	DroppedEstimate  uint64
	Degraded         uint64
	Skipped          uint64 // frames consumed while paused
	GapResets        uint64
	StateResets      uint64
	Paused           bool
	Running          bool
	GapThreshold     time.Duration
	LastLatency      time.Duration
	Queue            ingest.Stats
}

// Pipeline owns the ingestion queue and the stream state of one sensor
type Pipeline struct {
	cfg    Config
	queue  *ingest.Queue
	stages *Stages
	stream *StreamState

	// Lifecycle
	lifeMu  sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Latest result, guarded by mu
	mu     sync.RWMutex
	latest types.Snapshot

	paused         atomic.Bool
	resetRequested atomic.Bool
	gapThreshold   atomic.Int64
	lastLatency    atomic.Int64

	framesProcessed  atomic.Uint64
	personsDetected  atomic.Uint64
	droppedCondition atomic.Uint64
	droppedExtract   atomic.Uint64
	droppedEstimate  atomic.Uint64
	degraded         atomic.Uint64
	skipped          atomic.Uint64
	gapResets        atomic.Uint64
	stateResets      atomic.Uint64
}

// New creates a pipeline around stages with its own ingestion queue
func New(cfg Config, stages *Stages) (*Pipeline, error) {
	if stages == nil {
		return nil, errors.New("pipeline: stages required")
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 100 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 10 * time.Second
	}

	q, err := ingest.New(cfg.QueueCapacity, stages.Conditioner.Shape(), cfg.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return &Pipeline{
		cfg:    cfg,
		queue:  q,
		stages: stages,
		stream: stages.NewStreamState(),
		done:   make(chan struct{}),
	}, nil
}

// Push hands a frame to the ingestion queue. It never blocks, so a Pipeline
// can be used directly as a source sink.
func (p *Pipeline) Push(frame types.CSIFrame) error {
	return p.queue.Push(frame)
}

// Start launches the consumer goroutine
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	go p.run(runCtx)

	slog.Info("pipeline started",
		"queue_capacity", p.queue.Cap(),
		"overflow_policy", p.queue.Policy().String(),
		"shape", p.queue.Shape().String(),
		"warmup", p.cfg.WarmupDuration,
	)
	return nil
}

// Stop cancels the consumer and waits at most StopTimeout (or until ctx is
// done) for it to exit. Frames still queued are discarded. Idempotent.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.lifeMu.Lock()
	if p.stopped {
		p.lifeMu.Unlock()
		return nil
	}
	p.stopped = true
	wasStarted := p.started
	cancel := p.cancel
	p.lifeMu.Unlock()

	defer func() {
		discarded := p.queue.Drain()
		p.queue.Close()
		slog.Info("pipeline stopped",
			"frames_processed", p.framesProcessed.Load(),
			"frames_discarded", discarded,
		)
	}()

	if !wasStarted {
		return nil
	}
	cancel()

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		slog.Error("pipeline consumer did not stop in time", "timeout", p.cfg.StopTimeout)
		return ErrStopTimeout
	case <-ctx.Done():
		return fmt.Errorf("pipeline stop: %w", ctx.Err())
	}
}

// Done is closed once the consumer goroutine has exited
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Latest returns a copy of the most recent result. It never blocks on
// inference.
func (p *Pipeline) Latest() types.Snapshot {
	p.mu.RLock()
	snap := p.latest
	p.mu.RUnlock()

	snap.Person = snap.Person.Clone()
	snap.Conditioned = snap.Conditioned.Clone()
	return snap
}

// Pause keeps consuming frames but skips inference
func (p *Pipeline) Pause() {
	if !p.paused.Swap(true) {
		slog.Info("inference paused")
	}
}

// Resume re-enables inference after Pause
func (p *Pipeline) Resume() {
	if p.paused.Swap(false) {
		slog.Info("inference resumed")
	}
}

// IsPaused reports whether inference is paused
func (p *Pipeline) IsPaused() bool {
	return p.paused.Load()
}

// RequestReset asks the consumer to clear conditioner and temporal state
// before the next frame
func (p *Pipeline) RequestReset() {
	p.resetRequested.Store(true)
}

// QueueStats returns ingestion queue counters
func (p *Pipeline) QueueStats() ingest.Stats {
	return p.queue.Stats()
}

// Stats returns pipeline counters
func (p *Pipeline) Stats() Stats {
	p.lifeMu.Lock()
	running := p.started && !p.stopped
	p.lifeMu.Unlock()

	return Stats{
		FramesProcessed:  p.framesProcessed.Load(),
		PersonsDetected:  p.personsDetected.Load(),
		DroppedCondition: p.droppedCondition.Load(),
		DroppedExtract:   p.droppedExtract.Load(),
		DroppedEstimate:  p.droppedEstimate.Load(),
		Degraded:         p.degraded.Load(),
		Skipped:          p.skipped.Load(),
		GapResets:        p.gapResets.Load(),
		StateResets:      p.stateResets.Load(),
		Paused:           p.paused.Load(),
		Running:          running,
		GapThreshold:     time.Duration(p.gapThreshold.Load()),
		LastLatency:      time.Duration(p.lastLatency.Load()),
		Queue:            p.queue.Stats(),
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	if p.cfg.WarmupDuration > 0 {
		p.warmup(ctx)
	}

	statsTicker := time.NewTicker(p.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			p.logStats()
		default:
		}

		frame, ok := p.queue.Pop(ctx, p.cfg.PopTimeout)
		if !ok {
			continue
		}

		if p.resetRequested.Swap(false) {
			p.stream.Reset()
			p.stateResets.Add(1)
			slog.Info("pipeline state reset", "next_seq", frame.Seq)
		}

		if p.paused.Load() {
			p.skipped.Add(1)
			continue
		}

		p.process(frame)
	}
}

func (p *Pipeline) warmup(ctx context.Context) {
	pop := func(ctx context.Context) (stream.FrameGetter, bool) {
		frame, ok := p.queue.Pop(ctx, p.cfg.PopTimeout)
		if !ok {
			return nil, false
		}
		return frame, true
	}

	stats, err := stream.Warmup(ctx, pop, p.cfg.WarmupDuration)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("csi warm-up failed, gap detection disabled", "error", err)
		}
		return
	}

	threshold := stream.GapThreshold(stats, p.cfg.GapFactor)
	p.stream.SetGapThreshold(threshold)
	p.gapThreshold.Store(int64(threshold))
	slog.Info("gap detection configured",
		"threshold", threshold,
		"mean_interval", stats.MeanInterval,
		"factor", p.cfg.GapFactor,
	)
}

func (p *Pipeline) process(frame types.CSIFrame) {
	start := time.Now()
	res, err := p.stream.Step(frame)
	latency := time.Since(start)

	p.lastLatency.Store(int64(latency))
	if p.cfg.ObserveLatency != nil {
		p.cfg.ObserveLatency(latency)
	}
	if res.GapReset {
		p.gapResets.Add(1)
	}

	if err != nil {
		p.countDrop(err)
		slog.Debug("frame dropped",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		return
	}

	n := p.framesProcessed.Add(1)
	if res.Conditioned.Degraded {
		p.degraded.Add(1)
	}
	if res.Person != nil {
		p.personsDetected.Add(1)
	}

	// res is owned by this goroutine and never modified after publishing
	p.mu.Lock()
	p.latest.Seq = n
	p.latest.Conditioned = &res.Conditioned
	p.latest.Detected = res.Person != nil
	if res.Person != nil {
		p.latest.Person = res.Person
	}
	p.latest.UpdatedAt = time.Now()
	p.mu.Unlock()
}

func (p *Pipeline) countDrop(err error) {
	var se *StageError
	if !errors.As(err, &se) {
		p.droppedCondition.Add(1)
		return
	}
	switch se.Stage {
	case StageExtract:
		p.droppedExtract.Add(1)
	case StageEstimate:
		p.droppedEstimate.Add(1)
	default:
		p.droppedCondition.Add(1)
	}
}

func (p *Pipeline) logStats() {
	s := p.Stats()
	slog.Info("pipeline stats",
		"processed", s.FramesProcessed,
		"persons", s.PersonsDetected,
		"dropped_condition", s.DroppedCondition,
		"dropped_extract", s.DroppedExtract,
		"dropped_estimate", s.DroppedEstimate,
		"degraded", s.Degraded,
		"queue_depth", s.Queue.Depth,
		"queue_dropped", s.Queue.Dropped+s.Queue.Evicted,
		"latency", s.LastLatency,
		"paused", s.Paused,
	)
}

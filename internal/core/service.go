package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hkevin01/wifi-radar/internal/config"
	"github.com/hkevin01/wifi-radar/internal/control"
	"github.com/hkevin01/wifi-radar/internal/emitter"
	"github.com/hkevin01/wifi-radar/internal/ingest"
	"github.com/hkevin01/wifi-radar/internal/pipeline"
	"github.com/hkevin01/wifi-radar/internal/stream"
	"github.com/hkevin01/wifi-radar/internal/types"
)

const healthPublishInterval = 30 * time.Second

// Service is the main sensor orchestrator: one CSI source feeding one
// pipeline, with MQTT, websocket and HTTP presentation around it
type Service struct {
	cfg *config.Config

	// Core components
	pipeline       *pipeline.Pipeline
	source         stream.Source
	recorder       *stream.Recorder
	emitter        *emitter.PersonEmitter // nil when MQTT is disabled
	controlHandler *control.Handler
	live           *LiveHub
	metrics        *Metrics
	server         *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	sinkWG    sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// NewService builds every component from cfg without starting anything
func NewService(cfg *config.Config) (*Service, error) {
	stages, err := BuildStages(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline stages: %w", err)
	}

	policy, err := ingest.ParseOverflowPolicy(cfg.Queue.OverflowPolicy)
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg}
	s.metrics = NewMetrics(cfg.InstanceID, func() pipeline.Stats { return s.pipeline.Stats() })

	s.pipeline, err = pipeline.New(pipeline.Config{
		QueueCapacity:  cfg.Queue.Capacity,
		OverflowPolicy: policy,
		PopTimeout:     cfg.PopTimeout(),
		StopTimeout:    cfg.ShutdownTimeout(),
		WarmupDuration: cfg.WarmupDuration(),
		GapFactor:      cfg.Stream.GapFactor,
		ObserveLatency: s.metrics.ObserveLatency,
	}, stages)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	if cfg.Live.Enabled {
		s.live = NewLiveHub(cfg.InstanceID, cfg.RoomID, func(n int) {
			s.metrics.LiveClients.Set(float64(n))
		})
	}
	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewPersonEmitter(cfg)
	}

	slog.Info("service configured",
		"instance_id", cfg.InstanceID,
		"room_id", cfg.RoomID,
		"source", cfg.Source.Kind,
		"shape", Architecture(cfg).Shape.String(),
		"mqtt_enabled", s.emitter != nil,
		"live_enabled", s.live != nil,
	)
	return s, nil
}

// Pipeline exposes the running pipeline
func (s *Service) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

func (s *Service) newSource(sink stream.Sink) (stream.Source, error) {
	src := s.cfg.Source
	switch src.Kind {
	case config.SourceSimulated:
		return stream.NewSimulatedSource(Architecture(s.cfg).Shape, src.SampleRateHz, s.cfg.Model.Seed, sink), nil
	case config.SourceTCP:
		return stream.NewTCPSource(src.Address, sink, stream.DefaultReconnectConfig()), nil
	case config.SourceReplay:
		return stream.NewReplaySource(src.ReplayPath, src.SampleRateHz, src.Loop, sink), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// command arrives
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("wifipose service starting", "instance_id", s.cfg.InstanceID)

	// Consumer first so the queue drains from the first frame
	if err := s.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	var sink stream.Sink = s.pipeline
	if s.cfg.Recording.Enabled {
		rec, err := stream.NewRecorder(s.cfg.Recording.OutputDir, s.cfg.InstanceID, s.pipeline)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		s.mu.Lock()
		s.recorder = rec
		s.mu.Unlock()
		sink = rec
	}

	source, err := s.newSource(sink)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()
	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start csi source: %w", err)
	}

	if s.emitter != nil {
		s.startMQTT(ctx)
	}
	if s.live != nil {
		interval := time.Duration(s.cfg.Live.PushIntervalMs) * time.Millisecond
		s.runSink(ctx, &s.sinkWG, "live", interval, func() (bool, error) {
			return s.live.Publish(s.pipeline.Latest())
		})
	}

	slog.Info("wifipose service running",
		"source", s.cfg.Source.Kind,
		"warmup", s.cfg.WarmupDuration(),
	)

	select {
	case <-ctx.Done():
	case <-s.pipeline.Done():
		slog.Error("pipeline consumer exited unexpectedly")
	}

	slog.Info("wifipose service run loop exiting")
	return nil
}

// startMQTT connects the emitter and starts the person, health and control
// loops. A broker that is down at startup is retried in the background;
// the control plane is only available once the first connect succeeded.
func (s *Service) startMQTT(ctx context.Context) {
	if err := s.emitter.Connect(ctx); err != nil {
		slog.Warn("mqtt unavailable at startup, publishing will resume on reconnect",
			"error", err,
			"broker", s.cfg.MQTT.Broker,
			"action", "control plane disabled",
		)
	} else {
		handler := control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
			OnGetStatus: s.getStatus,
			OnPause:     s.pauseInference,
			OnResume:    s.resumeInference,
			OnReset:     s.resetState,
			OnShutdown:  s.shutdownViaControl,
		})
		if err := handler.Start(ctx); err != nil {
			slog.Error("failed to start control plane", "error", err)
		} else {
			s.mu.Lock()
			s.controlHandler = handler
			s.mu.Unlock()
		}
	}

	interval := time.Duration(s.cfg.MQTT.PublishIntervalMs) * time.Millisecond
	s.runSink(ctx, &s.sinkWG, "mqtt", interval, func() (bool, error) {
		return s.emitter.PublishPerson(s.pipeline.Latest().Person)
	})
	s.runSink(ctx, &s.sinkWG, "mqtt-health", healthPublishInterval, func() (bool, error) {
		payload, err := jsonHealth(s.HealthCheck())
		if err != nil {
			return false, err
		}
		return true, s.emitter.PublishHealth(payload)
	})
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelCtx
	source := s.source
	server := s.server
	recorder := s.recorder
	controlHandler := s.controlHandler
	s.mu.Unlock()

	slog.Info("shutting down wifipose service")

	// 1. Stop the source, nothing new enters the queue
	if source != nil {
		slog.Info("stopping csi source")
		if err := source.Stop(); err != nil {
			slog.Error("failed to stop csi source", "error", err)
		}
	}

	// 2. Stop the pipeline within the shutdown budget
	var stopErr error
	if err := s.pipeline.Stop(ctx); err != nil {
		slog.Error("failed to stop pipeline", "error", err)
		stopErr = err
	}

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			slog.Error("failed to close recording", "error", err)
		}
	}

	// 3. Stop control plane and sinks
	if controlHandler != nil {
		if err := controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	s.sinkWG.Wait()

	if s.live != nil {
		s.live.Close()
	}
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	// 4. HTTP last so readiness reports the shutdown
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("wifipose service shutdown complete", "uptime", uptime)
	return stopErr
}

// Latest returns the most recent pipeline snapshot
func (s *Service) Latest() types.Snapshot {
	return s.pipeline.Latest()
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

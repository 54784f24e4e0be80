package core

import (
	"fmt"
	"time"
)

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	source := s.source
	s.mu.RUnlock()

	ps := s.pipeline.Stats()

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"room_id":     s.cfg.RoomID,
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"paused":      ps.Paused,
		"pipeline": map[string]interface{}{
			"frames_processed":  ps.FramesProcessed,
			"persons_detected":  ps.PersonsDetected,
			"dropped_condition": ps.DroppedCondition,
			"dropped_extract":   ps.DroppedExtract,
			"dropped_estimate":  ps.DroppedEstimate,
			"degraded":          ps.Degraded,
			"gap_resets":        ps.GapResets,
			"gap_threshold_ms":  ps.GapThreshold.Milliseconds(),
			"latency_ms":        float64(ps.LastLatency.Microseconds()) / 1000,
		},
		"queue": map[string]interface{}{
			"depth":    ps.Queue.Depth,
			"capacity": ps.Queue.Capacity,
			"pushed":   ps.Queue.Pushed,
			"dropped":  ps.Queue.Dropped,
			"evicted":  ps.Queue.Evicted,
			"rejected": ps.Queue.Rejected,
			"policy":   s.cfg.Queue.OverflowPolicy,
		},
		"config": map[string]interface{}{
			"source": s.cfg.Source.Kind,
			"shape":  Architecture(s.cfg).Shape.String(),
			"detector": map[string]interface{}{
				"confidence_threshold": s.cfg.Detector.ConfidenceThreshold,
				"min_valid_fraction":   s.cfg.Detector.MinValidFraction,
			},
			"mqtt": map[string]interface{}{
				"broker":        s.cfg.MQTT.Broker,
				"control_topic": s.cfg.MQTT.Topics.Control,
				"persons_topic": s.cfg.MQTT.Topics.Persons,
			},
		},
	}

	if source != nil {
		st := source.Stats()
		status["source"] = map[string]interface{}{
			"name":        st.Source,
			"connected":   st.IsConnected,
			"rate_real":   st.RateRealHz,
			"rate_target": st.RateTargetHz,
			"frame_count": st.FrameCount,
			"reconnects":  st.Reconnects,
			"errors":      st.Errors,
		}
	}
	if s.emitter != nil {
		es := s.emitter.Stats()
		status["emitter"] = map[string]interface{}{
			"connected": es.Connected,
			"published": es.Published,
			"errors":    es.Errors,
		}
	}

	return status
}

// pauseInference pauses inference processing
func (s *Service) pauseInference() error {
	if s.pipeline.IsPaused() {
		return fmt.Errorf("already paused")
	}
	s.pipeline.Pause()
	return nil
}

// resumeInference resumes inference processing
func (s *Service) resumeInference() error {
	if !s.pipeline.IsPaused() {
		return fmt.Errorf("not paused")
	}
	s.pipeline.Resume()
	return nil
}

// resetState clears conditioner and temporal memory on the consumer
// goroutine before the next frame
func (s *Service) resetState() error {
	s.pipeline.RequestReset()
	return nil
}

// shutdownViaControl initiates graceful shutdown via MQTT control command
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service not running")
	}
	if s.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}

	// Run returns and main drives the shutdown sequence
	s.cancelCtx()
	return nil
}

package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hkevin01/wifi-radar/internal/config"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status          string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64   `json:"uptime_seconds"`
	Paused          bool    `json:"paused"`
	SourceConnected bool    `json:"source_connected"`
	MQTTEnabled     bool    `json:"mqtt_enabled"`
	MQTTConnected   bool    `json:"mqtt_connected"`
	FramesProcessed uint64  `json:"frames_processed"`
	PersonsDetected uint64  `json:"persons_detected"`
	QueueDepth      int     `json:"queue_depth"`
	QueueDropRate   float64 `json:"queue_drop_rate"`
	LatencyMS       float64 `json:"latency_ms"`
	LiveClients     int     `json:"live_clients"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	source := s.source
	s.mu.RUnlock()

	ps := s.pipeline.Stats()
	status := HealthStatus{
		Status:          "healthy",
		Paused:          ps.Paused,
		MQTTEnabled:     s.emitter != nil,
		FramesProcessed: ps.FramesProcessed,
		PersonsDetected: ps.PersonsDetected,
		QueueDepth:      ps.Queue.Depth,
		LatencyMS:       float64(ps.LastLatency.Microseconds()) / 1000,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	lost := ps.Queue.Dropped + ps.Queue.Evicted
	if total := ps.Queue.Pushed + ps.Queue.Dropped; total > 0 {
		status.QueueDropRate = float64(lost) / float64(total)
	}

	// a simulated source has no link to lose
	if source != nil {
		status.SourceConnected = source.Stats().IsConnected || s.cfg.Source.Kind == config.SourceSimulated
	}
	if s.emitter != nil {
		status.MQTTConnected = s.emitter.Stats().Connected
	}
	if s.live != nil {
		status.LiveClients = s.live.Clients()
	}

	switch {
	case !running || !ps.Running:
		status.Status = "unhealthy"
	case !status.SourceConnected || (status.MQTTEnabled && !status.MQTTConnected):
		status.Status = "degraded"
	}
	return status
}

func jsonHealth(h HealthStatus) ([]byte, error) {
	return json.Marshal(h)
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// LatestHandler handles /api/latest with the most recent snapshot
func (s *Service) LatestHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.pipeline.Latest()

	msg := LiveMessage{
		Seq:       snap.Seq,
		Detected:  snap.Detected,
		UpdatedAt: snap.UpdatedAt,
		CSI:       snap.Conditioned,
	}
	if snap.Person != nil {
		pm := snap.Person.Message(s.cfg.InstanceID, s.cfg.RoomID)
		msg.Person = &pm
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		slog.Debug("failed to write latest snapshot", "error", err)
	}
}

// Handler returns the HTTP routes of the service
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/api/latest", s.LatestHandler)
	if s.live != nil {
		mux.Handle("/ws/pose", s.live)
	}
	return mux
}

// StartHealthServer starts the HTTP server on the configured port. It does
// not block; bind errors are returned immediately.
func (s *Service) StartHealthServer() error {
	addr := fmt.Sprintf(":%d", s.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}

	server := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	slog.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics", "/api/latest", "/ws/pose"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return nil
}

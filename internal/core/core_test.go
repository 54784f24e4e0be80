package core

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkevin01/wifi-radar/internal/config"
	"github.com/hkevin01/wifi-radar/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CSI = config.CSIConfig{NumTx: 2, NumRx: 2, NumSubcarriers: 8}
	cfg.Model.HiddenDim = 8
	cfg.Model.FeatureDim = 16
	cfg.Model.EstimatorHiddenDim = 12
	cfg.Source.SampleRateHz = 200
	cfg.Stream.WarmupDurationS = -1
	// every sigmoid confidence passes, so every frame yields a person
	cfg.Detector.ConfidenceThreshold = 0
	cfg.Live.PushIntervalMs = 10
	cfg.ShutdownTimeoutS = 2
	require.NoError(t, config.Validate(cfg))
	return cfg
}

// startService runs s until the test ends
func startService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Latest().Seq > 3 }, 3*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		shutdownCtx, c := context.WithTimeout(context.Background(), 3*time.Second)
		defer c()
		assert.NoError(t, s.Shutdown(shutdownCtx))
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("Run did not return")
		}
	})
}

func TestServiceRunsSimulatedSource(t *testing.T) {
	s, err := NewService(testConfig(t))
	require.NoError(t, err)
	startService(t, s)

	snap := s.Latest()
	require.NotNil(t, snap.Person)
	assert.True(t, snap.Detected)
	assert.Equal(t, 17, snap.Person.ValidCount)

	health := s.HealthCheck()
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.SourceConnected)
	assert.False(t, health.MQTTEnabled)
	assert.Greater(t, health.FramesProcessed, uint64(0))

	status := s.getStatus()
	assert.Equal(t, true, status["running"])
	assert.Contains(t, status, "pipeline")
	assert.Contains(t, status, "source")
	assert.NotContains(t, status, "emitter")
}

func TestServiceShutdownIsIdempotent(t *testing.T) {
	s, err := NewService(testConfig(t))
	require.NoError(t, err)

	// never started
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, "unhealthy", s.HealthCheck().Status)
}

func TestHTTPEndpoints(t *testing.T) {
	s, err := NewService(testConfig(t))
	require.NoError(t, err)
	startService(t, s)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"alive"`)

	code, body = get("/readiness")
	assert.Equal(t, http.StatusOK, code)
	var health HealthStatus
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "healthy", health.Status)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "wifipose_frames_processed_total")
	assert.Contains(t, body, `wifipose_frames_dropped_total{instance_id="wifipose-01",stage="extract"} 0`)
	assert.Contains(t, body, "wifipose_frame_latency_seconds_bucket")

	code, body = get("/api/latest")
	assert.Equal(t, http.StatusOK, code)
	var latest LiveMessage
	require.NoError(t, json.Unmarshal([]byte(body), &latest))
	assert.Greater(t, latest.Seq, uint64(0))
	require.NotNil(t, latest.Person)
	assert.Equal(t, "pose_keypoints", latest.Person.InferenceType)
	assert.Len(t, latest.Person.Keypoints, 17)
}

func TestLivePush(t *testing.T) {
	s, err := NewService(testConfig(t))
	require.NoError(t, err)
	startService(t, s)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/pose"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var first, second LiveMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Greater(t, second.Seq, first.Seq)
	assert.True(t, first.Detected)
	require.NotNil(t, first.CSI)
	assert.Len(t, first.CSI.Amplitude, 32)
	assert.Equal(t, 1, s.live.Clients())
}

func TestRunSinkIsolatesFailures(t *testing.T) {
	s, err := NewService(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var mu sync.Mutex
	calls := 0
	s.runSink(ctx, &wg, "flaky", 5*time.Millisecond, func() (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			panic("sink exploded")
		}
		return true, nil
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.SinkPublishes.WithLabelValues("flaky")) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.SinkErrors.WithLabelValues("flaky")))
}

func TestControlCommands(t *testing.T) {
	s, err := NewService(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, s.pauseInference())
	assert.Error(t, s.pauseInference())
	assert.True(t, s.pipeline.IsPaused())

	require.NoError(t, s.resumeInference())
	assert.Error(t, s.resumeInference())

	require.NoError(t, s.resetState())
	assert.Error(t, s.shutdownViaControl())
}

func TestLoadModel(t *testing.T) {
	cfg := testConfig(t)

	seeded, err := LoadModel(cfg)
	require.NoError(t, err)
	assert.Equal(t, Architecture(cfg), seeded.Arch)

	path := filepath.Join(t.TempDir(), "weights.msgpack")
	require.NoError(t, model.SaveParams(path, seeded))

	cfg.Model.WeightsPath = path
	loaded, err := LoadModel(cfg)
	require.NoError(t, err)
	assert.Equal(t, seeded, loaded)

	cfg.Model.EstimatorHiddenDim = 16
	_, err = LoadModel(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "architecture")
}

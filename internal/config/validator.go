package config

import (
	"fmt"
	"regexp"

	"github.com/hkevin01/wifi-radar/internal/ingest"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Validate room_id
	if cfg.RoomID == "" {
		return fmt.Errorf("room_id is required")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateSource(&cfg.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := validateCSI(&cfg.CSI); err != nil {
		return fmt.Errorf("csi: %w", err)
	}
	if err := validateQueue(&cfg.Queue); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := validateConditioner(&cfg.Conditioner); err != nil {
		return fmt.Errorf("conditioner: %w", err)
	}
	if err := validateModel(&cfg.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := validateDetector(&cfg.Detector); err != nil {
		return fmt.Errorf("detector: %w", err)
	}

	// -1 disables warm-up and gap detection
	if cfg.Stream.WarmupDurationS < -1 {
		return fmt.Errorf("stream.warmup_duration_s must be >= -1")
	}
	if cfg.Stream.WarmupDurationS == 0 {
		cfg.Stream.WarmupDurationS = 3
	}
	if cfg.Stream.GapFactor < 0 {
		return fmt.Errorf("stream.gap_factor must be >= 0")
	}
	if cfg.Stream.GapFactor == 0 {
		cfg.Stream.GapFactor = 5
	}

	if cfg.Recording.Enabled && cfg.Recording.OutputDir == "" {
		cfg.Recording.OutputDir = "recordings"
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("wifipose/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Persons == "" {
		cfg.MQTT.Topics.Persons = fmt.Sprintf("wifipose/persons/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("wifipose/health/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"persons": 0,
			"health":  0,
		}
	}
	for name, qos := range cfg.MQTT.QoS {
		if qos > 2 {
			return fmt.Errorf("mqtt.qos[%s] must be 0, 1 or 2, got %d", name, qos)
		}
	}
	if cfg.MQTT.PublishIntervalMs <= 0 {
		cfg.MQTT.PublishIntervalMs = 200
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", cfg.HTTP.Port)
	}

	if cfg.Live.PushIntervalMs <= 0 {
		cfg.Live.PushIntervalMs = 100
	}

	return nil
}

func validateSource(src *SourceConfig) error {
	if src.Kind == "" {
		src.Kind = SourceSimulated
	}
	switch src.Kind {
	case SourceSimulated:
	case SourceTCP:
		if src.Address == "" {
			return fmt.Errorf("address is required for kind %q", src.Kind)
		}
	case SourceReplay:
		if src.ReplayPath == "" {
			return fmt.Errorf("replay_path is required for kind %q", src.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q (must be simulated, tcp or replay)", src.Kind)
	}
	if src.SampleRateHz < 0 {
		return fmt.Errorf("sample_rate_hz must be >= 0")
	}
	if src.SampleRateHz == 0 {
		src.SampleRateHz = 20
	}
	return nil
}

func validateCSI(csi *CSIConfig) error {
	if csi.NumTx == 0 && csi.NumRx == 0 && csi.NumSubcarriers == 0 {
		csi.NumTx, csi.NumRx, csi.NumSubcarriers = 3, 3, 64
	}
	if csi.NumTx <= 0 || csi.NumRx <= 0 || csi.NumSubcarriers <= 0 {
		return fmt.Errorf("num_tx, num_rx and num_subcarriers must be > 0")
	}
	return nil
}

func validateQueue(q *QueueConfig) error {
	if q.Capacity < 0 {
		return fmt.Errorf("capacity must be > 0")
	}
	if q.Capacity == 0 {
		q.Capacity = 100
	}
	if q.OverflowPolicy == "" {
		q.OverflowPolicy = ingest.DropOldest.String()
	}
	if _, err := ingest.ParseOverflowPolicy(q.OverflowPolicy); err != nil {
		return err
	}
	if q.PopTimeoutMs <= 0 {
		q.PopTimeoutMs = 100
	}
	return nil
}

func validateConditioner(c *ConditionerConfig) error {
	if c.WindowSize == 0 {
		c.WindowSize = 10
	}
	if c.WindowSize < 2 {
		return fmt.Errorf("window_size must be >= 2, got %d", c.WindowSize)
	}
	if c.FilterOrder == 0 {
		c.FilterOrder = 4
	}
	if c.FilterOrder < 1 || c.FilterOrder > 8 {
		return fmt.Errorf("filter_order must be in [1,8], got %d", c.FilterOrder)
	}
	if c.Cutoff == 0 {
		c.Cutoff = 0.2
	}
	if c.Cutoff <= 0 || c.Cutoff >= 1 {
		return fmt.Errorf("cutoff must be in (0,1), got %v", c.Cutoff)
	}
	if c.SmoothingTaps == 0 {
		c.SmoothingTaps = 3
	}
	if c.SmoothingTaps < 1 {
		return fmt.Errorf("smoothing_taps must be >= 1, got %d", c.SmoothingTaps)
	}
	return nil
}

func validateModel(m *ModelConfig) error {
	if m.HiddenDim == 0 {
		m.HiddenDim = 128
	}
	if m.FeatureDim == 0 {
		m.FeatureDim = 256
	}
	if m.EstimatorHiddenDim == 0 {
		m.EstimatorHiddenDim = 512
	}
	if m.NumKeypoints == 0 {
		m.NumKeypoints = 17
	}
	if m.HiddenDim < 0 || m.FeatureDim < 0 || m.EstimatorHiddenDim < 0 || m.NumKeypoints < 0 {
		return fmt.Errorf("dimensions must be > 0")
	}
	if m.Seed == 0 {
		m.Seed = 42
	}
	return nil
}

func validateDetector(d *DetectorConfig) error {
	if d.ConfidenceThreshold == 0 {
		d.ConfidenceThreshold = 0.5
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold >= 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1), got %v", d.ConfidenceThreshold)
	}
	if d.MinValidFraction == 0 {
		d.MinValidFraction = 0.3
	}
	if d.MinValidFraction < 0 || d.MinValidFraction >= 1 {
		return fmt.Errorf("min_valid_fraction must be in [0,1), got %v", d.MinValidFraction)
	}
	return nil
}

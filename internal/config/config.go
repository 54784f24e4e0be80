package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete wifipose configuration
type Config struct {
	InstanceID       string            `yaml:"instance_id"`
	RoomID           string            `yaml:"room_id"`
	ShutdownTimeoutS int               `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Source           SourceConfig      `yaml:"source"`
	CSI              CSIConfig         `yaml:"csi"`
	Queue            QueueConfig       `yaml:"queue"`
	Conditioner      ConditionerConfig `yaml:"conditioner"`
	Model            ModelConfig       `yaml:"model"`
	Detector         DetectorConfig    `yaml:"detector"`
	Stream           StreamConfig      `yaml:"stream"`
	Recording        RecordingConfig   `yaml:"recording"`
	MQTT             MQTTConfig        `yaml:"mqtt"`
	HTTP             HTTPConfig        `yaml:"http"`
	Live             LiveConfig        `yaml:"live"`
}

// Source kinds
const (
	SourceSimulated = "simulated"
	SourceTCP       = "tcp"
	SourceReplay    = "replay"
)

// SourceConfig selects where CSI frames come from
type SourceConfig struct {
	Kind         string  `yaml:"kind"`           // simulated, tcp, replay
	Address      string  `yaml:"address"`        // host:port of the collector (tcp)
	ReplayPath   string  `yaml:"replay_path"`    // recording file (replay)
	SampleRateHz float64 `yaml:"sample_rate_hz"` // emission rate for simulated/replay
	Loop         bool    `yaml:"loop"`           // restart replay at EOF
}

// CSIConfig is the tensor shape every frame must match
type CSIConfig struct {
	NumTx          int `yaml:"num_tx"`
	NumRx          int `yaml:"num_rx"`
	NumSubcarriers int `yaml:"num_subcarriers"`
}

// QueueConfig contains ingestion queue settings
type QueueConfig struct {
	Capacity       int    `yaml:"capacity"`
	OverflowPolicy string `yaml:"overflow_policy"` // drop_oldest, drop_newest
	PopTimeoutMs   int    `yaml:"pop_timeout_ms"`
}

// ConditionerConfig contains signal conditioning settings
type ConditionerConfig struct {
	WindowSize    int     `yaml:"window_size"`
	FilterOrder   int     `yaml:"filter_order"`
	Cutoff        float64 `yaml:"cutoff"` // normalized to Nyquist, (0,1)
	SmoothingTaps int     `yaml:"smoothing_taps"`
}

// ModelConfig contains network dimensions and weights
type ModelConfig struct {
	WeightsPath        string `yaml:"weights_path"` // msgpack weight file, empty = seeded init
	Seed               uint64 `yaml:"seed"`
	HiddenDim          int    `yaml:"hidden_dim"`
	FeatureDim         int    `yaml:"feature_dim"`
	EstimatorHiddenDim int    `yaml:"estimator_hidden_dim"`
	NumKeypoints       int    `yaml:"num_keypoints"`
}

// DetectorConfig contains person extraction thresholds
type DetectorConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinValidFraction    float64 `yaml:"min_valid_fraction"`
}

// StreamConfig contains warm-up and continuity settings
type StreamConfig struct {
	WarmupDurationS int     `yaml:"warmup_duration_s"` // warm-up duration in seconds, -1 disables
	GapFactor       float64 `yaml:"gap_factor"`        // gap threshold = factor * mean interval
}

// RecordingConfig enables raw frame recording
type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker            string          `yaml:"broker"`
	Topics            MQTTTopics      `yaml:"topics"`
	QoS               map[string]byte `yaml:"qos"`
	PublishIntervalMs int             `yaml:"publish_interval_ms"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Persons string `yaml:"persons"`
	Health  string `yaml:"health"`
}

// HTTPConfig contains the health/metrics server settings
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LiveConfig contains the websocket live push settings
type LiveConfig struct {
	Enabled        bool `yaml:"enabled"`
	PushIntervalMs int  `yaml:"push_interval_ms"`
}

// Default returns a validated configuration that runs the simulated source
// without MQTT.
func Default() *Config {
	cfg := &Config{
		InstanceID: "wifipose-01",
		RoomID:     "default",
		Source:     SourceConfig{Kind: SourceSimulated},
		Live:       LiveConfig{Enabled: true},
	}
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// PopTimeout returns the consumer pop timeout
func (c *Config) PopTimeout() time.Duration {
	return time.Duration(c.Queue.PopTimeoutMs) * time.Millisecond
}

// WarmupDuration returns the warm-up measurement window
func (c *Config) WarmupDuration() time.Duration {
	if c.Stream.WarmupDurationS < 0 {
		return 0
	}
	return time.Duration(c.Stream.WarmupDurationS) * time.Second
}

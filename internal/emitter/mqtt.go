package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hkevin01/wifi-radar/internal/config"
	"github.com/hkevin01/wifi-radar/internal/types"
)

var ErrNotConnected = errors.New("mqtt not connected")

// Publisher is the part of mqtt.Client the emitter publishes through
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PersonEmitter publishes accepted persons and health messages to MQTT
type PersonEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	pub Publisher

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
	lastSeq   uint64
	hasLast   bool
}

// NewPersonEmitter creates a new MQTT emitter
func NewPersonEmitter(cfg *config.Config) *PersonEmitter {
	return &PersonEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// newWithPublisher wires an already connected publisher
func newWithPublisher(cfg *config.Config, pub Publisher) *PersonEmitter {
	e := NewPersonEmitter(cfg)
	e.pub = pub
	e.connected = true
	return e
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker
func (e *PersonEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)
	e.pub = e.Client

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PublishPerson publishes p on the persons topic. A person already
// published (same Seq) is skipped and reported as not sent.
func (e *PersonEmitter) PublishPerson(p *types.Person) (bool, error) {
	if p == nil {
		return false, nil
	}

	e.mu.RLock()
	dup := e.hasLast && e.lastSeq == p.Seq
	e.mu.RUnlock()
	if dup {
		return false, nil
	}

	payload, err := p.ToJSON(e.cfg.InstanceID, e.cfg.RoomID)
	if err != nil {
		e.countError()
		return false, fmt.Errorf("failed to marshal person: %w", err)
	}

	topic := e.cfg.MQTT.Topics.Persons
	if err := e.publish(topic, e.cfg.MQTT.QoS["persons"], payload); err != nil {
		return false, err
	}

	e.mu.Lock()
	e.lastSeq = p.Seq
	e.hasLast = true
	e.mu.Unlock()

	slog.Debug("person published",
		"topic", topic,
		"seq", p.Seq,
		"valid_keypoints", p.ValidCount,
		"size", len(payload),
	)
	return true, nil
}

// PublishHealth publishes a health message
func (e *PersonEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.MQTT.Topics.Health, e.cfg.MQTT.QoS["health"], payload)
}

func (e *PersonEmitter) publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.pub.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection
func (e *PersonEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *PersonEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func (e *PersonEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.pub != nil
}

func (e *PersonEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *PersonEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

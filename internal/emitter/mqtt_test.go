package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkevin01/wifi-radar/internal/config"
	"github.com/hkevin01/wifi-radar/internal/types"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.msgs = append(f.msgs, message{topic: topic, qos: qos, payload: payload.([]byte)})
	}
	return newToken(f.err)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.MQTT.Broker = "localhost:1883"
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func testPerson(seq uint64) *types.Person {
	p := &types.Person{
		Seq:         seq,
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		TraceID:     "abc",
		Keypoints:   make([][3]float64, 17),
		Confidences: make([]float64, 17),
		Valid:       make([]bool, 17),
	}
	for i := 0; i < 8; i++ {
		p.Valid[i] = true
		p.Confidences[i] = 0.8
		p.Keypoints[i] = [3]float64{float64(i), 1, 2}
	}
	p.ValidCount = 8
	return p
}

func TestPublishPerson(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	e := newWithPublisher(cfg, pub)

	sent, err := e.PublishPerson(testPerson(4))
	require.NoError(t, err)
	assert.True(t, sent)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, cfg.MQTT.Topics.Persons, pub.msgs[0].topic)
	assert.Equal(t, cfg.MQTT.QoS["persons"], pub.msgs[0].qos)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &msg))
	assert.Equal(t, cfg.InstanceID, msg["instance_id"])
	assert.Equal(t, "pose_keypoints", msg["inference_type"])
	assert.EqualValues(t, 8, msg["valid_keypoints"])

	stats := e.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Published[cfg.MQTT.Topics.Persons])
}

func TestPublishPersonSkipsRepeats(t *testing.T) {
	pub := &fakePublisher{}
	e := newWithPublisher(testConfig(t), pub)

	sent, err := e.PublishPerson(testPerson(1))
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = e.PublishPerson(testPerson(1))
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = e.PublishPerson(nil)
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = e.PublishPerson(testPerson(2))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Len(t, pub.msgs, 2)
}

func TestPublishFailures(t *testing.T) {
	cfg := testConfig(t)

	t.Run("not connected", func(t *testing.T) {
		e := NewPersonEmitter(cfg)
		_, err := e.PublishPerson(testPerson(1))
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, uint64(1), e.Stats().Errors)
	})

	t.Run("broker error", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("boom")}
		e := newWithPublisher(cfg, pub)
		_, err := e.PublishPerson(testPerson(1))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")

		// failed person is retried on the next call
		pub.err = nil
		sent, err := e.PublishPerson(testPerson(1))
		require.NoError(t, err)
		assert.True(t, sent)
	})
}

func TestPublishHealth(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	e := newWithPublisher(cfg, pub)

	require.NoError(t, e.PublishHealth([]byte(`{"status":"ok"}`)))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, cfg.MQTT.Topics.Health, pub.msgs[0].topic)

	require.NoError(t, e.Disconnect())
	assert.ErrorIs(t, e.PublishHealth(nil), ErrNotConnected)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/steptracker/pkg/motion"
	"github.com/txn2/steptracker/pkg/steps"
)

const (
	testStepTopic    = "test/steps"
	testMotionTopic  = "test/motion"
	testControlTopic = "test/control"
)

var errBroker = errors.New("broker refused")

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }

func (*fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records broker interactions. Methods the bridge never calls
// fall through to the nil embedded interface.
type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	open         bool
	handlers     map[string]paho.MessageHandler
	subscribes   map[string]int
	unsubscribes map[string]int
	published    []published
	subErr       error
	pubTimeout   bool
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		open:         true,
		handlers:     make(map[string]paho.MessageHandler),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
	}
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	c.open = false
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return &fakeToken{err: c.subErr}
	}
	c.subscribes[topic]++
	c.handlers[topic] = cb
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		c.unsubscribes[topic]++
		delete(c.handlers, topic)
	}
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload any) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubTimeout {
		return &fakeToken{timeout: true}
	}
	body, _ := payload.([]byte)
	c.published = append(c.published, published{topic: topic, retained: retained, payload: body})
	return &fakeToken{}
}

// deliver simulates the broker pushing a message.
func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	cb := c.handlers[topic]
	c.mu.Unlock()
	if cb != nil {
		cb(c, &fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

func newTestBridge() (*Bridge, *fakeClient) {
	client := newFakeClient()
	return New(client, Config{
		StepTopic:    testStepTopic,
		MotionTopic:  testMotionTopic,
		ControlTopic: testControlTopic,
	}), client
}

func TestStepCounter_Delivers(t *testing.T) {
	b, client := newTestBridge()
	counter := b.StepCounter()

	ok, err := counter.Available(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	granted, err := counter.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.True(t, granted)

	var got []int
	sub, err := counter.Subscribe(func(ev steps.StepEvent) { got = append(got, ev.Steps) })
	require.NoError(t, err)

	client.deliver(testStepTopic, `{"steps": 120}`)
	client.deliver(testStepTopic, `not json`)
	client.deliver(testStepTopic, `{"count": 5}`)
	client.deliver(testStepTopic, `{"steps": -1}`)
	client.deliver(testStepTopic, `{"steps": 125}`)

	assert.Equal(t, []int{120, 125}, got)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 1, client.unsubscribes[testStepTopic])
}

func TestStepCounter_SharedBrokerSubscription(t *testing.T) {
	b, client := newTestBridge()
	counter := b.StepCounter()

	var first, second int
	subA, err := counter.Subscribe(func(ev steps.StepEvent) { first = ev.Steps })
	require.NoError(t, err)
	subB, err := counter.Subscribe(func(ev steps.StepEvent) { second = ev.Steps })
	require.NoError(t, err)
	assert.Equal(t, 1, client.subscribes[testStepTopic])

	client.deliver(testStepTopic, `{"steps": 7}`)
	assert.Equal(t, 7, first)
	assert.Equal(t, 7, second)

	require.NoError(t, subA.Unsubscribe())
	assert.Zero(t, client.unsubscribes[testStepTopic], "broker subscription kept for remaining subscriber")
	assert.Equal(t, 1, counter.stream.active())

	require.NoError(t, subB.Unsubscribe())
	assert.Equal(t, 1, client.unsubscribes[testStepTopic])
}

func TestStepCounter_SubscribeError(t *testing.T) {
	b, client := newTestBridge()
	client.subErr = errBroker

	_, err := b.StepCounter().Subscribe(func(steps.StepEvent) {})
	require.ErrorIs(t, err, errBroker)
}

func TestStepCounter_Unavailable(t *testing.T) {
	b, client := newTestBridge()
	client.open = false

	ok, err := b.StepCounter().Available(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccelerometer_Delivers(t *testing.T) {
	b, client := newTestBridge()
	accel := b.Accelerometer()

	var got []motion.Sample
	sub, err := accel.Subscribe(func(s motion.Sample) { got = append(got, s) })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	client.deliver(testMotionTopic, `{"x": 0.5, "y": 9.8, "z": -0.2}`)
	client.deliver(testMotionTopic, `{"x": 0.5, "y": 9.8}`)

	assert.Equal(t, []motion.Sample{{X: 0.5, Y: 9.8, Z: -0.2}}, got)
}

func TestAccelerometer_SetSampleInterval(t *testing.T) {
	b, client := newTestBridge()
	accel := b.Accelerometer()

	require.NoError(t, accel.SetSampleInterval(100*time.Millisecond))
	require.Len(t, client.published, 1)

	msg := client.published[0]
	assert.Equal(t, testControlTopic, msg.topic)
	assert.True(t, msg.retained)

	var body controlPayload
	require.NoError(t, json.Unmarshal(msg.payload, &body))
	assert.Equal(t, int64(100), body.SampleIntervalMS)
}

func TestAccelerometer_SetSampleIntervalTimeout(t *testing.T) {
	b, client := newTestBridge()
	client.pubTimeout = true

	err := b.Accelerometer().SetSampleInterval(time.Second)
	assert.ErrorContains(t, err, "timed out")
}

func TestBridge_Close(t *testing.T) {
	b, client := newTestBridge()
	require.NoError(t, b.Close())
	assert.True(t, client.disconnected)
}

func TestDial_RequiresBroker(t *testing.T) {
	_, err := Dial(Config{})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultStepTopic, cfg.StepTopic)
	assert.Equal(t, DefaultMotionTopic, cfg.MotionTopic)
	assert.Equal(t, DefaultControlTopic, cfg.ControlTopic)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Contains(t, cfg.ClientID, "steptracker-")
}

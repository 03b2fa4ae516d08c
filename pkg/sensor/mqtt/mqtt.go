// Package mqtt bridges device sensor streams published over MQTT into the
// step tracker. A companion app on the device publishes cumulative step
// counts and accelerometer samples as JSON; the bridge implements
// steps.StepCounter and steps.Accelerometer on top of those topics.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/txn2/steptracker/pkg/metrics"
)

// Default topics and timeouts.
const (
	DefaultStepTopic    = "steptracker/device/steps"
	DefaultMotionTopic  = "steptracker/device/motion"
	DefaultControlTopic = "steptracker/device/control"
	DefaultTimeout      = 5 * time.Second
)

// Config configures the bridge.
type Config struct {
	Broker       string
	ClientID     string
	Username     string
	Password     string
	StepTopic    string
	MotionTopic  string
	ControlTopic string
	QoS          byte
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepTopic == "" {
		c.StepTopic = DefaultStepTopic
	}
	if c.MotionTopic == "" {
		c.MotionTopic = DefaultMotionTopic
	}
	if c.ControlTopic == "" {
		c.ControlTopic = DefaultControlTopic
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ClientID == "" {
		c.ClientID = "steptracker-" + uuid.NewString()
	}
	return c
}

// Bridge owns the broker connection shared by both sensor streams.
type Bridge struct {
	client paho.Client
	cfg    Config
}

// Dial connects to the broker.
func Dial(cfg Config) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	cfg = cfg.withDefaults()

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			slog.Info("mqtt connected", "broker", cfg.Broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	if err := wait(client.Connect(), cfg.Timeout); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client paho.Client, cfg Config) *Bridge {
	return &Bridge{client: client, cfg: cfg.withDefaults()}
}

// StepCounter returns the cumulative step stream.
func (b *Bridge) StepCounter() *StepCounter {
	return &StepCounter{stream: newStream[stepPayload](b, b.cfg.StepTopic, "steps")}
}

// Accelerometer returns the motion sample stream.
func (b *Bridge) Accelerometer() *Accelerometer {
	return &Accelerometer{
		stream:  newStream[samplePayload](b, b.cfg.MotionTopic, "motion"),
		control: b.cfg.ControlTopic,
		bridge:  b,
	}
}

// Close disconnects from the broker.
func (b *Bridge) Close() error {
	b.client.Disconnect(250)
	return nil
}

// Connected reports whether the broker connection is open.
func (b *Bridge) Connected() bool {
	return b.client.IsConnectionOpen()
}

func wait(tok paho.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return tok.Error()
}

// stream fans one topic out to any number of local subscribers. The broker
// subscription is held while at least one local subscriber exists.
type stream[T payload] struct {
	bridge *Bridge
	topic  string
	label  string

	mu   sync.Mutex
	subs map[uuid.UUID]func(T)
}

func newStream[T payload](b *Bridge, topic, label string) *stream[T] {
	return &stream[T]{bridge: b, topic: topic, label: label, subs: make(map[uuid.UUID]func(T))}
}

func (s *stream[T]) subscribe(fn func(T)) (*subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subs) == 0 {
		tok := s.bridge.client.Subscribe(s.topic, s.bridge.cfg.QoS, s.handle)
		if err := wait(tok, s.bridge.cfg.Timeout); err != nil {
			return nil, fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}
	id := uuid.New()
	s.subs[id] = fn
	return &subscription{release: func() error { return s.unsubscribe(id) }}, nil
}

func (s *stream[T]) unsubscribe(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return nil
	}
	delete(s.subs, id)
	if len(s.subs) > 0 {
		return nil
	}
	if err := wait(s.bridge.client.Unsubscribe(s.topic), s.bridge.cfg.Timeout); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", s.topic, err)
	}
	return nil
}

func (s *stream[T]) handle(_ paho.Client, msg paho.Message) {
	var v T
	if err := json.Unmarshal(msg.Payload(), &v); err != nil || !v.valid() {
		metrics.SensorMessage(s.label, metrics.SensorMalformed)
		slog.Debug("dropping malformed sensor message", "topic", msg.Topic(), "error", err)
		return
	}
	metrics.SensorMessage(s.label, metrics.SensorAccepted)

	s.mu.Lock()
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *stream[T]) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type subscription struct {
	once    sync.Once
	release func() error
}

// Unsubscribe releases the handle. Later calls are no-ops.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.release() })
	return err
}

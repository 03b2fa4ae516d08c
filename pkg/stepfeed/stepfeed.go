// Package stepfeed publishes every step update to a Kafka topic so that
// downstream consumers (leaderboards, analytics) see the live count.
package stepfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/txn2/steptracker/pkg/metrics"
	"github.com/txn2/steptracker/pkg/steps"
)

// Defaults for Config.
const (
	DefaultBuffer       = 256
	DefaultBatchSize    = 64
	DefaultWriteTimeout = 5 * time.Second
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the feed.
type Config struct {
	Brokers      []string
	Topic        string
	Buffer       int
	BatchSize    int
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// NewWriter builds a Kafka writer for cfg.
func NewWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("feed brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("feed topic is required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}, nil
}

// Publisher buffers updates and writes them from a single worker.
type Publisher struct {
	w   MessageWriter
	cfg Config

	updates  chan steps.Update
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  sync.Once
}

// New creates a publisher writing through w.
func New(w MessageWriter, cfg Config) *Publisher {
	cfg = cfg.withDefaults()
	return &Publisher{
		w:       w,
		cfg:     cfg,
		updates: make(chan steps.Update, cfg.Buffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Listener returns a tracker subscriber. It never blocks: updates that do
// not fit the buffer are dropped and counted.
func (p *Publisher) Listener() func(steps.Update) {
	return func(u steps.Update) {
		if u.UserID == "" {
			return
		}
		select {
		case <-p.quit:
			metrics.FeedMessage(metrics.FeedDropped)
		case p.updates <- u:
		default:
			metrics.FeedMessage(metrics.FeedDropped)
		}
	}
}

// Start launches the worker.
func (p *Publisher) Start(context.Context) error {
	p.started.Do(func() { go p.run() })
	return nil
}

// Stop drains buffered updates, stops the worker and closes the writer.
func (p *Publisher) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.quit) })
	p.started.Do(func() { close(p.done) })

	select {
	case <-p.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for feed worker: %w", ctx.Err())
	}
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("closing feed writer: %w", err)
	}
	return nil
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			p.drain()
			return
		case u := <-p.updates:
			p.write(p.batch(u))
		}
	}
}

// batch collects u plus whatever else is already buffered.
func (p *Publisher) batch(u steps.Update) []steps.Update {
	batch := []steps.Update{u}
	for len(batch) < p.cfg.BatchSize {
		select {
		case next := <-p.updates:
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (p *Publisher) drain() {
	for {
		select {
		case u := <-p.updates:
			p.write(p.batch(u))
		default:
			return
		}
	}
}

func (p *Publisher) write(batch []steps.Update) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, u := range batch {
		msg, err := encode(u)
		if err != nil {
			metrics.FeedMessage(metrics.FeedFailed)
			slog.Warn("encoding step update", "user_id", u.UserID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		for range msgs {
			metrics.FeedMessage(metrics.FeedFailed)
		}
		slog.Warn("publishing step updates", "count", len(msgs), "error", err)
		return
	}
	for range msgs {
		metrics.FeedMessage(metrics.FeedOK)
	}
}

func encode(u steps.Update) (kafka.Message, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshaling update: %w", err)
	}
	return kafka.Message{Key: []byte(u.UserID), Value: body, Time: u.At}, nil
}

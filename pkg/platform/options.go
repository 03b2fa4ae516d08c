package platform

import (
	"database/sql"

	"github.com/txn2/steptracker/pkg/cache"
	"github.com/txn2/steptracker/pkg/clock"
	"github.com/txn2/steptracker/pkg/docstore"
	"github.com/txn2/steptracker/pkg/stepfeed"
	"github.com/txn2/steptracker/pkg/steps"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// DB is used by the postgres store instead of opening store.dsn.
	DB *sql.DB

	// Store (optional, will be created from config if not provided).
	Store docstore.Store

	// Cache (optional, will be created from config if not provided).
	Cache cache.Store

	// StepCounter and Accelerometer (optional, will be created from config
	// if not provided). Accelerometer may be nil.
	StepCounter   steps.StepCounter
	Accelerometer steps.Accelerometer

	// FeedWriter (optional) replaces the Kafka writer built from config.
	FeedWriter stepfeed.MessageWriter

	// Clock drives the tracker. Nil means the real clock.
	Clock clock.Clock
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithStore sets the remote document store.
func WithStore(store docstore.Store) Option {
	return func(o *Options) {
		o.Store = store
	}
}

// WithCache sets the local cache.
func WithCache(c cache.Store) Option {
	return func(o *Options) {
		o.Cache = c
	}
}

// WithSensors sets the step counter and accelerometer.
func WithSensors(counter steps.StepCounter, accel steps.Accelerometer) Option {
	return func(o *Options) {
		o.StepCounter = counter
		o.Accelerometer = accel
	}
}

// WithFeedWriter sets the step feed writer.
func WithFeedWriter(w stepfeed.MessageWriter) Option {
	return func(o *Options) {
		o.FeedWriter = w
	}
}

// WithClock sets the tracker clock.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// Package platform wires the step tracking service together: stores,
// sensors, the tracker, the step feed, scheduled jobs, authentication and
// the HTTP and MCP surfaces.
package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	_ "github.com/lib/pq" // postgres driver
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/steptracker/pkg/audit"
	auditpg "github.com/txn2/steptracker/pkg/audit/postgres"
	"github.com/txn2/steptracker/pkg/auth"
	"github.com/txn2/steptracker/pkg/cache"
	"github.com/txn2/steptracker/pkg/cache/sqlite"
	"github.com/txn2/steptracker/pkg/database/migrate"
	"github.com/txn2/steptracker/pkg/docstore"
	pgstore "github.com/txn2/steptracker/pkg/docstore/postgres"
	"github.com/txn2/steptracker/pkg/health"
	"github.com/txn2/steptracker/pkg/httpapi"
	"github.com/txn2/steptracker/pkg/identity"
	"github.com/txn2/steptracker/pkg/scheduler"
	"github.com/txn2/steptracker/pkg/sensor/mqtt"
	"github.com/txn2/steptracker/pkg/sensor/simulated"
	"github.com/txn2/steptracker/pkg/stepfeed"
	"github.com/txn2/steptracker/pkg/steps"
	"github.com/txn2/steptracker/pkg/tools"
)

// Platform is the main platform facade.
type Platform struct {
	config    *Config
	lifecycle *Lifecycle
	health    *health.Checker

	// Storage
	db    *sql.DB
	store docstore.Store
	cache cache.Store

	// Sensors
	counter steps.StepCounter
	accel   steps.Accelerometer
	device  *simulated.Device
	bridge  *mqtt.Bridge

	// Tracking
	tracker   *steps.Tracker
	session   *identity.Static
	feed      *stepfeed.Publisher
	scheduler *scheduler.Scheduler
	audit     audit.Logger
	auditPG   *auditpg.Store

	// Surfaces
	users     auth.Authenticator
	operators auth.Authenticator
	toolkit   *tools.Toolkit
	api       *httpapi.Handler

	// resources are closed if New fails.
	resources []Closer
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    options.Config,
		lifecycle: NewLifecycle(),
		health:    health.NewChecker(),
	}

	if err := p.initializeComponents(options); err != nil {
		p.closeResources()
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents builds every component and registers the lifecycle
// in dependency order: stores, sensors, feed, tracker, scheduler.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initStore(opts); err != nil {
		return err
	}
	if err := p.initCache(opts); err != nil {
		return err
	}
	if err := p.initSensors(opts); err != nil {
		return err
	}
	if err := p.initTracker(opts); err != nil {
		return err
	}
	if err := p.initFeed(opts); err != nil {
		return err
	}
	p.initAudit()
	if err := p.initScheduler(); err != nil {
		return err
	}
	if err := p.initAuth(); err != nil {
		return err
	}
	p.initSurfaces()
	p.registerLifecycle()
	p.registerProbes()
	return nil
}

func (p *Platform) initStore(opts *Options) error {
	if opts.Store != nil {
		p.store = opts.Store
		return nil
	}

	switch p.config.Store.Driver {
	case DriverPostgres:
		db := opts.DB
		if db == nil {
			var err error
			if db, err = sql.Open("postgres", p.config.Store.DSN); err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			db.SetMaxOpenConns(p.config.Store.MaxOpenConns)
			p.resources = append(p.resources, db)
		}
		p.db = db
		p.store = pgstore.New(db)
	default:
		p.store = docstore.NewMemoryStore(nil)
	}
	p.resources = append(p.resources, p.store)
	return nil
}

func (p *Platform) initCache(opts *Options) error {
	if opts.Cache != nil {
		p.cache = opts.Cache
		return nil
	}

	switch p.config.Cache.Driver {
	case DriverSQLite:
		c, err := sqlite.Open(p.config.Cache.Path)
		if err != nil {
			return fmt.Errorf("opening cache: %w", err)
		}
		p.cache = c
	default:
		p.cache = cache.NewMemoryStore()
	}
	p.resources = append(p.resources, p.cache)
	return nil
}

func (p *Platform) initSensors(opts *Options) error {
	if opts.StepCounter != nil {
		p.counter = opts.StepCounter
		p.accel = opts.Accelerometer
		return nil
	}

	switch p.config.Sensors.Driver {
	case DriverMQTT:
		c := p.config.Sensors.MQTT
		bridge, err := mqtt.Dial(mqtt.Config{
			Broker:       c.Broker,
			ClientID:     c.ClientID,
			Username:     c.Username,
			Password:     c.Password,
			StepTopic:    c.StepTopic,
			MotionTopic:  c.MotionTopic,
			ControlTopic: c.ControlTopic,
			QoS:          c.QoS,
			Timeout:      c.Timeout,
		})
		if err != nil {
			return fmt.Errorf("connecting sensors: %w", err)
		}
		p.bridge = bridge
		p.counter = bridge.StepCounter()
		p.accel = bridge.Accelerometer()
		p.resources = append(p.resources, bridge)
	default:
		c := p.config.Sensors.Simulated
		p.device = simulated.New(simulated.Config{
			Cadence:      c.Cadence,
			StepsPerTick: c.StepsPerTick,
			ShakeEvery:   c.ShakeEvery,
			ShakeFor:     c.ShakeFor,
			Seed:         c.Seed,
		})
		p.counter = p.device.StepCounter()
		p.accel = p.device.Accelerometer()
	}
	return nil
}

func (p *Platform) initTracker(opts *Options) error {
	tracker, err := steps.New(steps.Deps{
		Store:         p.store,
		Cache:         p.cache,
		Counter:       p.counter,
		Accelerometer: p.accel,
		Clock:         opts.Clock,
	}, p.config.TrackerSettings())
	if err != nil {
		return fmt.Errorf("creating tracker: %w", err)
	}
	p.tracker = tracker
	p.session = identity.NewStatic(nil)
	return nil
}

func (p *Platform) initFeed(opts *Options) error {
	if !p.config.Feed.Enabled && opts.FeedWriter == nil {
		return nil
	}
	cfg := stepfeed.Config{
		Brokers:      p.config.Feed.Brokers,
		Topic:        p.config.Feed.Topic,
		Buffer:       p.config.Feed.Buffer,
		BatchSize:    p.config.Feed.BatchSize,
		WriteTimeout: p.config.Feed.WriteTimeout,
	}
	w := opts.FeedWriter
	if w == nil {
		kw, err := stepfeed.NewWriter(cfg)
		if err != nil {
			return fmt.Errorf("creating feed writer: %w", err)
		}
		w = kw
	}
	p.feed = stepfeed.New(w, cfg)
	return nil
}

func (p *Platform) initAudit() {
	cfg := p.config.Audit
	if !cfg.Enabled {
		return
	}
	if p.db != nil {
		p.auditPG = auditpg.New(p.db, auditpg.Config{RetentionDays: cfg.RetentionDays})
		p.audit = p.auditPG
		return
	}
	p.audit = audit.NewMemoryLogger(cfg.Capacity)
}

func (p *Platform) initScheduler() error {
	sched := p.config.Schedule
	cleanup := p.auditPG != nil && sched.AuditCleanup != ScheduleOff
	if sched.Flush == ScheduleOff && !cleanup {
		return nil
	}

	s := scheduler.New(p.config.Location())
	s.Ignore(steps.ErrNotReady)
	if sched.Flush != ScheduleOff {
		if err := s.Add("flush", sched.Flush, p.tracker.Flush); err != nil {
			return err
		}
	}
	if cleanup {
		err := s.Add("audit cleanup", sched.AuditCleanup, func(ctx context.Context) error {
			n, err := p.auditPG.Cleanup(ctx)
			if err == nil && n > 0 {
				slog.Info("pruned audit events", "deleted", n)
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	p.scheduler = s
	return nil
}

func (p *Platform) initAuth() error {
	jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
		Issuer:        p.config.Auth.JWT.Issuer,
		SigningKey:    []byte(p.config.Auth.JWT.SigningKey),
		RoleClaimPath: p.config.Auth.JWT.RoleClaimPath,
		RolePrefix:    p.config.Auth.JWT.RolePrefix,
	})
	if err != nil {
		return fmt.Errorf("creating jwt authenticator: %w", err)
	}

	keys := make([]auth.APIKey, 0, len(p.config.Auth.APIKeys))
	for _, k := range p.config.Auth.APIKeys {
		keys = append(keys, auth.APIKey{Name: k.Name, Hash: k.Hash, Roles: k.Roles})
	}
	keyAuth, err := auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{Keys: keys})
	if err != nil {
		return fmt.Errorf("creating api key authenticator: %w", err)
	}

	p.users = jwtAuth
	// Operators may use an API key or a user token carrying the role.
	p.operators = auth.NewChainedAuthenticator(keyAuth, jwtAuth)
	return nil
}

func (p *Platform) initSurfaces() {
	p.toolkit = tools.NewToolkit(p.tracker, p.store, &mcp.Implementation{
		Name:    p.config.Server.Name,
		Version: p.config.Server.Version,
	})

	var accessLog io.Writer
	if p.config.Server.AccessLog {
		accessLog = os.Stdout
	}
	p.api = httpapi.NewHandler(httpapi.Deps{
		Tracker:   p.tracker,
		Session:   p.session,
		Store:     p.store,
		Cache:     p.cache,
		Users:     p.users,
		Operators: p.operators,
		Health:    p.health,
		Audit:     p.audit,
		MCP:       p.toolkit.Handler(),
		AccessLog: accessLog,
	})
}

func (p *Platform) registerLifecycle() {
	for _, r := range p.resources {
		p.lifecycle.RegisterCloser(fmt.Sprintf("%T", r), r)
	}
	p.resources = nil

	if p.db != nil && p.config.Store.Migrate {
		p.lifecycle.Register("migrations", func(context.Context) error {
			return migrate.Run(p.db)
		}, nil)
	}
	if p.device != nil {
		p.lifecycle.RegisterComponent("simulated sensors", p.device)
	}
	if p.feed != nil {
		p.lifecycle.RegisterComponent("step feed", p.feed)
		var unsubscribe func()
		p.lifecycle.Register("step feed subscription", func(context.Context) error {
			unsubscribe = p.tracker.Subscribe(p.feed.Listener())
			return nil
		}, func(context.Context) error {
			unsubscribe()
			return nil
		})
	}

	var unwatch func()
	p.lifecycle.Register("tracker", func(ctx context.Context) error {
		unwatch = p.session.Watch(p.tracker.SetIdentity)
		return p.signInDefaultUser(ctx)
	}, func(ctx context.Context) error {
		unwatch()
		return p.tracker.Close(ctx)
	})

	if p.scheduler != nil {
		p.lifecycle.RegisterComponent("scheduler", p.scheduler)
	}
}

// signInDefaultUser applies identity.default_user and identity.auto_start.
func (p *Platform) signInDefaultUser(ctx context.Context) error {
	id := p.config.Identity
	if id.DefaultUser == "" {
		return nil
	}
	p.session.Set(&identity.User{ID: id.DefaultUser, Email: id.DefaultEmail})
	if !id.AutoStart {
		return nil
	}
	if err := p.tracker.Start(ctx); err != nil {
		return fmt.Errorf("starting tracking for %s: %w", id.DefaultUser, err)
	}
	slog.Info("tracking started", "user_id", id.DefaultUser)
	return nil
}

func (p *Platform) registerProbes() {
	if p.db != nil {
		p.health.AddProbe("store", p.db.PingContext)
	}
	if p.bridge != nil {
		p.health.AddProbe("sensors", func(context.Context) error {
			if !p.bridge.Connected() {
				return errors.New("mqtt broker disconnected")
			}
			return nil
		})
	}
	p.health.AddProbe("tracker", func(context.Context) error {
		if p.tracker.Status().Degraded {
			return fmt.Errorf("%w: no accelerometer, shake rejection off", health.ErrDegraded)
		}
		return nil
	})
}

// Start starts the platform.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}
	p.health.SetReady()
	slog.Info("platform started",
		"store", p.config.Store.Driver,
		"cache", p.config.Cache.Driver,
		"sensors", p.config.Sensors.Driver,
		"feed", p.feed != nil)
	return nil
}

// Stop stops the platform. Components stop in reverse start order, so the
// tracker writes its final count before the stores close.
func (p *Platform) Stop(ctx context.Context) error {
	p.health.SetDraining()
	if err := p.lifecycle.Stop(ctx); err != nil {
		return fmt.Errorf("stopping platform: %w", err)
	}
	return nil
}

// closeResources closes what New opened before it failed.
func (p *Platform) closeResources() {
	for i := len(p.resources) - 1; i >= 0; i-- {
		if err := p.resources[i].Close(); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
	p.resources = nil
}

// Handler returns the HTTP API.
func (p *Platform) Handler() http.Handler {
	return p.api
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Tracker returns the step tracker.
func (p *Platform) Tracker() *steps.Tracker {
	return p.tracker
}

// Session returns the signed-in user holder.
func (p *Platform) Session() *identity.Static {
	return p.session
}

// Store returns the remote document store.
func (p *Platform) Store() docstore.Store {
	return p.store
}

// Cache returns the local cache.
func (p *Platform) Cache() cache.Store {
	return p.cache
}

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Audit returns the audit logger, or nil when auditing is disabled.
func (p *Platform) Audit() audit.Logger {
	return p.audit
}

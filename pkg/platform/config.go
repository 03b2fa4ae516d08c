package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/txn2/steptracker/pkg/motion"
	"github.com/txn2/steptracker/pkg/scheduler"
	"github.com/txn2/steptracker/pkg/steps"
)

// CurrentConfigVersion is the only supported config apiVersion.
const CurrentConfigVersion = "v1"

// Store, cache and sensor drivers.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
	DriverSimulated = "simulated"
	DriverMQTT      = "mqtt"
)

// ScheduleOff disables a scheduled job.
const ScheduleOff = "off"

// Config holds the service configuration.
type Config struct {
	APIVersion string         `yaml:"apiVersion"`
	Server     ServerConfig   `yaml:"server"`
	Logging    LoggingConfig  `yaml:"logging"`
	Tracker    TrackerConfig  `yaml:"tracker"`
	Store      StoreConfig    `yaml:"store"`
	Cache      CacheConfig    `yaml:"cache"`
	Sensors    SensorsConfig  `yaml:"sensors"`
	Feed       FeedConfig     `yaml:"feed"`
	Auth       AuthConfig     `yaml:"auth"`
	Identity   IdentityConfig `yaml:"identity"`
	Audit      AuditConfig    `yaml:"audit"`
	Schedule   ScheduleConfig `yaml:"schedule"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AccessLog       bool          `yaml:"access_log"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TrackerConfig tunes step counting. Zero values take the tracker defaults.
type TrackerConfig struct {
	MaxStepDelta   int           `yaml:"max_step_delta"`
	ShakeCooldown  time.Duration `yaml:"shake_cooldown"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	SaveInterval   time.Duration `yaml:"save_interval"`
	Calibration    float64       `yaml:"calibration"`
	Timezone       string        `yaml:"timezone"`
	Motion         MotionConfig  `yaml:"motion"`
}

// MotionConfig tunes shake detection.
type MotionConfig struct {
	WindowSize   int           `yaml:"window_size"`
	MinSamples   int           `yaml:"min_samples"`
	Threshold    float64       `yaml:"threshold"`
	EvalInterval time.Duration `yaml:"eval_interval"`
}

// StoreConfig selects the remote document store.
type StoreConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	// Migrate applies pending schema migrations at startup.
	Migrate bool `yaml:"migrate"`
}

// CacheConfig selects the local cache.
type CacheConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// SensorsConfig selects the step counter and accelerometer source.
type SensorsConfig struct {
	Driver    string          `yaml:"driver"`
	Simulated SimulatedConfig `yaml:"simulated"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// SimulatedConfig shapes the synthetic walker.
type SimulatedConfig struct {
	Cadence      time.Duration `yaml:"cadence"`
	StepsPerTick int           `yaml:"steps_per_tick"`
	ShakeEvery   time.Duration `yaml:"shake_every"`
	ShakeFor     time.Duration `yaml:"shake_for"`
	Seed         uint64        `yaml:"seed"`
}

// MQTTConfig configures the device bridge.
type MQTTConfig struct {
	Broker       string        `yaml:"broker"`
	ClientID     string        `yaml:"client_id"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	StepTopic    string        `yaml:"step_topic"`
	MotionTopic  string        `yaml:"motion_topic"`
	ControlTopic string        `yaml:"control_topic"`
	QoS          byte          `yaml:"qos"`
	Timeout      time.Duration `yaml:"timeout"`
}

// FeedConfig configures the Kafka step feed.
type FeedConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Buffer       int           `yaml:"buffer"`
	BatchSize    int           `yaml:"batch_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig configures user and operator authentication.
type AuthConfig struct {
	JWT     JWTAuthConfig `yaml:"jwt"`
	APIKeys []APIKeyDef   `yaml:"api_keys"`
}

// JWTAuthConfig configures bearer token validation for users.
type JWTAuthConfig struct {
	Issuer        string `yaml:"issuer"`
	SigningKey    string `yaml:"signing_key"`
	RoleClaimPath string `yaml:"role_claim_path"`
	RolePrefix    string `yaml:"role_prefix"`
}

// APIKeyDef is an operator key. Hash is a bcrypt hash of the key
// (see "steptracker apikey hash").
type APIKeyDef struct {
	Name  string   `yaml:"name"`
	Hash  string   `yaml:"hash"`
	Roles []string `yaml:"roles"`
}

// IdentityConfig optionally signs a user in at startup.
type IdentityConfig struct {
	DefaultUser  string `yaml:"default_user"`
	DefaultEmail string `yaml:"default_email"`
	// AutoStart starts tracking for the default user at startup.
	AutoStart bool `yaml:"auto_start"`
}

// AuditConfig configures the record of session and operator actions.
// Events go to the postgres store when store.driver is postgres and to a
// bounded in-memory log otherwise.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
	Capacity      int  `yaml:"capacity"`
}

// ScheduleConfig configures maintenance jobs. "off" disables a job.
type ScheduleConfig struct {
	// Flush is a cron spec for the forced persist that archives the
	// previous day soon after midnight.
	Flush string `yaml:"flush"`
	// AuditCleanup prunes audit events past audit.retention_days. It only
	// runs against the postgres store.
	AuditCleanup string `yaml:"audit_cleanup"`
}

// LoadConfig loads configuration from a file. Each env file is loaded into
// the process environment first (missing files are skipped, existing
// variables win) so that ${VAR} references can resolve from it.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading env file %s: %w", f, err)
		}
	}

	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config, expanding ${VAR} references and applying
// defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = CurrentConfigVersion
	}
	if cfg.APIVersion != CurrentConfigVersion {
		return nil, fmt.Errorf("unsupported config apiVersion %q; supported versions: %s",
			cfg.APIVersion, CurrentConfigVersion)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "steptracker"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 10
	}
	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = DriverMemory
	}
	if cfg.Sensors.Driver == "" {
		cfg.Sensors.Driver = DriverSimulated
	}
	if cfg.Feed.Topic == "" {
		cfg.Feed.Topic = "steptracker.steps"
	}
	if cfg.Auth.JWT.Issuer == "" {
		cfg.Auth.JWT.Issuer = "steptracker"
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Schedule.Flush == "" {
		cfg.Schedule.Flush = scheduler.DefaultFlushSpec
	}
	if cfg.Schedule.AuditCleanup == "" {
		cfg.Schedule.AuditCleanup = scheduler.DefaultAuditCleanupSpec
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	switch c.Cache.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Cache.Path == "" {
			errs = append(errs, "cache.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be memory or sqlite", c.Cache.Driver))
	}

	switch c.Sensors.Driver {
	case DriverSimulated:
	case DriverMQTT:
		if c.Sensors.MQTT.Broker == "" {
			errs = append(errs, "sensors.mqtt.broker is required for the mqtt driver")
		}
		if c.Sensors.MQTT.QoS > 2 {
			errs = append(errs, "sensors.mqtt.qos must be 0, 1 or 2")
		}
	default:
		errs = append(errs, fmt.Sprintf("sensors.driver %q must be simulated or mqtt", c.Sensors.Driver))
	}

	if c.Feed.Enabled && len(c.Feed.Brokers) == 0 {
		errs = append(errs, "feed.brokers is required when the feed is enabled")
	}

	if c.Tracker.Calibration < 0 {
		errs = append(errs, "tracker.calibration must not be negative")
	}
	if c.Tracker.MaxStepDelta < 0 {
		errs = append(errs, "tracker.max_step_delta must not be negative")
	}
	if c.Tracker.Timezone != "" {
		if _, err := time.LoadLocation(c.Tracker.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("tracker.timezone: %v", err))
		}
	}

	if c.Auth.JWT.SigningKey == "" {
		errs = append(errs, "auth.jwt.signing_key is required")
	}
	for i, k := range c.Auth.APIKeys {
		if k.Name == "" || k.Hash == "" {
			errs = append(errs, fmt.Sprintf("auth.api_keys[%d] needs a name and a hash", i))
		}
	}

	if c.Audit.RetentionDays < 0 || c.Audit.Capacity < 0 {
		errs = append(errs, "audit.retention_days and audit.capacity must not be negative")
	}

	if c.Identity.AutoStart && c.Identity.DefaultUser == "" {
		errs = append(errs, "identity.auto_start requires identity.default_user")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the configured tracker time zone.
func (c *Config) Location() *time.Location {
	if c.Tracker.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Tracker.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// TrackerSettings converts the tracker section to steps.Config.
func (c *Config) TrackerSettings() steps.Config {
	return steps.Config{
		MaxStepDelta:   c.Tracker.MaxStepDelta,
		ShakeCooldown:  c.Tracker.ShakeCooldown,
		SampleInterval: c.Tracker.SampleInterval,
		SaveInterval:   c.Tracker.SaveInterval,
		Calibration:    c.Tracker.Calibration,
		Location:       c.Location(),
		Motion: motion.Config{
			WindowSize:   c.Tracker.Motion.WindowSize,
			MinSamples:   c.Tracker.Motion.MinSamples,
			Threshold:    c.Tracker.Motion.Threshold,
			EvalInterval: c.Tracker.Motion.EvalInterval,
		},
	}
}

// Package steps implements the step tracking service: it turns a noisy
// cumulative hardware step counter into a de-noised per-user daily count,
// rejects steps during shake motion, persists the count to a local cache
// and a remote document store, archives finished days, and fans every
// change out to subscribers.
package steps

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/txn2/steptracker/pkg/motion"
)

// Defaults for Config.
const (
	DefaultMaxStepDelta   = 20
	DefaultShakeCooldown  = 2 * time.Second
	DefaultSampleInterval = 100 * time.Millisecond
	DefaultSaveInterval   = 5 * time.Second
	DefaultCalibration    = 1.0
)

// DateLayout formats history document keys.
const DateLayout = "2006-01-02"

// Document fields written by the tracker.
const (
	fieldSteps      = "steps"
	fieldEmail      = "email"
	fieldUserID     = "userId"
	fieldCreatedAt  = "createdAt"
	fieldUpdatedAt  = "updatedAt"
	fieldDate       = "date"
	fieldArchivedAt = "archivedAt"
)

var (
	// ErrHardwareUnavailable is returned by Start when the device has no
	// step counter.
	ErrHardwareUnavailable = errors.New("step counter unavailable")

	// ErrPermissionDenied is returned by Start when a sensor permission
	// request is refused.
	ErrPermissionDenied = errors.New("sensor permission denied")

	// ErrNotReady is returned by Flush when no identity has been loaded.
	ErrNotReady = errors.New("no loaded identity")
)

// StepEvent carries the hardware's cumulative step count.
type StepEvent struct {
	Steps int `json:"steps"`
}

// Subscription is a handle to a sensor stream.
type Subscription interface {
	Unsubscribe() error
}

// StepCounter is the hardware step stream.
type StepCounter interface {
	Available(ctx context.Context) (bool, error)
	RequestPermission(ctx context.Context) (bool, error)
	Subscribe(fn func(StepEvent)) (Subscription, error)
}

// Accelerometer is the triaxial motion stream used for shake rejection.
type Accelerometer interface {
	Available(ctx context.Context) (bool, error)
	SetSampleInterval(d time.Duration) error
	Subscribe(fn func(motion.Sample)) (Subscription, error)
}

// PermissionRequester is implemented by accelerometers that need a
// runtime permission grant before streaming.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (bool, error)
}

// Update is delivered to subscribers whenever the count is emitted.
type Update struct {
	UserID string    `json:"user_id"`
	Steps  int       `json:"steps"`
	At     time.Time `json:"at"`
}

// Status is a point-in-time view of the tracker.
type Status struct {
	UserID       string    `json:"user_id,omitempty"`
	Email        string    `json:"email,omitempty"`
	Steps        int       `json:"steps"`
	LastSaved    int       `json:"last_saved"`
	SessionStart time.Time `json:"session_start"`
	LastStepAt   time.Time `json:"last_step_at,omitzero"`
	Loaded       bool      `json:"loaded"`
	Running      bool      `json:"running"`
	Shaking      bool      `json:"shaking"`
	Degraded     bool      `json:"degraded"`
}

// Config tunes the tracker. Zero fields take the package defaults.
type Config struct {
	// MaxStepDelta caps the steps credited from one hardware event.
	MaxStepDelta int
	// ShakeCooldown is how long steps are rejected after a shake.
	ShakeCooldown time.Duration
	// SampleInterval is requested from the accelerometer.
	SampleInterval time.Duration
	// SaveInterval is the period of the background save check.
	SaveInterval time.Duration
	// Calibration scales each clamped delta before buffering.
	Calibration float64
	// Location decides calendar days for rollover. Nil means time.Local.
	Location *time.Location
	// Motion tunes shake detection.
	Motion motion.Config
}

func (c Config) withDefaults() Config {
	if c.MaxStepDelta <= 0 {
		c.MaxStepDelta = DefaultMaxStepDelta
	}
	if c.ShakeCooldown <= 0 {
		c.ShakeCooldown = DefaultShakeCooldown
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = DefaultSaveInterval
	}
	if c.Calibration <= 0 {
		c.Calibration = DefaultCalibration
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// escapeID makes a user ID safe to embed in a document path or cache key.
// The result never contains '/' or ':', so one user's paths and keys can
// not be a prefix of, or land inside, another user's.
func escapeID(userID string) string {
	return url.QueryEscape(userID)
}

// UserDocPath is the remote document holding a user's live count.
func UserDocPath(userID string) string {
	return "users/" + escapeID(userID)
}

// HistoryPrefix is the path prefix of a user's daily archive.
func HistoryPrefix(userID string) string {
	return UserDocPath(userID) + "/history/"
}

// HistoryDocPath is the archive document for one day.
func HistoryDocPath(userID, day string) string {
	return HistoryPrefix(userID) + day
}

// CacheKeyPrefix namespaces a user's local cache keys.
func CacheKeyPrefix(userID string) string {
	return "steps:" + escapeID(userID) + ":"
}

// CountKey is the cache key of the cached step count.
func CountKey(userID string) string {
	return CacheKeyPrefix(userID) + "count"
}

// SessionStartKey is the cache key of the cached session start (RFC 3339).
func SessionStartKey(userID string) string {
	return CacheKeyPrefix(userID) + "sessionStart"
}

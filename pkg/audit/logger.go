// Package audit records session and operator actions taken through the API.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable action.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMS   int64          `json:"duration_ms"`
	RequestID    string         `json:"request_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	ActorEmail   string         `json:"actor_email,omitempty"`
	Action       Action         `json:"action"`
	Target       string         `json:"target,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	ActorID   string
	Action    Action
	Target    string
	Success   *bool
	Limit     int
	Offset    int
}

// Config configures audit logging.
type Config struct {
	// RetentionDays bounds how long events are kept.
	RetentionDays int
	// Capacity bounds the in-memory logger.
	Capacity int
}

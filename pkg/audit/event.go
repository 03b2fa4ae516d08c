package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action names an auditable operation.
type Action string

const (
	// ActionSessionStart is a user starting a tracking session.
	ActionSessionStart Action = "session.start"

	// ActionSessionEnd is a user ending a tracking session.
	ActionSessionEnd Action = "session.end"

	// ActionFlush is an operator forcing a persist.
	ActionFlush Action = "admin.flush"

	// ActionCachePurge is an operator removing a user's cached state.
	ActionCachePurge Action = "admin.cache_purge"
)

// NewEvent creates a new audit event stamped with the current time.
func NewEvent(action Action) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
	}
}

// WithActor adds the acting principal to the event.
func (e *Event) WithActor(id, email string) *Event {
	e.ActorID = id
	e.ActorEmail = email
	return e
}

// WithTarget names the user the action applied to.
func (e *Event) WithTarget(target string) *Event {
	e.Target = target
	return e
}

// WithParameters adds parameters to the event. Sensitive keys are redacted.
func (e *Event) WithParameters(params map[string]any) *Event {
	e.Parameters = SanitizeParameters(params)
	return e
}

// WithResult adds result information to the event.
func (e *Event) WithResult(err error, duration time.Duration) *Event {
	e.Success = err == nil
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	e.DurationMS = duration.Milliseconds()
	return e
}

// WithRequestID adds a request ID to the event.
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"credentials":   true,
}

// SanitizeParameters returns a copy of params with sensitive values redacted.
func SanitizeParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}

// Matches reports whether the event passes the filter's conditions.
// Limit and Offset are ignored.
func (f QueryFilter) Matches(e Event) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Target != "" && e.Target != f.Target {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

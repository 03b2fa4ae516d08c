package audit

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// DefaultCapacity is the number of events the memory logger keeps.
const DefaultCapacity = 1000

// MemoryLogger keeps the most recent events in process and mirrors each one
// to slog.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewMemoryLogger creates a MemoryLogger. A capacity of zero uses
// DefaultCapacity.
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryLogger{capacity: capacity}
}

// Log records an audit event, evicting the oldest when full.
func (l *MemoryLogger) Log(_ context.Context, event Event) error {
	slog.Info("audit",
		"action", event.Action,
		"actor", event.ActorID,
		"target", event.Target,
		"success", event.Success,
		"request_id", event.RequestID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= l.capacity {
		l.events = slices.Delete(l.events, 0, len(l.events)-l.capacity+1)
	}
	l.events = append(l.events, event)
	return nil
}

// Query returns matching events, newest first.
func (l *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	skipped := 0
	for _, e := range slices.Backward(l.events) {
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (*MemoryLogger) Close() error { return nil }

var _ Logger = (*MemoryLogger)(nil)

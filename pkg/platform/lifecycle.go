package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Component is something that can be started and stopped.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Closer is something that can be closed.
type Closer interface {
	Close() error
}

type hook struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// Lifecycle starts components in registration order and stops them in
// reverse. Start and stop of one component are registered together so a
// failed start rolls back exactly the components that did start.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []hook
	started int // number of hooks whose start succeeded
	running bool
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Register adds a named component. Either callback may be nil.
func (l *Lifecycle) Register(name string, start, stop func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook{name: name, start: start, stop: stop})
}

// RegisterComponent registers a component with the lifecycle.
func (l *Lifecycle) RegisterComponent(name string, c Component) {
	l.Register(name, c.Start, c.Stop)
}

// RegisterCloser registers a closer to be closed on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c Closer) {
	l.Register(name, nil, func(context.Context) error { return c.Close() })
}

// Start runs the start callbacks. On failure the components already
// started are stopped in reverse order.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.start != nil {
			if err := h.start(ctx); err != nil {
				l.started = i
				if rbErr := l.stopLocked(ctx); rbErr != nil {
					slog.Warn("lifecycle rollback failed", "error", rbErr)
				}
				return fmt.Errorf("starting %s: %w", h.name, err)
			}
		}
		l.started = i + 1
	}

	l.running = true
	return nil
}

// Stop runs the stop callbacks of started components in reverse order and
// joins their errors.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false
	return l.stopLocked(ctx)
}

func (l *Lifecycle) stopLocked(ctx context.Context) error {
	var errs []error
	for i := l.started - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.stop == nil {
			continue
		}
		if err := h.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.name, err))
		}
	}
	l.started = 0
	return errors.Join(errs...)
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

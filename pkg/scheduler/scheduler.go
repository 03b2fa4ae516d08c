// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultFlushSpec flushes one minute after local midnight so the day
// rollover is archived promptly even when no steps arrive.
const DefaultFlushSpec = "1 0 * * *"

// DefaultAuditCleanupSpec prunes expired audit events once a night.
const DefaultAuditCleanupSpec = "30 3 * * *"

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 30 * time.Second

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler runs named jobs. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	ignore  []error
	started bool
}

// New creates a scheduler evaluating specs in loc (nil means time.Local).
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := slogLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		timeout: DefaultJobTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Ignore marks errors that are expected and logged at debug level only,
// such as a flush before anyone has signed in.
func (s *Scheduler) Ignore(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignore = append(s.ignore, errs...)
}

// Add schedules job under a standard five-field cron spec.
func (s *Scheduler) Add(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("scheduling %s (%q): %w", name, spec, err)
	}
	slog.Info("scheduled job", "job", name, "spec", spec)
	return nil
}

// Start begins running jobs.
func (s *Scheduler) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
	return nil
}

// Stop prevents new runs, cancels running ones and waits for them.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}
}

// Entries reports how many jobs are scheduled.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := job(ctx)
	switch {
	case err == nil:
		slog.Info("scheduled job finished", "job", name, "duration", time.Since(start))
	case s.ignored(err):
		slog.Debug("scheduled job skipped", "job", name, "reason", err)
	default:
		slog.Warn("scheduled job failed", "job", name, "error", err)
	}
}

func (s *Scheduler) ignored(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.ignore {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

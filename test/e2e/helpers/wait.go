//go:build integration

package helpers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// WaitConfig configures readiness checks.
type WaitConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultWaitConfig returns default wait configuration.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		Timeout:  60 * time.Second,
		Interval: 2 * time.Second,
	}
}

// WaitForPostgres waits for PostgreSQL to accept connections.
func WaitForPostgres(ctx context.Context, dsn string, cfg WaitConfig) error {
	deadline := time.Now().Add(cfg.Timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			time.Sleep(cfg.Interval)
			continue
		}

		err = db.PingContext(ctx)
		closeErr := db.Close()
		if err == nil && closeErr == nil {
			return nil
		}

		time.Sleep(cfg.Interval)
	}

	return fmt.Errorf("postgres not ready within %v", cfg.Timeout)
}

// WaitFor polls cond until it returns true or the timeout passes.
func WaitFor(ctx context.Context, cfg WaitConfig, what string, cond func() bool) error {
	deadline := time.Now().Add(cfg.Timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
	return fmt.Errorf("%s not reached within %v", what, cfg.Timeout)
}

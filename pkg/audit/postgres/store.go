// Package postgres provides PostgreSQL storage for audit events.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/steptracker/pkg/audit"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// auditColumns lists columns in insert and scan order.
var auditColumns = []string{
	"id", "timestamp", "duration_ms", "request_id", "actor_id",
	"actor_email", "action", "target", "parameters", "success", "error_message",
}

// Store implements audit.Logger using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	now           func() time.Time
}

// Config configures the PostgreSQL audit store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL audit store. The caller owns db.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
		now:           time.Now,
	}
}

// Log records an audit event.
func (s *Store) Log(ctx context.Context, event audit.Event) error {
	params, err := json.Marshal(event.Parameters)
	if err != nil || event.Parameters == nil {
		params = []byte("{}")
	}

	query, args, err := psq.Insert("audit_events").
		Columns(auditColumns...).
		Values(
			event.ID,
			event.Timestamp,
			event.DurationMS,
			event.RequestID,
			event.ActorID,
			event.ActorEmail,
			string(event.Action),
			event.Target,
			params,
			event.Success,
			event.ErrorMessage,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building audit insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// applyAuditFilter adds filter conditions to a SELECT builder.
func applyAuditFilter(qb sq.SelectBuilder, filter audit.QueryFilter) sq.SelectBuilder {
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	if filter.ActorID != "" {
		qb = qb.Where(sq.Eq{"actor_id": filter.ActorID})
	}
	if filter.Action != "" {
		qb = qb.Where(sq.Eq{"action": string(filter.Action)})
	}
	if filter.Target != "" {
		qb = qb.Where(sq.Eq{"target": filter.Target})
	}
	if filter.Success != nil {
		qb = qb.Where(sq.Eq{"success": *filter.Success})
	}
	return qb
}

// Query retrieves audit events matching the filter.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	qb := applyAuditFilter(psq.Select(auditColumns...).From("audit_events"), filter)
	qb = qb.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit <= maxQueryCapacity {
		allocCap = filter.Limit
	}
	events := make([]audit.Event, 0, allocCap)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit event rows: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		event  audit.Event
		action string
		params []byte
	)
	err := rows.Scan(
		&event.ID,
		&event.Timestamp,
		&event.DurationMS,
		&event.RequestID,
		&event.ActorID,
		&event.ActorEmail,
		&action,
		&event.Target,
		&params,
		&event.Success,
		&event.ErrorMessage,
	)
	if err != nil {
		return event, fmt.Errorf("scanning audit event row: %w", err)
	}
	event.Action = audit.Action(action)
	if len(params) > 0 && string(params) != "{}" {
		_ = json.Unmarshal(params, &event.Parameters)
	}
	return event, nil
}

// Cleanup removes events older than the retention period and returns how
// many were deleted.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	query, args, err := psq.Delete("audit_events").Where(sq.Lt{"timestamp": cutoff}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building audit cleanup: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleaning up audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close is a no-op; the caller owns the database handle.
func (*Store) Close() error { return nil }

// Verify interface compliance.
var _ audit.Logger = (*Store)(nil)

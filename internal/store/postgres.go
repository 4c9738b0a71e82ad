// Package store persists the audit trail of operator actions and the long-term
// alert archive in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-orchestrator/internal/models"
)

var ErrNotFound = errors.New("store: not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendAudit adds an audit row. A zero Recorded means now.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditLog) error {
	if e.Recorded.IsZero() {
		e.Recorded = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, actor, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.JobID, e.Event, e.Actor, e.Detail, e.Recorded)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	JobID string
	Since time.Time
	Limit int
}

// ListAudit returns audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditLog, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, actor, detail, recorded_at
		FROM audit_logs
		WHERE ($1 = '' OR job_id = $1) AND recorded_at >= $2
		ORDER BY recorded_at DESC, id DESC
		LIMIT $3
	`, f.JobID, f.Since, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var a models.AuditLog
		err := row.Scan(&a.JobID, &a.Event, &a.Actor, &a.Detail, &a.Recorded)
		return a, err
	})
}

// InsertAlertEvent archives a fired alert. Re-inserting the same event is a no-op.
func (s *Store) InsertAlertEvent(ctx context.Context, e models.AlertEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_events (id, rule, resource_id, metric, value, threshold, severity, message, fired_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Rule, e.ResourceID, e.Metric, e.Value, e.Threshold, string(e.Severity), e.Message, e.FiredAt, e.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert alert event: %w", err)
	}
	return nil
}

// ResolveAlertEvent stamps resolved_at on an open event.
func (s *Store) ResolveAlertEvent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_events SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("resolve alert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert event %s: %w", id, ErrNotFound)
	}
	return nil
}

// AlertEvents returns archived events fired within [from, to], newest first.
func (s *Store) AlertEvents(ctx context.Context, from, to time.Time) ([]models.AlertEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule, resource_id, metric, value, threshold, severity, message, fired_at, resolved_at
		FROM alert_events
		WHERE fired_at BETWEEN $1 AND $2
		ORDER BY fired_at DESC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query alert events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AlertEvent, error) {
		var (
			e        models.AlertEvent
			id       pgtype.UUID
			severity string
			resolved pgtype.Timestamptz
		)
		if err := row.Scan(&id, &e.Rule, &e.ResourceID, &e.Metric, &e.Value, &e.Threshold, &severity, &e.Message, &e.FiredAt, &resolved); err != nil {
			return e, err
		}
		e.ID = uuidString(id)
		e.Severity = models.Severity(severity)
		if resolved.Valid {
			t := resolved.Time
			e.ResolvedAt = &t
		}
		return e, nil
	})
}

func uuidString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	return uuid.UUID(u.Bytes).String()
}

package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:traffic.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent appenders.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			url TEXT NOT NULL,
			referrer TEXT,
			session_id TEXT NOT NULL,
			country TEXT NOT NULL,
			browser TEXT NOT NULL,
			os TEXT NOT NULL,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_ts ON events(project_id, ts)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			metric_type TEXT NOT NULL,
			expected_value REAL NOT NULL,
			actual_value REAL NOT NULL,
			severity TEXT NOT NULL,
			detected_at TIMESTAMP NOT NULL,
			is_resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_project ON anomalies(project_id, is_resolved)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) AppendEvent(ctx context.Context, ev model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.ProjectID,
		ev.EventName,
		ev.URL,
		nullable(ev.Referrer),
		ev.SessionID,
		ev.Country,
		ev.Browser,
		ev.OS,
		ev.Timestamp.UTC(),
	)
	return err
}

func (s *sqliteStore) QueryEvents(ctx context.Context, f QueryFilter) ([]model.Event, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE project_id = ?`)
	args := []any{f.ProjectID}
	if !f.From.IsZero() {
		sb.WriteString(` AND ts >= ?`)
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		sb.WriteString(` AND ts < ?`)
		args = append(args, f.To.UTC())
	}
	if f.EventName != "" {
		sb.WriteString(` AND event_name = ?`)
		args = append(args, f.EventName)
	}
	if f.URL != "" {
		sb.WriteString(` AND url = ?`)
		args = append(args, f.URL)
	}
	if f.Country != "" {
		sb.WriteString(` AND country = ?`)
		args = append(args, f.Country)
	}
	sb.WriteString(` ORDER BY ts ASC`)
	if f.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *sqliteStore) SaveAnomaly(ctx context.Context, a model.Anomaly) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomalies (`+anomalyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.ProjectID,
		string(a.MetricType),
		a.ExpectedValue,
		a.ActualValue,
		string(a.Severity),
		a.DetectedAt.UTC(),
		a.IsResolved,
		resolvedAtArg(a.ResolvedAt),
	)
	return err
}

func (s *sqliteStore) UpdateAnomaly(ctx context.Context, a model.Anomaly) error {
	// A refresh racing a resolve must not touch the resolved row.
	_, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET expected_value = ?, actual_value = ?, severity = ? WHERE id = ? AND is_resolved = 0`,
		a.ExpectedValue, a.ActualValue, string(a.Severity), a.ID,
	)
	return err
}

func (s *sqliteStore) MarkAnomalyResolved(ctx context.Context, id string, at time.Time) error {
	// Idempotent: an already-resolved row keeps its original resolved_at.
	_, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET is_resolved = 1, resolved_at = ? WHERE id = ? AND is_resolved = 0`,
		at.UTC(), id,
	)
	return err
}

func (s *sqliteStore) ListAnomalies(ctx context.Context, projectID string, unresolvedOnly bool, limit int) ([]model.Anomaly, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + anomalyColumns + ` FROM anomalies WHERE 1 = 1`)
	args := []any{}
	if projectID != "" {
		sb.WriteString(` AND project_id = ?`)
		args = append(args, projectID)
	}
	if unresolvedOnly {
		sb.WriteString(` AND is_resolved = 0`)
	}
	sb.WriteString(` ORDER BY detected_at DESC`)
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return scanAnomalies(rows)
}

func resolvedAtArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/traffic?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
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
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_ts ON events(project_id, ts)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			metric_type TEXT NOT NULL,
			expected_value DOUBLE PRECISION NOT NULL,
			actual_value DOUBLE PRECISION NOT NULL,
			severity TEXT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at TIMESTAMPTZ
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

func (s *postgresStore) AppendEvent(ctx context.Context, ev model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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

func (s *postgresStore) QueryEvents(ctx context.Context, f QueryFilter) ([]model.Event, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE project_id = $1`)
	args := []any{f.ProjectID}
	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		fmt.Fprintf(&sb, ` AND ts >= $%d`, len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		fmt.Fprintf(&sb, ` AND ts < $%d`, len(args))
	}
	if f.EventName != "" {
		args = append(args, f.EventName)
		fmt.Fprintf(&sb, ` AND event_name = $%d`, len(args))
	}
	if f.URL != "" {
		args = append(args, f.URL)
		fmt.Fprintf(&sb, ` AND url = $%d`, len(args))
	}
	if f.Country != "" {
		args = append(args, f.Country)
		fmt.Fprintf(&sb, ` AND country = $%d`, len(args))
	}
	sb.WriteString(` ORDER BY ts ASC`)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *postgresStore) SaveAnomaly(ctx context.Context, a model.Anomaly) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomalies (`+anomalyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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

func (s *postgresStore) UpdateAnomaly(ctx context.Context, a model.Anomaly) error {
	// A refresh racing a resolve must not touch the resolved row.
	_, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET expected_value = $1, actual_value = $2, severity = $3 WHERE id = $4 AND is_resolved = FALSE`,
		a.ExpectedValue, a.ActualValue, string(a.Severity), a.ID,
	)
	return err
}

func (s *postgresStore) MarkAnomalyResolved(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET is_resolved = TRUE, resolved_at = $1 WHERE id = $2 AND is_resolved = FALSE`,
		at.UTC(), id,
	)
	return err
}

func (s *postgresStore) ListAnomalies(ctx context.Context, projectID string, unresolvedOnly bool, limit int) ([]model.Anomaly, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + anomalyColumns + ` FROM anomalies WHERE TRUE`)
	args := []any{}
	if projectID != "" {
		args = append(args, projectID)
		fmt.Fprintf(&sb, ` AND project_id = $%d`, len(args))
	}
	if unresolvedOnly {
		sb.WriteString(` AND is_resolved = FALSE`)
	}
	sb.WriteString(` ORDER BY detected_at DESC`)
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return scanAnomalies(rows)
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/config"
	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

// QueryFilter narrows an event query. From/To bound the server-assigned
// timestamp; zero values mean unbounded. Limit is enforced by the caller's
// page-size policy before it reaches the store.
type QueryFilter struct {
	ProjectID string
	From      time.Time
	To        time.Time
	EventName string
	URL       string
	Country   string
	Limit     int
}

// Store is the append-only durable record of raw events plus the anomaly
// ledger. Event queries are pure reads, ordered by timestamp ascending.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	AppendEvent(ctx context.Context, ev model.Event) error
	QueryEvents(ctx context.Context, f QueryFilter) ([]model.Event, error)
	SaveAnomaly(ctx context.Context, a model.Anomaly) error
	UpdateAnomaly(ctx context.Context, a model.Anomaly) error
	MarkAnomalyResolved(ctx context.Context, id string, at time.Time) error
	ListAnomalies(ctx context.Context, projectID string, unresolvedOnly bool, limit int) ([]model.Anomaly, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// eventColumns is the shared select list; both drivers scan it with
// scanEvents.
const eventColumns = "id, project_id, event_name, url, referrer, session_id, country, browser, os, ts"

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	defer rows.Close()
	out := make([]model.Event, 0)
	for rows.Next() {
		var ev model.Event
		var referrer sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.EventName, &ev.URL, &referrer,
			&ev.SessionID, &ev.Country, &ev.Browser, &ev.OS, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Referrer = referrer.String
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

const anomalyColumns = "id, project_id, metric_type, expected_value, actual_value, severity, detected_at, is_resolved, resolved_at"

func scanAnomalies(rows *sql.Rows) ([]model.Anomaly, error) {
	defer rows.Close()
	out := make([]model.Anomaly, 0)
	for rows.Next() {
		var a model.Anomaly
		var metric, severity string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.ProjectID, &metric, &a.ExpectedValue, &a.ActualValue,
			&severity, &a.DetectedAt, &a.IsResolved, &resolvedAt); err != nil {
			return nil, err
		}
		a.MetricType = model.MetricType(metric)
		a.Severity = model.Severity(severity)
		a.DetectedAt = a.DetectedAt.UTC()
		if resolvedAt.Valid {
			t := resolvedAt.Time.UTC()
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

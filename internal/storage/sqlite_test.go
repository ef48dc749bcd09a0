package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(id, project, url, session string, ts time.Time) model.Event {
	return model.Event{
		ID:        id,
		ProjectID: project,
		EventName: "pageview",
		URL:       url,
		SessionID: session,
		Country:   "DE",
		Browser:   "Firefox",
		OS:        "Linux",
		Timestamp: ts,
	}
}

func TestEventAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendEvent(ctx, testEvent("e1", "p1", "/a", "s1", base)))
	require.NoError(t, s.AppendEvent(ctx, testEvent("e2", "p1", "/b", "s1", base.Add(time.Minute))))
	require.NoError(t, s.AppendEvent(ctx, testEvent("e3", "p2", "/a", "s2", base.Add(2*time.Minute))))

	events, err := s.QueryEvents(ctx, QueryFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "e1", events[0].ID)
	require.Equal(t, "e2", events[1].ID)

	filtered, err := s.QueryEvents(ctx, QueryFilter{ProjectID: "p1", URL: "/b"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "e2", filtered[0].ID)

	ranged, err := s.QueryEvents(ctx, QueryFilter{
		ProjectID: "p1",
		From:      base.Add(30 * time.Second),
		To:        base.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	require.Equal(t, "e2", ranged[0].ID)

	limited, err := s.QueryEvents(ctx, QueryFilter{ProjectID: "p1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestEventReferrerNullRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ev := testEvent("e1", "p1", "/a", "s1", time.Now().UTC())
	ev.Referrer = ""
	require.NoError(t, s.AppendEvent(ctx, ev))

	got, err := s.QueryEvents(ctx, QueryFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Empty(t, got[0].Referrer)
}

func TestAnomalyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	a := model.Anomaly{
		ID:            "a1",
		ProjectID:     "p1",
		MetricType:    model.MetricTrafficSpike,
		ExpectedValue: 50,
		ActualValue:   120,
		Severity:      model.SeverityMedium,
		DetectedAt:    base,
	}
	require.NoError(t, s.SaveAnomaly(ctx, a))

	a.ActualValue = 300
	a.Severity = model.SeverityHigh
	require.NoError(t, s.UpdateAnomaly(ctx, a))

	open, err := s.ListAnomalies(ctx, "p1", true, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.EqualValues(t, 300, open[0].ActualValue)
	require.Equal(t, model.SeverityHigh, open[0].Severity)

	resolveAt := base.Add(time.Hour)
	require.NoError(t, s.MarkAnomalyResolved(ctx, "a1", resolveAt))
	// Second resolve keeps the original resolved_at.
	require.NoError(t, s.MarkAnomalyResolved(ctx, "a1", base.Add(5*time.Hour)))

	all, err := s.ListAnomalies(ctx, "p1", false, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].IsResolved)
	require.NotNil(t, all[0].ResolvedAt)
	require.True(t, all[0].ResolvedAt.Equal(resolveAt))

	open, err = s.ListAnomalies(ctx, "p1", true, 0)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestUpdateAnomalySkipsResolvedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	a := model.Anomaly{
		ID:            "a1",
		ProjectID:     "p1",
		MetricType:    model.MetricTrafficSpike,
		ExpectedValue: 50,
		ActualValue:   120,
		Severity:      model.SeverityMedium,
		DetectedAt:    base,
	}
	require.NoError(t, s.SaveAnomaly(ctx, a))
	require.NoError(t, s.MarkAnomalyResolved(ctx, "a1", base.Add(time.Minute)))

	// A refresh carrying pre-resolve values must leave the resolved row alone.
	a.ActualValue = 250
	require.NoError(t, s.UpdateAnomaly(ctx, a))

	all, err := s.ListAnomalies(ctx, "p1", false, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].IsResolved)
	require.EqualValues(t, 120, all[0].ActualValue)
}

func TestListAnomaliesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.SaveAnomaly(ctx, model.Anomaly{
			ID:         id,
			ProjectID:  "p1",
			MetricType: model.MetricTrafficSpike,
			Severity:   model.SeverityLow,
			DetectedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	list, err := s.ListAnomalies(ctx, "p1", false, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a3", list[0].ID)
	require.Equal(t, "a2", list[1].ID)
}

package anomaly

import (
	"testing"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

func sample(id, project string, metric model.MetricType, at time.Time) model.Anomaly {
	return model.Anomaly{
		ID:            id,
		ProjectID:     project,
		MetricType:    metric,
		ExpectedValue: 50,
		ActualValue:   120,
		Severity:      model.SeverityMedium,
		DetectedAt:    at,
	}
}

func TestResolveIdempotent(t *testing.T) {
	s := NewStore(10)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	s.Add(sample("a1", "p", model.MetricTrafficSpike, now))

	first, changed, err := s.Resolve("a1", now.Add(time.Minute))
	if err != nil || !changed {
		t.Fatalf("first resolve: changed=%v err=%v", changed, err)
	}
	if !first.IsResolved || first.ResolvedAt == nil {
		t.Fatalf("not terminal: %+v", first)
	}

	second, changed, err := s.Resolve("a1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if changed {
		t.Fatalf("second resolve reported a change")
	}
	if !second.ResolvedAt.Equal(*first.ResolvedAt) {
		t.Fatalf("resolved_at moved on repeat resolve")
	}
}

func TestResolveUnknown(t *testing.T) {
	s := NewStore(10)
	if _, _, err := s.Resolve("missing", time.Now()); err != model.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListNewestFirstWithFilters(t *testing.T) {
	s := NewStore(10)
	now := time.Now()
	s.Add(sample("a1", "p1", model.MetricTrafficSpike, now))
	s.Add(sample("a2", "p2", model.MetricSessionDrop, now.Add(time.Minute)))
	s.Add(sample("a3", "p1", model.MetricBounceRateSpike, now.Add(2*time.Minute)))
	if _, changed, _ := s.Resolve("a1", now.Add(3*time.Minute)); !changed {
		t.Fatalf("setup resolve failed")
	}

	all := s.List("p1", false, 0)
	if len(all) != 2 || all[0].ID != "a3" || all[1].ID != "a1" {
		t.Fatalf("list order: %+v", all)
	}

	open := s.List("p1", true, 0)
	if len(open) != 1 || open[0].ID != "a3" {
		t.Fatalf("unresolved filter: %+v", open)
	}

	limited := s.List("", false, 2)
	if len(limited) != 2 {
		t.Fatalf("limit: %d", len(limited))
	}
}

func TestEvictionAtLimit(t *testing.T) {
	s := NewStore(2)
	now := time.Now()
	s.Add(sample("a1", "p", model.MetricTrafficSpike, now))
	s.Add(sample("a2", "p", model.MetricTrafficSpike, now.Add(time.Minute)))
	s.Add(sample("a3", "p", model.MetricTrafficSpike, now.Add(2*time.Minute)))

	if _, ok := s.Get("a1"); ok {
		t.Fatalf("oldest not evicted")
	}
	if _, ok := s.Get("a3"); !ok {
		t.Fatalf("newest missing")
	}
}

func TestUpdateRefreshesOpenAnomaly(t *testing.T) {
	s := NewStore(10)
	a := sample("a1", "p", model.MetricTrafficSpike, time.Now())
	s.Add(a)
	a.ActualValue = 300
	a.Severity = model.SeverityHigh
	s.Update(a)

	got, ok := s.Get("a1")
	if !ok || got.ActualValue != 300 || got.Severity != model.SeverityHigh {
		t.Fatalf("update lost: %+v", got)
	}
}

func TestUpdateCannotReopenResolved(t *testing.T) {
	s := NewStore(10)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	a := sample("a1", "p", model.MetricTrafficSpike, now)
	s.Add(a)

	// A refresh copied while the anomaly was open can land after a
	// concurrent resolve; the terminal state must win.
	stale := a
	stale.ActualValue = 250

	if _, changed, err := s.Resolve("a1", now.Add(time.Minute)); err != nil || !changed {
		t.Fatalf("resolve: changed=%v err=%v", changed, err)
	}
	s.Update(stale)

	got, ok := s.Get("a1")
	if !ok {
		t.Fatalf("record missing")
	}
	if !got.IsResolved || got.ResolvedAt == nil {
		t.Fatalf("stale update reopened the anomaly: %+v", got)
	}
	if got.ActualValue == 250 {
		t.Fatalf("stale update applied to resolved record")
	}
	if n := s.OpenCount(); n != 0 {
		t.Fatalf("open count: %d", n)
	}
}

package engine

import (
	"testing"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

func TestSpikeRaiseAndSuppress(t *testing.T) {
	cfg := testConfig()
	st := &detectorState{}
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	v := evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 120, 50, now)
	if v.raised == nil {
		t.Fatalf("expected raise")
	}
	if v.raised.Severity != model.SeverityMedium {
		t.Fatalf("severity: %s", v.raised.Severity)
	}

	v = evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 130, 50, now.Add(time.Minute))
	if v.raised != nil {
		t.Fatalf("duplicate raise while active")
	}
	if v.updated == nil || v.updated.ActualValue != 130 {
		t.Fatalf("expected in-place update, got %+v", v)
	}
}

func TestSpikeBelowThresholdNoRaise(t *testing.T) {
	cfg := testConfig()
	st := &detectorState{}
	// +100% exactly is not a breach; the deviation must exceed it.
	v := evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 100, 50, time.Now())
	if v.raised != nil {
		t.Fatalf("boundary deviation raised")
	}
}

func TestSeverityLevels(t *testing.T) {
	cfg := testConfig()
	cases := []struct {
		actual float64
		want   model.Severity
	}{
		{101, model.SeverityMedium},
		{199, model.SeverityMedium},
		{200, model.SeverityHigh},
		{500, model.SeverityHigh},
	}
	for _, tc := range cases {
		st := &detectorState{}
		v := evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, tc.actual, 50, time.Now())
		if v.raised == nil {
			t.Fatalf("actual %.0f: expected raise", tc.actual)
		}
		if v.raised.Severity != tc.want {
			t.Fatalf("actual %.0f: severity %s want %s", tc.actual, v.raised.Severity, tc.want)
		}
	}
}

func TestSessionDropDirection(t *testing.T) {
	cfg := testConfig()
	st := &detectorState{}
	// 10 sessions against 100 expected is a -90% deviation.
	v := evaluateMetric(cfg, st, "p", model.MetricSessionDrop, 10, 100, time.Now())
	if v.raised == nil {
		t.Fatalf("expected drop raise")
	}
	if v.raised.Severity != model.SeverityHigh {
		t.Fatalf("severity: %s", v.raised.Severity)
	}

	st = &detectorState{}
	v = evaluateMetric(cfg, st, "p", model.MetricSessionDrop, 120, 100, time.Now())
	if v.raised != nil {
		t.Fatalf("high traffic must not raise a drop")
	}
}

func TestSeverityOnlyUpgrades(t *testing.T) {
	cfg := testConfig()
	st := &detectorState{}
	now := time.Now()
	evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 300, 50, now)
	if st.active.Severity != model.SeverityHigh {
		t.Fatalf("setup severity: %s", st.active.Severity)
	}
	evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 110, 50, now.Add(time.Minute))
	if st.active.Severity != model.SeverityHigh {
		t.Fatalf("severity downgraded to %s", st.active.Severity)
	}
}

func TestAutoResolveDisabledByDefault(t *testing.T) {
	cfg := testConfig()
	st := &detectorState{}
	now := time.Now()
	evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 200, 50, now)
	for i := 0; i < 10; i++ {
		v := evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 50, 50, now.Add(time.Duration(i)*time.Minute))
		if v.resolved != nil {
			t.Fatalf("auto-resolved while disabled")
		}
	}
	if st.active == nil {
		t.Fatalf("anomaly closed without resolve")
	}
}

func TestAutoResolveAfterCalmStreak(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.AutoResolve.Enabled = true
	cfg.Detection.AutoResolve.ConsecutiveInRange = 3
	st := &detectorState{}
	now := time.Now()
	evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 200, 50, now)

	var resolved *model.Anomaly
	for i := 0; i < 3; i++ {
		v := evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 50, 50, now.Add(time.Duration(i)*time.Minute))
		resolved = v.resolved
	}
	if resolved == nil {
		t.Fatalf("expected auto-resolve on third calm evaluation")
	}
	if !resolved.IsResolved || resolved.ResolvedAt == nil {
		t.Fatalf("resolved anomaly not terminal: %+v", resolved)
	}
	if st.active != nil {
		t.Fatalf("detector still active")
	}
}

func TestCalmStreakResetsOnBreach(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.AutoResolve.Enabled = true
	cfg.Detection.AutoResolve.ConsecutiveInRange = 3
	st := &detectorState{}
	now := time.Now()
	evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 200, 50, now)
	evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 50, 50, now)
	evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 50, 50, now)
	evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 200, 50, now)
	v := evaluateMetric(cfg, st, "p", model.MetricTrafficSpike, 50, 50, now)
	if v.resolved != nil {
		t.Fatalf("streak survived an interleaved breach")
	}
}

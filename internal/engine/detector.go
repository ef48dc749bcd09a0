package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/balaworkspace05/plausibleV2-ai/internal/config"
	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

// detectorState is the per-(project, metric_type) state machine. active is
// nil in Normal and holds the open anomaly in Active; the transition back
// to Normal happens only through an explicit resolve or the policy-gated
// auto-resolve.
type detectorState struct {
	active *model.Anomaly
	calm   int
}

// verdict reports what one evaluation did. At most one field is set.
type verdict struct {
	raised   *model.Anomaly
	updated  *model.Anomaly
	resolved *model.Anomaly
}

// evaluateMetric runs one detector step. The detector is baseline-agnostic:
// expected arrives as an input and is never computed here, so the baseline
// policy can be swapped without touching the state machine.
func evaluateMetric(cfg *config.Config, st *detectorState, projectID string, metric model.MetricType, actual, expected float64, now time.Time) verdict {
	eps := cfg.Detection.Epsilon
	d := (actual - expected) / maxFloat(expected, eps)

	breach := false
	if metric == model.MetricSessionDrop {
		breach = d < cfg.Detection.DropThreshold
	} else {
		breach = d > cfg.Detection.SpikeThreshold
	}

	if breach {
		st.calm = 0
		if st.active == nil {
			a := &model.Anomaly{
				ID:            uuid.NewString(),
				ProjectID:     projectID,
				MetricType:    metric,
				ExpectedValue: expected,
				ActualValue:   actual,
				Severity:      severityFor(cfg, metric, actual, expected),
				DetectedAt:    now,
			}
			st.active = a
			return verdict{raised: a}
		}
		// Already Active: refresh the open anomaly instead of duplicating.
		st.active.ActualValue = actual
		st.active.ExpectedValue = expected
		if sev := severityFor(cfg, metric, actual, expected); severityRank(sev) > severityRank(st.active.Severity) {
			st.active.Severity = sev
		}
		return verdict{updated: st.active}
	}

	if st.active == nil {
		return verdict{}
	}
	st.calm++
	if cfg.Detection.AutoResolve.Enabled && st.calm >= cfg.Detection.AutoResolve.ConsecutiveInRange {
		a := st.active
		resolvedAt := now
		a.IsResolved = true
		a.ResolvedAt = &resolvedAt
		st.active = nil
		st.calm = 0
		return verdict{resolved: a}
	}
	return verdict{}
}

// severityFor buckets the deviation magnitude: >=4x the expected value is
// high, >=2x medium, otherwise low. Drops use the inverse ratio so a fall
// to a quarter of baseline is high.
func severityFor(cfg *config.Config, metric model.MetricType, actual, expected float64) model.Severity {
	eps := cfg.Detection.Epsilon
	var ratio float64
	if metric == model.MetricSessionDrop {
		ratio = expected / maxFloat(actual, eps)
	} else {
		ratio = actual / maxFloat(expected, eps)
	}
	switch {
	case ratio >= cfg.Detection.HighRatio:
		return model.SeverityHigh
	case ratio >= cfg.Detection.MediumRatio:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityHigh:
		return 3
	case model.SeverityMedium:
		return 2
	default:
		return 1
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

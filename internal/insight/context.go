// Package insight condenses a project's recent window into a compact,
// deterministic context block suitable for prompting an LLM or rendering
// a plain-text digest. It is a read-only consumer of the engine's
// snapshots and the anomaly feed.
package insight

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

const (
	topLimit = 5

	// Below this many pageviews the window is flagged sparse so consumers
	// can hedge their conclusions.
	sparseThreshold = 100
)

type Snapshotter interface {
	Snapshot(projectID string, from, to time.Time, g model.Granularity) []model.MetricBucket
	ActiveVisitors(projectID string) int
}

type AnomalyLister interface {
	List(projectID string, unresolvedOnly bool, limit int) []model.Anomaly
}

type Context struct {
	ProjectID      string             `json:"project_id"`
	From           time.Time          `json:"from"`
	To             time.Time          `json:"to"`
	Pageviews      int64              `json:"pageviews"`
	UniqueVisitors int64              `json:"unique_visitors"`
	BounceRate     float64            `json:"bounce_rate"`
	ViewsPerVisit  float64            `json:"views_per_visit"`
	ActiveVisitors int                `json:"active_visitors"`
	TopURLs        []model.TopEntry   `json:"top_urls"`
	TopReferrers   []model.TopEntry   `json:"top_referrers"`
	TopCountries   []model.TopEntry   `json:"top_countries"`
	OpenAnomalies  []model.Anomaly    `json:"open_anomalies"`
	SparseData     bool               `json:"sparse_data"`
	GeneratedAt    time.Time          `json:"generated_at"`
}

type Builder struct {
	snapshots Snapshotter
	anomalies AnomalyLister
}

func NewBuilder(snapshots Snapshotter, anomalies AnomalyLister) *Builder {
	return &Builder{snapshots: snapshots, anomalies: anomalies}
}

// Build merges the hourly buckets in [from, to) into one rollup. Unique
// visitors are summed per bucket, so a session spanning hours counts in
// each; the same convention the dashboard uses.
func (b *Builder) Build(projectID string, from, to time.Time) Context {
	buckets := b.snapshots.Snapshot(projectID, from, to, model.GranularityHour)

	var pageviews, uniques, bounced int64
	urls := map[string]int64{}
	referrers := map[string]int64{}
	countries := map[string]int64{}
	for _, bucket := range buckets {
		pageviews += bucket.Pageviews
		uniques += bucket.UniqueVisitors
		bounced += bucket.BouncedSessions
		mergeEntries(urls, bucket.TopURLs)
		mergeEntries(referrers, bucket.TopReferrers)
		mergeEntries(countries, bucket.TopCountries)
	}

	ctx := Context{
		ProjectID:      projectID,
		From:           from,
		To:             to,
		Pageviews:      pageviews,
		UniqueVisitors: uniques,
		ActiveVisitors: b.snapshots.ActiveVisitors(projectID),
		TopURLs:        topEntries(urls),
		TopReferrers:   topEntries(referrers),
		TopCountries:   topEntries(countries),
		SparseData:     pageviews < sparseThreshold,
		GeneratedAt:    time.Now().UTC(),
	}
	if uniques > 0 {
		ctx.BounceRate = float64(bounced) / float64(uniques)
		ctx.ViewsPerVisit = float64(pageviews) / float64(uniques)
	}
	if b.anomalies != nil {
		ctx.OpenAnomalies = b.anomalies.List(projectID, true, 0)
	}
	return ctx
}

// RenderText formats the context as a stable plain-text block. Field order
// is fixed so identical inputs produce identical output.
func RenderText(c Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project %s, %s to %s\n", c.ProjectID, c.From.Format(time.RFC3339), c.To.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Pageviews: %d\n", c.Pageviews)
	fmt.Fprintf(&sb, "Unique visitors: %d\n", c.UniqueVisitors)
	fmt.Fprintf(&sb, "Bounce rate: %.1f%%\n", c.BounceRate*100)
	fmt.Fprintf(&sb, "Views per visit: %.2f\n", c.ViewsPerVisit)
	fmt.Fprintf(&sb, "Active visitors now: %d\n", c.ActiveVisitors)
	writeEntries(&sb, "Top pages", c.TopURLs)
	writeEntries(&sb, "Top referrers", c.TopReferrers)
	writeEntries(&sb, "Top countries", c.TopCountries)
	if len(c.OpenAnomalies) > 0 {
		sb.WriteString("Open anomalies:\n")
		for _, a := range c.OpenAnomalies {
			fmt.Fprintf(&sb, "  %s severity=%s expected=%.1f actual=%.1f since=%s\n",
				a.MetricType, a.Severity, a.ExpectedValue, a.ActualValue, a.DetectedAt.Format(time.RFC3339))
		}
	}
	if c.SparseData {
		sb.WriteString("Note: low event volume in this window, treat trends as indicative only.\n")
	}
	return sb.String()
}

func mergeEntries(into map[string]int64, entries []model.TopEntry) {
	for _, e := range entries {
		into[e.Value] += e.Count
	}
}

func topEntries(m map[string]int64) []model.TopEntry {
	out := make([]model.TopEntry, 0, len(m))
	for v, c := range m {
		out = append(out, model.TopEntry{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > topLimit {
		out = out[:topLimit]
	}
	return out
}

func writeEntries(sb *strings.Builder, label string, entries []model.TopEntry) {
	if len(entries) == 0 {
		return
	}
	sb.WriteString(label + ":\n")
	for _, e := range entries {
		fmt.Fprintf(sb, "  %s (%d)\n", e.Value, e.Count)
	}
}

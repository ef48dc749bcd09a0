// Package engine runs the ingestion pipeline: validate, assign identity
// and a server-side timestamp, append durably, then apply session
// resolution, bucket aggregation, and anomaly evaluation as one atomic
// unit per event under the owning project's lock. Unrelated projects never
// contend.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/balaworkspace05/plausibleV2-ai/internal/anomaly"
	"github.com/balaworkspace05/plausibleV2-ai/internal/config"
	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
	"github.com/balaworkspace05/plausibleV2-ai/internal/pubsub"
	"github.com/balaworkspace05/plausibleV2-ai/internal/stats"
	"github.com/balaworkspace05/plausibleV2-ai/internal/storage"
	"github.com/balaworkspace05/plausibleV2-ai/internal/telemetry"
)

type Engine struct {
	logger    *slog.Logger
	store     storage.Store
	anomalies *anomaly.Store
	stats     *stats.Store
	broker    *pubsub.Broker
	cfg       atomic.Value

	mu       sync.RWMutex
	projects map[string]*projectState

	started time.Time
	now     func() time.Time
}

// projectState is the single-writer unit: everything mutable for one
// project sits behind its mutex, so one event's session, bucket, and
// detector updates are never partially visible to a snapshot reader.
type projectState struct {
	mu        sync.Mutex
	id        string
	lastTS    time.Time
	sessions  *sessionIndex
	buckets   map[model.Granularity]map[int64]*bucketState
	detectors map[model.MetricType]*detectorState
}

func New(cfg *config.Config, logger *slog.Logger, store storage.Store, anomalies *anomaly.Store, statsStore *stats.Store, broker *pubsub.Broker) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:    logger,
		store:     store,
		anomalies: anomalies,
		stats:     statsStore,
		broker:    broker,
		projects:  make(map[string]*projectState),
		started:   time.Now().UTC(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// asyncWorkers bounds the consumers on the queued path. The per-project
// locks keep concurrent workers safe, and a retry sleep stalls only the
// worker holding the event, never the whole channel.
const asyncWorkers = 4

// Start consumes the asynchronous ingest channel (Kafka source) with a
// small worker pool.
func (e *Engine) Start(ctx context.Context, in <-chan model.RawEvent) {
	for i := 0; i < asyncWorkers; i++ {
		go func() {
			for {
				select {
				case raw := <-in:
					e.ingestQueued(ctx, raw)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

func (e *Engine) ingestQueued(ctx context.Context, raw model.RawEvent) {
	_, err := e.Ingest(ctx, raw)
	if err != nil && model.IsTransient(err) {
		// One short-fuse retry covers store hiccups; the source already
		// dropped its claim on the event.
		if sleepCtx(ctx, 200*time.Millisecond) {
			_, err = e.Ingest(ctx, raw)
		}
	}
	if err != nil && e.logger != nil {
		if model.IsValidation(err) {
			e.logger.Debug("async ingest rejected", "project_id", raw.ProjectID, "err", err)
		} else {
			e.logger.Warn("async ingest failed", "project_id", raw.ProjectID, "err", err)
		}
	}
}

// Ingest validates and processes one event. On success the event has been
// durably appended and fully aggregated; fan-out has been kicked off but
// is not part of the success contract. A TransientStoreError means nothing
// was aggregated and the caller may retry.
func (e *Engine) Ingest(ctx context.Context, raw model.RawEvent) (model.Event, error) {
	if raw.ProjectID == "" {
		telemetry.EventsRejected.Inc()
		return model.Event{}, &model.ValidationError{Field: "projectId"}
	}
	if raw.URL == "" {
		telemetry.EventsRejected.Inc()
		return model.Event{}, &model.ValidationError{Field: "url"}
	}
	if raw.SessionID == "" {
		telemetry.EventsRejected.Inc()
		return model.Event{}, &model.ValidationError{Field: "sessionId"}
	}
	cfg := e.config()

	ev := model.Event{
		ID:        uuid.NewString(),
		ProjectID: raw.ProjectID,
		EventName: orDefault(raw.EventName, model.DefaultEventName),
		URL:       raw.URL,
		Referrer:  raw.Referrer,
		SessionID: raw.SessionID,
		Country:   orDefault(raw.Country, model.Unknown),
		Browser:   orDefault(raw.Browser, model.Unknown),
		OS:        orDefault(raw.OS, model.Unknown),
	}

	ps := e.project(raw.ProjectID)
	ev.Timestamp = ps.assignTimestamp(e.now())

	// The durable append anchors the write; in-memory aggregation only
	// follows a successful append so a retried event is never half-counted.
	if e.store != nil {
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			telemetry.StoreErrors.Inc()
			return model.Event{}, &model.TransientStoreError{Op: "append", Err: err}
		}
	}

	delta, rollup, verdicts := e.apply(cfg, ps, ev)
	telemetry.EventsIngested.Inc()
	if delta.IsNewSession && e.logger != nil {
		e.logger.Debug("new session", "project_id", ev.ProjectID, "session_id", ev.SessionID)
	}

	if e.stats != nil {
		e.stats.Update(stats.Rollup{
			ProjectID:   ev.ProjectID,
			CurrentHour: rollup,
			UpdatedAt:   ev.Timestamp,
		})
	}

	if e.broker != nil {
		evCopy := ev
		e.broker.Publish(ev.ProjectID, model.Message{
			Kind:      model.MessageEvent,
			ProjectID: ev.ProjectID,
			Event:     &evCopy,
			SentAt:    e.now(),
		})
	}
	e.settleVerdicts(ctx, ev.ProjectID, verdicts)

	return ev, nil
}

// apply runs the per-event critical section.
func (e *Engine) apply(cfg *config.Config, ps *projectState, ev model.Event) (model.SessionDelta, model.MetricBucket, []verdict) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delta := ps.sessions.Update(ev)

	// Events past retention are durable but excluded from aggregates; a
	// known boundary, not an error.
	if cutoff := e.now().Add(-cfg.Aggregation.Retention); ev.Timestamp.Before(cutoff) {
		if e.logger != nil {
			e.logger.Debug("event older than retention, not aggregated",
				"project_id", ev.ProjectID, "timestamp", ev.Timestamp)
		}
		return delta, model.MetricBucket{}, nil
	}

	var hourly *bucketState
	for _, g := range granularities(cfg) {
		start := g.Truncate(ev.Timestamp)
		b := ps.bucket(g, start, cfg.Aggregation.TopNCapacity)
		b.apply(ev)
		if g == model.GranularityHour {
			hourly = b
		}
	}

	var verdicts []verdict
	var rollup model.MetricBucket
	if hourly != nil {
		rollup = hourly.snapshot(ps.id)
		verdicts = e.evaluateDetectors(cfg, ps, hourly, ev.Timestamp)
	}
	// Verdicts leave the critical section as copies: the detector keeps
	// mutating its open anomaly on later events.
	return delta, rollup, copyVerdicts(verdicts)
}

func copyVerdicts(in []verdict) []verdict {
	out := make([]verdict, 0, len(in))
	for _, v := range in {
		var c verdict
		if v.raised != nil {
			a := *v.raised
			c.raised = &a
		}
		if v.updated != nil {
			a := *v.updated
			c.updated = &a
		}
		if v.resolved != nil {
			a := *v.resolved
			c.resolved = &a
		}
		out = append(out, c)
	}
	return out
}

// evaluateDetectors runs the anomaly state machines against the current
// hourly bucket. The trailing same-length-previous-period bucket is the
// default baseline; the detector itself only sees the resulting expected
// value.
func (e *Engine) evaluateDetectors(cfg *config.Config, ps *projectState, hourly *bucketState, ts time.Time) []verdict {
	prev := ps.lookupBucket(model.GranularityHour, hourly.start.Add(-time.Hour))
	var out []verdict

	// traffic_spike: hourly pageviews vs the previous hour, floored at the
	// configured fallback so brand-new projects still have a baseline.
	expected := cfg.Detection.DefaultExpected
	if prev != nil && float64(prev.pageviews) > expected {
		expected = float64(prev.pageviews)
	}
	out = appendVerdict(out, e.evaluateOne(cfg, ps, model.MetricTrafficSpike, float64(hourly.pageviews), expected, ts))

	if prev != nil && prev.uniques >= int64(cfg.Detection.MinSessions) {
		if hourly.uniques >= int64(cfg.Detection.MinSessions) {
			out = appendVerdict(out, e.evaluateOne(cfg, ps, model.MetricBounceRateSpike, hourly.bounceRate(), prev.bounceRate(), ts))
		}

		// session_drop compares against the previous hour scaled to the
		// elapsed fraction of the current one, so a half-finished bucket
		// is not read as a collapse.
		elapsed := ts.Sub(hourly.start).Seconds() / time.Hour.Seconds()
		if scaled := float64(prev.uniques) * elapsed; scaled >= 1 {
			out = appendVerdict(out, e.evaluateOne(cfg, ps, model.MetricSessionDrop, float64(hourly.uniques), scaled, ts))
		}
	}
	return out
}

func (e *Engine) evaluateOne(cfg *config.Config, ps *projectState, metric model.MetricType, actual, expected float64, ts time.Time) verdict {
	st, ok := ps.detectors[metric]
	if !ok {
		st = &detectorState{}
		ps.detectors[metric] = st
	}
	return evaluateMetric(cfg, st, ps.id, metric, actual, expected, ts)
}

func appendVerdict(list []verdict, v verdict) []verdict {
	if v.raised == nil && v.updated == nil && v.resolved == nil {
		return list
	}
	return append(list, v)
}

// settleVerdicts moves detector outcomes into the anomaly feed, durable
// storage, and fan-out. Runs outside the project lock; persistence
// failures are logged, never propagated to the write path.
func (e *Engine) settleVerdicts(ctx context.Context, projectID string, verdicts []verdict) {
	for _, v := range verdicts {
		switch {
		case v.raised != nil:
			a := *v.raised
			telemetry.AnomaliesRaised.Inc()
			if e.anomalies != nil {
				e.anomalies.Add(a)
				telemetry.OpenAnomalies.Set(float64(e.anomalies.OpenCount()))
			}
			if e.logger != nil {
				e.logger.Warn("anomaly detected",
					"project_id", a.ProjectID,
					"metric_type", a.MetricType,
					"severity", a.Severity,
					"expected", a.ExpectedValue,
					"actual", a.ActualValue,
				)
			}
			if e.store != nil {
				if err := e.store.SaveAnomaly(ctx, a); err != nil && e.logger != nil {
					e.logger.Error("persist anomaly failed", "anomaly_id", a.ID, "err", err)
				}
			}
			e.publishAnomaly(a)
		case v.updated != nil:
			a := *v.updated
			if e.anomalies != nil {
				e.anomalies.Update(a)
			}
			if e.store != nil {
				if err := e.store.UpdateAnomaly(ctx, a); err != nil && e.logger != nil {
					e.logger.Error("update anomaly failed", "anomaly_id", a.ID, "err", err)
				}
			}
		case v.resolved != nil:
			a := *v.resolved
			if e.anomalies != nil {
				e.anomalies.Update(a)
				telemetry.OpenAnomalies.Set(float64(e.anomalies.OpenCount()))
			}
			if e.logger != nil {
				e.logger.Info("anomaly auto-resolved", "project_id", a.ProjectID, "metric_type", a.MetricType)
			}
			if e.store != nil && a.ResolvedAt != nil {
				if err := e.store.MarkAnomalyResolved(ctx, a.ID, *a.ResolvedAt); err != nil && e.logger != nil {
					e.logger.Error("persist anomaly resolve failed", "anomaly_id", a.ID, "err", err)
				}
			}
			e.publishAnomaly(a)
		}
	}
}

func (e *Engine) publishAnomaly(a model.Anomaly) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(a.ProjectID, model.Message{
		Kind:      model.MessageAnomaly,
		ProjectID: a.ProjectID,
		Anomaly:   &a,
		SentAt:    e.now(),
	})
}

// Snapshot returns copies of the buckets intersecting [from, to), ordered
// by bucket start. Readers hold the project lock only while copying.
func (e *Engine) Snapshot(projectID string, from, to time.Time, g model.Granularity) []model.MetricBucket {
	out := make([]model.MetricBucket, 0)
	ps := e.projectIfExists(projectID)
	if ps == nil {
		return out
	}
	fromStart := g.Truncate(from)
	ps.mu.Lock()
	for _, b := range ps.buckets[g] {
		if b.start.Before(fromStart) || !b.start.Before(to) {
			continue
		}
		out = append(out, b.snapshot(projectID))
	}
	ps.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out
}

// ResolveAnomaly marks the anomaly resolved and returns the detector to
// Normal. Resolving twice is a no-op success.
func (e *Engine) ResolveAnomaly(ctx context.Context, id string) (model.Anomaly, error) {
	if e.anomalies == nil {
		return model.Anomaly{}, model.ErrNotFound
	}
	now := e.now()
	resolved, changed, err := e.anomalies.Resolve(id, now)
	if err != nil {
		return model.Anomaly{}, err
	}
	if !changed {
		return resolved, nil
	}
	if ps := e.projectIfExists(resolved.ProjectID); ps != nil {
		ps.mu.Lock()
		if st, ok := ps.detectors[resolved.MetricType]; ok && st.active != nil && st.active.ID == id {
			st.active = nil
			st.calm = 0
		}
		ps.mu.Unlock()
	}
	telemetry.OpenAnomalies.Set(float64(e.anomalies.OpenCount()))
	if e.store != nil {
		if err := e.store.MarkAnomalyResolved(ctx, id, now); err != nil && e.logger != nil {
			e.logger.Error("persist anomaly resolve failed", "anomaly_id", id, "err", err)
		}
	}
	e.publishAnomaly(resolved)
	return resolved, nil
}

// RestoreOpen reseeds detector state and the anomaly feed from durable
// storage at boot, so the one-open-anomaly-per-key invariant survives
// restarts.
func (e *Engine) RestoreOpen(list []model.Anomaly) {
	for _, a := range list {
		if a.IsResolved {
			continue
		}
		cp := a
		ps := e.project(a.ProjectID)
		ps.mu.Lock()
		ps.detectors[a.MetricType] = &detectorState{active: &cp}
		ps.mu.Unlock()
		if e.anomalies != nil {
			e.anomalies.Add(a)
		}
	}
	if e.anomalies != nil {
		telemetry.OpenAnomalies.Set(float64(e.anomalies.OpenCount()))
	}
}

// ActiveVisitors counts sessions with activity inside the configured
// realtime window. Each project answers from its own index.
func (e *Engine) ActiveVisitors(projectID string) int {
	ps := e.projectIfExists(projectID)
	if ps == nil {
		return 0
	}
	cfg := e.config()
	return ps.sessions.ActiveSince(e.now().Add(-cfg.Stats.ActiveWindow))
}

// StartPruning drops buckets past retention on a ticker.
func (e *Engine) StartPruning(ctx context.Context) {
	go func() {
		cfg := e.config()
		ticker := time.NewTicker(cfg.Aggregation.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.prune(e.now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) prune(now time.Time) {
	cfg := e.config()
	e.mu.RLock()
	projects := make([]*projectState, 0, len(e.projects))
	for _, ps := range e.projects {
		projects = append(projects, ps)
	}
	e.mu.RUnlock()
	for _, ps := range projects {
		ps.mu.Lock()
		for g, byStart := range ps.buckets {
			cutoff := now.Add(-cfg.Aggregation.Retention - g.Span())
			for start, b := range byStart {
				if b.start.Before(cutoff) {
					delete(byStart, start)
				}
			}
		}
		ps.mu.Unlock()
	}
}

func (e *Engine) Uptime() time.Duration {
	return e.now().Sub(e.started)
}

func (e *Engine) project(projectID string) *projectState {
	e.mu.RLock()
	ps, ok := e.projects[projectID]
	e.mu.RUnlock()
	if ok {
		return ps
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok = e.projects[projectID]; ok {
		return ps
	}
	cfg := e.config()
	ps = &projectState{
		id:        projectID,
		sessions:  newSessionIndex(cfg.Sessions.MaxEntries, cfg.Sessions.InactivityTimeout),
		buckets:   make(map[model.Granularity]map[int64]*bucketState),
		detectors: make(map[model.MetricType]*detectorState),
	}
	e.projects[projectID] = ps
	return ps
}

func (e *Engine) projectIfExists(projectID string) *projectState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.projects[projectID]
}

// assignTimestamp issues the server-side timestamp, monotonic per project
// regardless of wall-clock ties between concurrent writers.
func (ps *projectState) assignTimestamp(now time.Time) time.Time {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !now.After(ps.lastTS) {
		now = ps.lastTS.Add(time.Microsecond)
	}
	ps.lastTS = now
	return now
}

func (ps *projectState) bucket(g model.Granularity, start time.Time, topCapacity int) *bucketState {
	byStart, ok := ps.buckets[g]
	if !ok {
		byStart = make(map[int64]*bucketState)
		ps.buckets[g] = byStart
	}
	b, ok := byStart[start.Unix()]
	if !ok {
		b = newBucketState(start, g, topCapacity)
		byStart[start.Unix()] = b
	}
	return b
}

func (ps *projectState) lookupBucket(g model.Granularity, start time.Time) *bucketState {
	byStart, ok := ps.buckets[g]
	if !ok {
		return nil
	}
	return byStart[start.Unix()]
}

func granularities(cfg *config.Config) []model.Granularity {
	out := make([]model.Granularity, 0, len(cfg.Aggregation.Granularities))
	for _, g := range cfg.Aggregation.Granularities {
		out = append(out, model.Granularity(g))
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

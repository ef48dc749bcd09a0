// Package api serves the read side: metric snapshots, event queries, the
// anomaly feed, realtime counters, the insight context, and the live
// websocket stream. The write side lives in the collector.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/balaworkspace05/plausibleV2-ai/internal/anomaly"
	"github.com/balaworkspace05/plausibleV2-ai/internal/config"
	"github.com/balaworkspace05/plausibleV2-ai/internal/insight"
	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
	"github.com/balaworkspace05/plausibleV2-ai/internal/pubsub"
	"github.com/balaworkspace05/plausibleV2-ai/internal/stats"
	"github.com/balaworkspace05/plausibleV2-ai/internal/storage"
)

type Engine interface {
	Snapshot(projectID string, from, to time.Time, g model.Granularity) []model.MetricBucket
	ResolveAnomaly(ctx context.Context, id string) (model.Anomaly, error)
	ActiveVisitors(projectID string) int
	Uptime() time.Duration
}

type Server struct {
	cfg       *config.Manager
	engine    Engine
	store     storage.Store
	anomalies *anomaly.Store
	stats     *stats.Store
	broker    *pubsub.Broker
	insights  *insight.Builder
	logger    *slog.Logger
	version   string
	upgrader  websocket.Upgrader
}

func NewServer(cfg *config.Manager, engine Engine, store storage.Store, anomalies *anomaly.Store, statsStore *stats.Store, broker *pubsub.Broker, insights *insight.Builder, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		store:     store,
		anomalies: anomalies,
		stats:     statsStore,
		broker:    broker,
		insights:  insights,
		logger:    logger,
		version:   version,
		upgrader: websocket.Upgrader{
			// Dashboard origins are enforced upstream; the API itself is
			// origin-agnostic.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func Start(ctx context.Context, server *Server) *http.Server {
	current := server.cfg.Get().API
	if !current.Enabled {
		if server.logger != nil {
			server.logger.Info("api disabled")
		}
		return nil
	}
	if server.logger != nil {
		server.logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Routes()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if server.logger != nil {
				server.logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	p := r.PathPrefix("/api/projects/{projectID}").Subrouter()
	p.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	p.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	p.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	p.HandleFunc("/anomalies/{anomalyID}/resolve", s.handleResolve).Methods(http.MethodPost)
	p.HandleFunc("/realtime", s.handleRealtime).Methods(http.MethodGet)
	p.HandleFunc("/insight-context", s.handleInsightContext).Methods(http.MethodGet)
	p.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	return r
}

type statusResponse struct {
	Status    string       `json:"status"`
	Time      string       `json:"time"`
	Version   string       `json:"version"`
	UptimeSec float64      `json:"uptime_seconds"`
	Ingest    ingestStatus `json:"ingest"`
}

type ingestStatus struct {
	Collector bool `json:"collector"`
	Kafka     bool `json:"kafka"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "ok",
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Version:   s.version,
		UptimeSec: s.engine.Uptime().Seconds(),
		Ingest: ingestStatus{
			Collector: cfg.Ingest.Collector.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectID"]
	from, to, err := timeRange(r, 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g := model.Granularity(r.URL.Query().Get("granularity"))
	if g == "" {
		g = model.GranularityHour
	}
	if g != model.GranularityHour && g != model.GranularityDay {
		writeError(w, http.StatusBadRequest, "granularity must be hour or day")
		return
	}
	buckets := s.engine.Snapshot(projectID, from, to, g)
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id":  projectID,
		"granularity": g,
		"from":        from,
		"to":          to,
		"buckets":     buckets,
		"count":       len(buckets),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "event storage not configured")
		return
	}
	projectID := mux.Vars(r)["projectID"]
	from, to, err := timeRange(r, 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := s.cfg.Get()
	limit := cfg.API.PageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > cfg.API.MaxPageSize {
		limit = cfg.API.MaxPageSize
	}
	q := r.URL.Query()
	events, err := s.store.QueryEvents(r.Context(), storage.QueryFilter{
		ProjectID: projectID,
		From:      from,
		To:        to,
		EventName: q.Get("event_name"),
		URL:       q.Get("url"),
		Country:   q.Get("country"),
		Limit:     limit,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Error("event query failed", "project_id", projectID, "err", err)
		}
		writeError(w, http.StatusInternalServerError, "event query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"events":     events,
		"count":      len(events),
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectID"]
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list := s.anomalies.List(projectID, unresolvedOnly, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"anomalies":  list,
		"count":      len(list),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	// Ownership check before any mutation: a wrong-project resolve must not
	// close the anomaly.
	existing, ok := s.anomalies.Get(vars["anomalyID"])
	if !ok || existing.ProjectID != vars["projectID"] {
		writeError(w, http.StatusNotFound, "anomaly not found")
		return
	}
	resolved, err := s.engine.ResolveAnomaly(r.Context(), vars["anomalyID"])
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "anomaly not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "resolve failed")
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectID"]
	resp := map[string]any{
		"project_id":      projectID,
		"active_visitors": s.engine.ActiveVisitors(projectID),
	}
	if rollup, ok := s.stats.Get(projectID); ok {
		resp["current_hour"] = rollup.CurrentHour
		resp["updated_at"] = rollup.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInsightContext(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectID"]
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	now := time.Now().UTC()
	ctx := s.insights.Build(projectID, now.Add(-window), now)
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(insight.RenderText(ctx)))
		return
	}
	writeJSON(w, http.StatusOK, ctx)
}

// handleLive streams events and anomalies for one project over a
// websocket. A slow client loses its broker subscription rather than
// stalling the pipeline; the connection closes and the client reconnects.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectID"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe(projectID)
	defer sub.Cancel()

	// Reader goroutine notices client-side close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func timeRange(r *http.Request, def time.Duration) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.Add(-def)
	to := now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be RFC3339")
		}
		from = t.UTC()
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be RFC3339")
		}
		to = t.UTC()
	}
	// from == to is a legal degenerate range: it selects nothing.
	if from.After(to) {
		return time.Time{}, time.Time{}, errors.New("from must not be after to")
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

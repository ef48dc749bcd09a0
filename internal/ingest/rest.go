package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/config"
	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

// trackingPayload is the wire shape the snippet posts. userAgent is
// optional; the request header is the fallback.
type trackingPayload struct {
	ProjectID string `json:"projectId"`
	URL       string `json:"url"`
	Referrer  string `json:"referrer"`
	SessionID string `json:"sessionId"`
	EventName string `json:"eventName"`
	UserAgent string `json:"userAgent"`
}

// Ingester is the synchronous write path. Each collector request runs the
// full pipeline on its own goroutine; the per-project locks inside keep
// concurrent writers safe while unrelated projects proceed in parallel.
type Ingester interface {
	Ingest(ctx context.Context, raw model.RawEvent) (model.Event, error)
}

type CollectorServer struct {
	cfg    *config.Manager
	sink   Ingester
	logger *slog.Logger
}

// StartCollector runs the public tracking endpoint. 202 means the event was
// durably appended and aggregated; a transient store failure surfaces as
// 503 so the snippet retries instead of silently losing the event.
func StartCollector(ctx context.Context, cfg *config.Manager, sink Ingester, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.Collector
	if !current.Enabled {
		if logger != nil {
			logger.Info("collector disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("collector enabled", "addr", current.Addr)
	}
	server := &CollectorServer{cfg: cfg, sink: sink, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("collector server error", "err", err)
			}
		}
	}()
	return httpServer
}

// Handler exposes the collector routes for tests.
func (s *CollectorServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

func NewCollectorServer(cfg *config.Manager, sink Ingester, logger *slog.Logger) *CollectorServer {
	return &CollectorServer{cfg: cfg, sink: sink, logger: logger}
}

func (s *CollectorServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var payload trackingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.ProjectID == "" || payload.URL == "" || payload.SessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: projectId, url, sessionId")
		return
	}

	ua := payload.UserAgent
	if ua == "" {
		ua = r.Header.Get("User-Agent")
	}
	country := r.Header.Get("CF-IPCountry")
	if country == "" {
		country = model.Unknown
	}

	ev := model.RawEvent{
		ProjectID: payload.ProjectID,
		URL:       payload.URL,
		Referrer:  payload.Referrer,
		SessionID: payload.SessionID,
		EventName: payload.EventName,
		Country:   country,
		Browser:   DetectBrowser(ua),
		OS:        DetectOS(ua),
		Source:    "collector",
	}
	if _, err := s.sink.Ingest(r.Context(), ev); err != nil {
		switch {
		case model.IsTransient(err):
			// Nothing was stored or aggregated; the client owns the retry.
			writeError(w, http.StatusServiceUnavailable, "event store unavailable, retry later")
		case model.IsValidation(err):
			writeError(w, http.StatusBadRequest, "Missing required fields: projectId, url, sessionId")
		default:
			writeError(w, http.StatusInternalServerError, "ingest failed")
		}
		if s.logger != nil && !model.IsValidation(err) {
			s.logger.Error("collector ingest failed", "project_id", ev.ProjectID, "err", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"success":true}`))
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

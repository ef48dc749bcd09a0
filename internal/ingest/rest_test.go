package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/balaworkspace05/plausibleV2-ai/internal/config"
	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

type stubIngester struct {
	mu     sync.Mutex
	events []model.RawEvent
	err    error
}

func (s *stubIngester) Ingest(_ context.Context, raw model.RawEvent) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.Event{}, s.err
	}
	s.events = append(s.events, raw)
	return model.Event{ProjectID: raw.ProjectID}, nil
}

func newCollectorForTest() (*CollectorServer, *stubIngester) {
	sink := &stubIngester{}
	srv := NewCollectorServer(config.NewStaticManager(nil), sink, nil)
	return srv, sink
}

func postEvent(t *testing.T, srv *CollectorServer, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCollectorAccepts(t *testing.T) {
	srv, sink := newCollectorForTest()
	rec := postEvent(t, srv, `{"projectId":"p1","url":"/home","sessionId":"s1"}`, map[string]string{
		"User-Agent":   "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0",
		"CF-IPCountry": "DE",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	if len(sink.events) != 1 {
		t.Fatalf("ingested events: %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.ProjectID != "p1" || ev.URL != "/home" || ev.SessionID != "s1" {
		t.Fatalf("event fields: %+v", ev)
	}
	if ev.Country != "DE" {
		t.Fatalf("country: %s", ev.Country)
	}
	if ev.Browser != "Chrome" || ev.OS != "Windows" {
		t.Fatalf("ua enrichment: %s/%s", ev.Browser, ev.OS)
	}
	if ev.Source != "collector" {
		t.Fatalf("source: %s", ev.Source)
	}
}

func TestCollectorValidation(t *testing.T) {
	srv, sink := newCollectorForTest()
	bodies := []string{
		`{"url":"/home","sessionId":"s1"}`,
		`{"projectId":"p1","sessionId":"s1"}`,
		`{"projectId":"p1","url":"/home"}`,
		`not json`,
		``,
	}
	for _, body := range bodies {
		rec := postEvent(t, srv, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status %d", body, rec.Code)
		}
	}
	if len(sink.events) != 0 {
		t.Fatalf("invalid payload reached the pipeline: %+v", sink.events)
	}
}

func TestCollectorStoreFailure(t *testing.T) {
	srv, sink := newCollectorForTest()
	sink.err = &model.TransientStoreError{Op: "append", Err: errors.New("store down")}

	rec := postEvent(t, srv, `{"projectId":"p1","url":"/","sessionId":"s1"}`, nil)
	// The client must learn the event was not taken; 202 would lose it.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on store failure, got %d", rec.Code)
	}
	if len(sink.events) != 0 {
		t.Fatalf("event recorded despite failure: %+v", sink.events)
	}

	sink.err = nil
	if rec := postEvent(t, srv, `{"projectId":"p1","url":"/","sessionId":"s1"}`, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("retry after recovery: %d", rec.Code)
	}
}

func TestCollectorCORSPreflight(t *testing.T) {
	srv, _ := newCollectorForTest()
	req := httptest.NewRequest(http.MethodOptions, "/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status: %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestCollectorMissingCountryHeader(t *testing.T) {
	srv, sink := newCollectorForTest()
	rec := postEvent(t, srv, `{"projectId":"p1","url":"/","sessionId":"s1"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d", rec.Code)
	}
	if sink.events[0].Country != "Unknown" {
		t.Fatalf("country fallback: %s", sink.events[0].Country)
	}
}

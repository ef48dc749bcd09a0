// Package anomaly keeps the bounded in-memory anomaly feed served by the
// query API. The engine's detector states decide when anomalies open and
// close; this store is the read view plus the idempotent resolve ledger.
package anomaly

import (
	"sync"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []*model.Anomaly
	byID  map[string]*model.Anomaly
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{
		byID:  make(map[string]*model.Anomaly),
		limit: limit,
	}
}

func (s *Store) Add(a model.Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	if len(s.buf) >= s.limit {
		evicted := s.buf[0]
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		delete(s.byID, evicted.ID)
	}
	s.buf = append(s.buf, &cp)
	s.byID[cp.ID] = &cp
}

// Update replaces the stored record for an open anomaly whose actual value
// or severity moved while it stayed Active. Resolution is terminal: a
// refresh copied before a concurrent resolve must not reopen the record.
func (s *Store) Update(a model.Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[a.ID]
	if !ok || cur.IsResolved {
		return
	}
	*cur = a
}

func (s *Store) Get(id string) (model.Anomaly, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return model.Anomaly{}, false
	}
	return *a, true
}

// Resolve marks the anomaly resolved. Resolving an already-resolved
// anomaly is a no-op success: the same terminal state comes back and
// changed is false.
func (s *Store) Resolve(id string, at time.Time) (model.Anomaly, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return model.Anomaly{}, false, model.ErrNotFound
	}
	if a.IsResolved {
		return *a, false, nil
	}
	resolvedAt := at
	a.IsResolved = true
	a.ResolvedAt = &resolvedAt
	return *a, true, nil
}

// List returns anomalies for the project, newest first.
func (s *Store) List(projectID string, unresolvedOnly bool, limit int) []model.Anomaly {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Anomaly, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		a := s.buf[i]
		if projectID != "" && a.ProjectID != projectID {
			continue
		}
		if unresolvedOnly && a.IsResolved {
			continue
		}
		out = append(out, *a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Store) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.buf {
		if !a.IsResolved {
			n++
		}
	}
	return n
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.byID = make(map[string]*model.Anomaly)
}

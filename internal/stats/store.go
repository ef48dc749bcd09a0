// Package stats holds the latest per-project rollup the realtime dashboard
// polls. It is a bounded read view over the engine's current-hour bucket;
// stale projects are evicted oldest-first when the limit is hit.
package stats

import (
	"sync"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

type Rollup struct {
	ProjectID   string             `json:"project_id"`
	CurrentHour model.MetricBucket `json:"current_hour"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

type Store struct {
	mu        sync.RWMutex
	byProject map[string]Rollup
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byProject: make(map[string]Rollup),
		limit:     limit,
	}
}

func (s *Store) Update(r Rollup) {
	if r.ProjectID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byProject[r.ProjectID]; !ok && len(s.byProject) >= s.limit {
		s.evictOldest()
	}
	s.byProject[r.ProjectID] = r
}

func (s *Store) Get(projectID string) (Rollup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byProject[projectID]
	return r, ok
}

func (s *Store) evictOldest() {
	var oldestProject string
	var oldest time.Time
	for project, r := range s.byProject {
		if oldestProject == "" || r.UpdatedAt.Before(oldest) {
			oldestProject = project
			oldest = r.UpdatedAt
		}
	}
	if oldestProject != "" {
		delete(s.byProject, oldestProject)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byProject = make(map[string]Rollup)
}

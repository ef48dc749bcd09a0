package engine

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

// sessionState is the light running state the resolver keeps per session.
// It is a cache, not a source of truth: session attributes remain derivable
// from the event log.
type sessionState struct {
	FirstSeen time.Time
	LastSeen  time.Time
	EntryURL  string
	ExitURL   string
	Pageviews int
}

// sessionIndex holds one project's sessions keyed by session_id, with a TTL
// equal to the session inactivity timeout and a per-project entry bound.
// When an entry has been evicted, a later event with the same session_id
// starts a new session; that approximation is accepted and affects only
// sessions idle past the timeout or beyond the entry bound.
type sessionIndex struct {
	cache *expirable.LRU[string, *sessionState]
}

func newSessionIndex(maxEntries int, inactivity time.Duration) *sessionIndex {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	if inactivity <= 0 {
		inactivity = 30 * time.Minute
	}
	return &sessionIndex{
		cache: expirable.NewLRU[string, *sessionState](maxEntries, nil, inactivity),
	}
}

// Update applies one event and reports the session transition. It never
// touches durable storage.
func (s *sessionIndex) Update(ev model.Event) model.SessionDelta {
	st, ok := s.cache.Get(ev.SessionID)
	if !ok {
		st = &sessionState{
			FirstSeen: ev.Timestamp,
			EntryURL:  ev.URL,
		}
		st.LastSeen = ev.Timestamp
		st.ExitURL = ev.URL
		st.Pageviews = 1
		s.cache.Add(ev.SessionID, st)
		return model.SessionDelta{IsNewSession: true, CountBefore: 0, CountAfter: 1}
	}
	before := st.Pageviews
	st.Pageviews++
	st.LastSeen = ev.Timestamp
	st.ExitURL = ev.URL
	s.cache.Add(ev.SessionID, st)
	return model.SessionDelta{IsNewSession: false, CountBefore: before, CountAfter: st.Pageviews}
}

// ActiveSince counts sessions whose last event is at or after the cutoff.
// Serves the realtime rollup.
func (s *sessionIndex) ActiveSince(cutoff time.Time) int {
	n := 0
	for _, st := range s.cache.Values() {
		if !st.LastSeen.Before(cutoff) {
			n++
		}
	}
	return n
}

func (s *sessionIndex) Len() int { return s.cache.Len() }

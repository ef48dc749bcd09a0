package engine

import (
	"sort"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

type topEntry struct {
	count int64
	seq   uint64
}

// topN is a bounded counter map. Counts are exact while distinct values fit
// the capacity. Once full, a new value is tallied in a shadow candidate map
// and promoted only when its tally exceeds the weakest incumbent, which
// keeps the map heavy-hitter biased without unbounded growth. The eviction
// victim is always the lowest count; ties evict the oldest insertion.
type topN struct {
	capacity   int
	entries    map[string]*topEntry
	candidates map[string]int64
	seq        uint64
}

func newTopN(capacity int) *topN {
	if capacity <= 0 {
		capacity = 20
	}
	return &topN{
		capacity:   capacity,
		entries:    make(map[string]*topEntry, capacity),
		candidates: make(map[string]int64),
	}
}

func (t *topN) Observe(value string) {
	if value == "" {
		return
	}
	if e, ok := t.entries[value]; ok {
		e.count++
		return
	}
	if len(t.entries) < t.capacity {
		t.entries[value] = &topEntry{count: 1, seq: t.seq}
		t.seq++
		return
	}
	c := t.candidates[value] + 1
	t.candidates[value] = c
	victim, ventry := t.victim()
	if c > ventry.count {
		delete(t.entries, victim)
		delete(t.candidates, value)
		t.entries[value] = &topEntry{count: c, seq: t.seq}
		t.seq++
	}
	if len(t.candidates) > 4*t.capacity {
		t.compactCandidates()
	}
}

// victim picks the incumbent to evict: lowest count, then oldest insertion.
func (t *topN) victim() (string, *topEntry) {
	var key string
	var entry *topEntry
	for v, e := range t.entries {
		if entry == nil || e.count < entry.count || (e.count == entry.count && e.seq < entry.seq) {
			key = v
			entry = e
		}
	}
	return key, entry
}

func (t *topN) compactCandidates() {
	for v, c := range t.candidates {
		if c <= 1 {
			delete(t.candidates, v)
		}
	}
	if len(t.candidates) <= 4*t.capacity {
		return
	}
	// Still over: drop everything and let hot values re-accumulate.
	t.candidates = make(map[string]int64)
}

// Entries returns the tracked values ordered by count descending, breaking
// ties by earlier insertion, so snapshots are deterministic.
func (t *topN) Entries() []model.TopEntry {
	type kv struct {
		value string
		count int64
		seq   uint64
	}
	list := make([]kv, 0, len(t.entries))
	for v, e := range t.entries {
		list = append(list, kv{value: v, count: e.count, seq: e.seq})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].seq < list[j].seq
	})
	out := make([]model.TopEntry, 0, len(list))
	for _, e := range list {
		out = append(out, model.TopEntry{Value: e.value, Count: e.count})
	}
	return out
}

func (t *topN) Len() int { return len(t.entries) }

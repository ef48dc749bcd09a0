package engine

import "testing"

func observeN(t *topN, value string, n int) {
	for i := 0; i < n; i++ {
		t.Observe(value)
	}
}

func TestTopNExactWithinCapacity(t *testing.T) {
	top := newTopN(3)
	observeN(top, "/a", 5)
	observeN(top, "/b", 2)
	entries := top.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Value != "/a" || entries[0].Count != 5 {
		t.Fatalf("first entry: %+v", entries[0])
	}
	if entries[1].Value != "/b" || entries[1].Count != 2 {
		t.Fatalf("second entry: %+v", entries[1])
	}
}

func TestTopNNewcomerDoesNotDisplaceEqualIncumbent(t *testing.T) {
	top := newTopN(2)
	observeN(top, "/a", 5)
	observeN(top, "/b", 3)
	observeN(top, "/c", 3)
	entries := top.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Value != "/a" || entries[1].Value != "/b" {
		t.Fatalf("expected /a,/b got %s,%s", entries[0].Value, entries[1].Value)
	}
}

func TestTopNPromotionOverWeakIncumbent(t *testing.T) {
	top := newTopN(2)
	observeN(top, "/a", 5)
	observeN(top, "/b", 1)
	observeN(top, "/c", 4)
	entries := top.Entries()
	if entries[0].Value != "/a" {
		t.Fatalf("first: %s", entries[0].Value)
	}
	if entries[1].Value != "/c" {
		t.Fatalf("expected /c promoted, got %s", entries[1].Value)
	}
	// Promoted on the second observation, counted exactly afterwards.
	if entries[1].Count != 4 {
		t.Fatalf("promoted count: %d", entries[1].Count)
	}
}

func TestTopNDeterministicTieOrder(t *testing.T) {
	top := newTopN(4)
	top.Observe("/x")
	top.Observe("/y")
	top.Observe("/z")
	entries := top.Entries()
	if entries[0].Value != "/x" || entries[1].Value != "/y" || entries[2].Value != "/z" {
		t.Fatalf("tie order not insertion order: %+v", entries)
	}
}

func TestTopNIgnoresEmptyValue(t *testing.T) {
	top := newTopN(2)
	top.Observe("")
	if top.Len() != 0 {
		t.Fatalf("empty value tracked")
	}
}

package idgen

import (
	"sort"
	"testing"
)

func TestUUID_New(t *testing.T) {
	gen := UUID{}

	seen := make(map[string]bool)
	var ids []string
	for i := 0; i < 100; i++ {
		id := gen.New()
		if id == "" {
			t.Fatal("New should never return an empty ID")
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	// UUIDv7 IDs sort lexicographically in generation order.
	if !sort.StringsAreSorted(ids) {
		t.Error("UUIDv7 IDs should be time-ordered")
	}
}

func TestSequential(t *testing.T) {
	gen := NewSequential("ev")

	if got := gen.New(); got != "ev1" {
		t.Errorf("first ID should be ev1, got %s", got)
	}
	if got := gen.New(); got != "ev2" {
		t.Errorf("second ID should be ev2, got %s", got)
	}

	gen.Reset()
	if got := gen.New(); got != "ev1" {
		t.Errorf("Reset should restart the counter, got %s", got)
	}
}

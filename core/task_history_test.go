package core

import (
	"strings"
	"testing"
)

// TestDispatchHistory_Ring tests the fixed-size dispatch ring
// Main test items:
// 1. Recent returns newest first
// 2. Old records are overwritten once capacity is reached
// 3. Last returns the newest record
func TestDispatchHistory_Ring(t *testing.T) {
	h := newDispatchHistory(3)
	if _, ok := h.Last(); ok {
		t.Fatal("Last() on empty history = true, want false")
	}

	for i := uint64(1); i <= 5; i++ {
		h.Add(DispatchRecord{Seq: i})
	}

	recent := h.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("len(Recent(0)) = %d, want 3", len(recent))
	}
	for i, want := range []uint64{5, 4, 3} {
		if recent[i].Seq != want {
			t.Errorf("Recent[%d].Seq = %d, want %d", i, recent[i].Seq, want)
		}
	}
	if got := h.Recent(1); len(got) != 1 || got[0].Seq != 5 {
		t.Errorf("Recent(1) = %v, want [5]", got)
	}
	if last, _ := h.Last(); last.Seq != 5 {
		t.Errorf("Last().Seq = %d, want 5", last.Seq)
	}
}

func TestResolveTaskName(t *testing.T) {
	if got := resolveTaskName(noopTask, "explicit"); got != "explicit" {
		t.Errorf("explicit name = %q", got)
	}
	if got := resolveTaskName(nil, ""); got != "anonymous" {
		t.Errorf("nil task name = %q, want anonymous", got)
	}
	if got := resolveTaskName(noopTask, ""); !strings.HasSuffix(got, "core.noopTask") {
		t.Errorf("function name = %q, want suffix core.noopTask", got)
	}
}

package source

import "testing"

func TestWindowRejectsDuplicates(t *testing.T) {
	w := NewWindow(10)
	if !w.Observe(1) {
		t.Fatal("first observe should be new")
	}
	if w.Observe(1) {
		t.Fatal("second observe should be a duplicate")
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for _, id := range []int64{1, 2, 3, 4} {
		w.Observe(id)
	}
	if w.Len() != 3 {
		t.Fatalf("Len = %d, want 3", w.Len())
	}
	if !w.Observe(1) {
		t.Error("evicted id 1 should be accepted again")
	}
	if w.Observe(4) {
		t.Error("id 4 should still be remembered")
	}
}

func TestWindowForget(t *testing.T) {
	w := NewWindow(3)
	w.Observe(1)
	w.Observe(2)
	w.Forget(2)
	if !w.Observe(2) {
		t.Fatal("forgotten id should be accepted again")
	}
	w.Observe(3)
	w.Observe(4)
	// 1 is the oldest remaining entry and must be the one evicted.
	if w.Observe(2) || w.Observe(3) {
		t.Error("ids 2 and 3 should still be remembered")
	}
	if !w.Observe(1) {
		t.Error("id 1 should have been evicted")
	}
}

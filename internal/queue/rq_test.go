package queue

import "testing"

func TestRqTableAcquireRelease(t *testing.T) {
	table := NewRqTable(4)

	rq, err := table.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	rq.Opaque = "payload"

	got := table.At(rq.Cid)
	if got.Opaque != "payload" {
		t.Errorf("At(cid).Opaque = %v, want %q", got.Opaque, "payload")
	}

	table.Release(rq.Cid)
	if got := table.At(rq.Cid).Opaque; got != nil {
		t.Errorf("Opaque after Release = %v, want nil", got)
	}
}

func TestRqTableExhaustion(t *testing.T) {
	const depth = 3
	table := NewRqTable(depth)

	var acquired []*Rq
	for i := 0; i < depth; i++ {
		rq, err := table.Acquire()
		if err != nil {
			t.Fatalf("Acquire(%d): %v", i, err)
		}
		acquired = append(acquired, rq)
	}

	if _, err := table.Acquire(); err == nil {
		t.Fatal("expected Acquire to fail once the freelist is exhausted")
	}

	table.Release(acquired[0].Cid)
	if _, err := table.Acquire(); err != nil {
		t.Fatalf("expected Acquire to succeed after a Release, got %v", err)
	}
}

func TestRqTableDepth(t *testing.T) {
	table := NewRqTable(17)
	if table.Depth() != 17 {
		t.Errorf("Depth() = %d, want 17", table.Depth())
	}
}

func TestRqTableAcquireHandsOutDistinctTrackers(t *testing.T) {
	const depth = 16
	table := NewRqTable(depth)

	seen := make(map[int32]bool)
	for i := 0; i < depth; i++ {
		rq, err := table.Acquire()
		if err != nil {
			t.Fatalf("Acquire(%d): %v", i, err)
		}
		idx := int32(rq.Cid)
		if seen[idx] {
			t.Fatalf("tracker index %d handed out twice before any Release", idx)
		}
		seen[idx] = true
	}
}

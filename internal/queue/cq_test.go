package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ehrlich-b/nvme-uio/internal/mmio"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

func TestGetCqeRespectsPhaseBit(t *testing.T) {
	db := mmio.NewRegion(make([]byte, 8))
	cq := NewCompletionQueue(4, db, 0)

	if _, ok := cq.GetCqe(); ok {
		t.Fatal("GetCqe should report nothing ready on an empty ring")
	}

	cq.Entries()[0] = wire.Cqe{Cid: 7, Sfp: 0x0001} // phase=1, matches initial expected phase
	cqe, ok := cq.GetCqe()
	if !ok {
		t.Fatal("expected a ready completion once phase bit matches")
	}
	if cqe.Cid != 7 {
		t.Errorf("Cid = %d, want 7", cqe.Cid)
	}
	if cq.Head() != 1 {
		t.Errorf("Head() = %d, want 1", cq.Head())
	}
}

func TestCqPhaseFlipsOnWrap(t *testing.T) {
	db := mmio.NewRegion(make([]byte, 8))
	cq := NewCompletionQueue(2, db, 0)

	cq.Entries()[0] = wire.Cqe{Sfp: 0x0001}
	cq.Entries()[1] = wire.Cqe{Sfp: 0x0001}

	if _, ok := cq.GetCqe(); !ok {
		t.Fatal("expected first completion ready")
	}
	if cq.Phase() != 1 {
		t.Fatalf("phase should still be 1 before wrap, got %d", cq.Phase())
	}
	if _, ok := cq.GetCqe(); !ok {
		t.Fatal("expected second completion ready")
	}
	if cq.Phase() != 0 {
		t.Errorf("phase should flip to 0 after wrapping past the ring end, got %d", cq.Phase())
	}
	if cq.Head() != 0 {
		t.Errorf("Head() after wrap = %d, want 0", cq.Head())
	}
}

func TestGetCqesBatchesAndRingsDoorbellOnce(t *testing.T) {
	buf := make([]byte, 8)
	db := mmio.NewRegion(buf)
	cq := NewCompletionQueue(4, db, 0)

	cq.Entries()[0] = wire.Cqe{Sfp: 0x0001}
	cq.Entries()[1] = wire.Cqe{Sfp: 0x0001}

	got := cq.GetCqes(10)
	if len(got) != 2 {
		t.Fatalf("GetCqes returned %d entries, want 2", len(got))
	}
	if db.Read32(0) != 2 {
		t.Errorf("doorbell = %d, want 2 (batched head write)", db.Read32(0))
	}
}

func TestWaitCqesTimesOut(t *testing.T) {
	db := mmio.NewRegion(make([]byte, 8))
	cq := NewCompletionQueue(2, db, 0)
	cq.spinDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cq.WaitCqes(ctx, 1)
	if err == nil {
		t.Fatal("expected WaitCqes to time out against an empty ring")
	}
}

func TestWaitCqesReturnsOnceReady(t *testing.T) {
	db := mmio.NewRegion(make([]byte, 8))
	cq := NewCompletionQueue(2, db, 0)
	cq.spinDelay = time.Millisecond
	cq.Entries()[0] = wire.Cqe{Cid: 3, Sfp: 0x0001}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cqes, err := cq.WaitCqes(ctx, 1)
	if err != nil {
		t.Fatalf("WaitCqes: %v", err)
	}
	if len(cqes) != 1 || cqes[0].Cid != 3 {
		t.Errorf("WaitCqes returned %+v, want one CQE with Cid=3", cqes)
	}
}

// fakeWaiter stands in for a giouring-backed ring.Waiter so the wiring in
// WaitCqes can be exercised without the giouring build tag. onWait, if
// set, runs inside Wait, standing in for the device posting a completion
// while the caller is blocked.
type fakeWaiter struct {
	waits  int
	onWait func()
}

func (f *fakeWaiter) Wait(ctx context.Context) error {
	f.waits++
	if f.onWait != nil {
		f.onWait()
	}
	return nil
}

func (f *fakeWaiter) Close() error { return nil }

func TestWaitCqesUsesWaiterInsteadOfSpinning(t *testing.T) {
	db := mmio.NewRegion(make([]byte, 8))
	cq := NewCompletionQueue(2, db, 0)
	fw := &fakeWaiter{onWait: func() {
		cq.Entries()[0] = wire.Cqe{Cid: 9, Sfp: 0x0001}
	}}
	cq.SetWaiter(fw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Nothing is ready on entry, so WaitCqes has to block in the waiter
	// (which posts the completion) before it finds the entry.
	cqes, err := cq.WaitCqes(ctx, 1)
	if err != nil {
		t.Fatalf("WaitCqes: %v", err)
	}
	if len(cqes) != 1 || cqes[0].Cid != 9 {
		t.Errorf("WaitCqes returned %+v, want one CQE with Cid=9", cqes)
	}
	if fw.waits != 1 {
		t.Errorf("waiter consulted %d times, want 1", fw.waits)
	}
}

package ctrl

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/ehrlich-b/nvme-uio/internal/iommu"
	"github.com/ehrlich-b/nvme-uio/internal/mmio"
	"github.com/ehrlich-b/nvme-uio/internal/queue"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

func uintptrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// newTestIOQueuePair wires up an SQ/CQ/tracker table directly, bypassing
// CreateIOQueue's admin round-trip, so SubmitIO can be exercised against a
// synthetic device that completes every posted command immediately.
func newTestIOQueuePair(t *testing.T, qid uint16) (*Controller, *ioQueuePair) {
	t.Helper()
	bar := mmio.NewRegion(make([]byte, 0x2000))
	c := New(bar, iommu.New(iommu.NewMockBackend(), nil), Opts{})

	cq := queue.NewCompletionQueue(4, bar, cqDoorbellOffset(qid, 0))
	sq := queue.NewSubmissionQueue(4, bar, sqDoorbellOffset(qid, 0), nil)
	pair := &ioQueuePair{sq: sq, cq: cq, rq: queue.NewRqTable(4), qid: qid}
	c.ioQueues[qid] = pair
	return c, pair
}

// completeNext writes a successful completion for whatever Cid was just
// posted to sq, mimicking a device that executes the command instantly.
func completeNext(pair *ioQueuePair) {
	tail := pair.sq.Tail()
	cmd := pair.sq.Entries()[(tail-1)%uint32(len(pair.sq.Entries()))]
	pair.cq.Entries()[pair.cq.Head()] = wire.Cqe{Cid: cmd.Cid, Sfp: pair.cq.Phase()}
}

func TestSubmitIOReturnsMatchingCompletion(t *testing.T) {
	c, pair := newTestIOQueuePair(t, 1)

	go func() {
		time.Sleep(time.Millisecond)
		completeNext(pair)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cqe, err := c.SubmitIO(ctx, 1, wire.NewFlush(0, 1))
	if err != nil {
		t.Fatalf("SubmitIO: %v", err)
	}
	if cqe.Status() != 0 {
		t.Errorf("Status() = %d, want 0", cqe.Status())
	}
}

func TestSubmitIOUnknownQueueFails(t *testing.T) {
	c, _ := newTestIOQueuePair(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := c.SubmitIO(ctx, 99, wire.NewFlush(0, 1)); err == nil {
		t.Fatal("expected an error submitting to a nonexistent queue id")
	}
}

func TestMapPRPSinglePage(t *testing.T) {
	c, _ := newTestIOQueuePair(t, 1)

	buf := make([]byte, 64)
	vaddr := uintptrOf(buf)
	if _, err := c.iommu.Map(vaddr, uint64(len(buf))); err != nil {
		t.Fatalf("Map: %v", err)
	}

	prp1, prp2, err := c.MapPRP(vaddr, uint64(len(buf)), nil)
	if err != nil {
		t.Fatalf("MapPRP: %v", err)
	}
	if prp1 == 0 {
		t.Error("expected nonzero prp1")
	}
	if prp2 != 0 {
		t.Errorf("single-page transfer should leave prp2 = 0, got 0x%x", prp2)
	}
}

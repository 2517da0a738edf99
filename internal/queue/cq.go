package queue

import (
	"context"
	"time"

	"github.com/ehrlich-b/nvme-uio/internal/barrier"
	"github.com/ehrlich-b/nvme-uio/internal/errs"
	"github.com/ehrlich-b/nvme-uio/internal/mmio"
	"github.com/ehrlich-b/nvme-uio/internal/ring"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

// CompletionQueue is a ring of CQEs shared with the device, plus the
// doorbell register used to advance the device's view of the consumer
// head. Phase tracking follows the standard NVMe convention: the
// expected phase starts at 1 and flips each time the head wraps.
type CompletionQueue struct {
	entries   []wire.Cqe
	head      uint32
	phase     uint16
	doorbell  *mmio.Region
	dbOffset  uint32
	spinDelay time.Duration
	waiter    ring.Waiter
}

// SetWaiter wires an interrupt-driven Waiter (built with -tags giouring)
// into WaitCqes; without one, WaitCqes busy-spins. Passing nil reverts to
// the busy-spin path.
func (c *CompletionQueue) SetWaiter(w ring.Waiter) {
	c.waiter = w
}

// NewCompletionQueue builds a CQ of the given size, allocating its own
// entry ring, with its doorbell at dbOffset within db.
func NewCompletionQueue(size int, db *mmio.Region, dbOffset uint32) *CompletionQueue {
	return &CompletionQueue{
		entries:   make([]wire.Cqe, size),
		phase:     1,
		doorbell:  db,
		dbOffset:  dbOffset,
		spinDelay: time.Microsecond,
	}
}

// Entries exposes the backing ring so a mock backend can synthesize
// completions directly into it.
func (c *CompletionQueue) Entries() []wire.Cqe { return c.entries }

// peek returns the CQE at head if its phase bit matches the queue's
// current expected phase, i.e. it is a new, unconsumed completion.
func (c *CompletionQueue) peek() (wire.Cqe, bool) {
	barrier.Rmb()
	cqe := c.entries[c.head]
	if cqe.Phase() != c.phase {
		return wire.Cqe{}, false
	}
	return cqe, true
}

// advance moves the consumer head forward by one slot, flipping phase on
// wraparound, and returns the previous head (the slot just consumed).
func (c *CompletionQueue) advance() uint32 {
	prev := c.head
	c.head++
	if int(c.head) == len(c.entries) {
		c.head = 0
		c.phase ^= 1
	}
	return prev
}

// UpdateHead writes the consumer head to the CQ doorbell, notifying the
// device it may reuse the slots up to (but not including) head.
func (c *CompletionQueue) UpdateHead() {
	if c.doorbell == nil {
		return
	}
	c.doorbell.Write32(c.dbOffset, c.head)
}

// GetCqe returns the next unconsumed completion without blocking, ok=false
// if none is ready yet.
func (c *CompletionQueue) GetCqe() (wire.Cqe, bool) {
	cqe, ok := c.peek()
	if !ok {
		return wire.Cqe{}, false
	}
	c.advance()
	return cqe, true
}

// GetCqes drains every currently-ready completion, up to max entries, and
// rings the doorbell once at the end (batches the MMIO write rather than
// issuing one per completion).
func (c *CompletionQueue) GetCqes(max int) []wire.Cqe {
	out := make([]wire.Cqe, 0, max)
	for len(out) < max {
		cqe, ok := c.GetCqe()
		if !ok {
			break
		}
		out = append(out, cqe)
	}
	if len(out) > 0 {
		c.UpdateHead()
	}
	return out
}

// WaitCqes blocks until at least one completion is ready or ctx is done,
// returning CodeTimeout on cancellation/deadline. Without a Waiter set via
// SetWaiter this busy-spins at spinDelay intervals; with one, it blocks on
// the device's MSI-X eventfd between polls instead of spinning.
func (c *CompletionQueue) WaitCqes(ctx context.Context, max int) ([]wire.Cqe, error) {
	for {
		if cqes := c.GetCqes(max); len(cqes) > 0 {
			return cqes, nil
		}
		if c.waiter != nil {
			if err := c.waiter.Wait(ctx); err != nil {
				return nil, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, errs.New("CompletionQueue", "wait_cqes", errs.CodeTimeout, ctx.Err().Error())
		default:
			time.Sleep(c.spinDelay)
		}
	}
}

// Head reports the current consumer head, for diagnostics and tests.
func (c *CompletionQueue) Head() uint32 { return c.head }

// Phase reports the current expected phase bit, for diagnostics and tests.
func (c *CompletionQueue) Phase() uint16 { return c.phase }

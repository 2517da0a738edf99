package queue

import (
	"sync/atomic"

	"github.com/ehrlich-b/nvme-uio/internal/errs"
)

// Rq is a single request tracker: the per-in-flight-command bookkeeping
// slot a SubmissionQueue hands out for the lifetime of one command. It is
// referenced by index rather than by pointer so the freelist can live in
// a single atomic word and the Rq<->SubmissionQueue relationship doesn't
// need to be a pointer cycle (the SQ owns a slice of Rq; an Rq only ever
// knows its own index).
type Rq struct {
	Cid      uint16 // command id this tracker is currently bound to
	Opaque   any    // caller payload: buffer, PRP list page, completion channel, etc.
	next     int32  // freelist link; -1 means "not on the freelist"
}

// rqFreelist is a lock-free LIFO stack of Rq indices, implemented as a
// single atomic.Uint64 packing (top index, generation counter) so Push
// and Pop can CAS without an ABA hazard: every successful Pop bumps the
// generation, so a concurrent Push racing against a stale top value will
// always fail its CAS and retry.
type rqFreelist struct {
	head  atomic.Uint64 // packed: top<<32 | generation
	slots []int32       // slots[i] = next index after i, or -1
}

const freelistEmpty = int32(-1)

func packHead(top int32, gen uint32) uint64 {
	return uint64(uint32(top))<<32 | uint64(gen)
}

func unpackHead(v uint64) (top int32, gen uint32) {
	return int32(v >> 32), uint32(v)
}

// newRqFreelist builds a freelist seeded with every index [0, n) linked
// in order, so the first n Pops return 0..n-1 (not meaningful ordering
// behaviorally, but deterministic and convenient for tests).
func newRqFreelist(n int) *rqFreelist {
	fl := &rqFreelist{slots: make([]int32, n)}
	for i := 0; i < n; i++ {
		if i == n-1 {
			fl.slots[i] = freelistEmpty
		} else {
			fl.slots[i] = int32(i + 1)
		}
	}
	if n > 0 {
		fl.head.Store(packHead(0, 0))
	} else {
		fl.head.Store(packHead(freelistEmpty, 0))
	}
	return fl
}

// Pop removes and returns a free index, or ok=false if the freelist is
// exhausted (all trackers in flight).
func (fl *rqFreelist) Pop() (idx int32, ok bool) {
	for {
		old := fl.head.Load()
		top, gen := unpackHead(old)
		if top == freelistEmpty {
			return 0, false
		}
		next := fl.slots[top]
		newVal := packHead(next, gen+1)
		if fl.head.CompareAndSwap(old, newVal) {
			return top, true
		}
	}
}

// Push returns idx to the freelist.
func (fl *rqFreelist) Push(idx int32) {
	for {
		old := fl.head.Load()
		top, gen := unpackHead(old)
		fl.slots[idx] = top
		newVal := packHead(idx, gen+1)
		if fl.head.CompareAndSwap(old, newVal) {
			return
		}
	}
}

// RqTable owns the fixed-size array of Rq trackers for one SubmissionQueue
// and the freelist that hands them out. cid is derived from the index
// directly (cid == index) except for the reserved AER high bit, which the
// controller layer manages separately on the admin queue.
type RqTable struct {
	trackers []Rq
	free     *rqFreelist
}

// NewRqTable builds a table of depth trackers.
func NewRqTable(depth int) *RqTable {
	return &RqTable{
		trackers: make([]Rq, depth),
		free:     newRqFreelist(depth),
	}
}

// Acquire pops a free tracker, binds its Cid to its own index (the index
// space doubles as the cid space, since both need the same uniqueness
// guarantee among in-flight commands), and returns it. Returns CodeBusy
// if the table is exhausted (mirrors SPEC_FULL.md's SubmissionQueue.Busy
// path).
func (t *RqTable) Acquire() (*Rq, error) {
	idx, ok := t.free.Pop()
	if !ok {
		return nil, errs.New("SubmissionQueue", "acquire", errs.CodeBusy, "tracker freelist empty")
	}
	rq := &t.trackers[idx]
	rq.Cid = uint16(idx)
	rq.Opaque = nil
	return rq, nil
}

// Release returns the tracker at cid to the freelist. cid must match the
// index space the table was constructed with (0..depth).
func (t *RqTable) Release(cid uint16) {
	idx := int32(cid)
	t.trackers[idx].Opaque = nil
	t.free.Push(idx)
}

// At returns the tracker bound to cid without acquiring it, used by the
// completion path to look up the Opaque payload for a CQE.
func (t *RqTable) At(cid uint16) *Rq {
	return &t.trackers[cid]
}

// Depth reports the table's fixed tracker count.
func (t *RqTable) Depth() int {
	return len(t.trackers)
}

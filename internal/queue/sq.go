package queue

import (
	"github.com/ehrlich-b/nvme-uio/internal/barrier"
	"github.com/ehrlich-b/nvme-uio/internal/mmio"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

// DbbufPair holds the shadow-doorbell and event-index slots a dbbuf-
// enabled controller shares with the device for one queue, used to skip
// the real MMIO doorbell write when the device hasn't fallen behind far
// enough to need it. See SPEC_FULL.md §4.7.
type DbbufPair struct {
	ShadowDB  *uint32 // in shared memory, written every post
	EventIdx  *uint32 // in shared memory, read to decide whether to signal
}

// SubmissionQueue is a ring of SQEs shared with the device, the doorbell
// register used to advance the device's view of the producer tail, and
// an optional shadow-doorbell pair for the dbbuf skip heuristic.
type SubmissionQueue struct {
	entries  []wire.Cmd
	tail     uint32
	lastTail uint32 // tail value as of the last Exec, whether or not it wrote the MMIO doorbell
	doorbell *mmio.Region
	dbOffset uint32
	dbbuf    *DbbufPair
}

// NewSubmissionQueue builds an SQ of the given size with its doorbell at
// dbOffset within db. dbbuf may be nil; if set, Exec uses the shadow-
// doorbell skip heuristic instead of always writing the MMIO doorbell.
func NewSubmissionQueue(size int, db *mmio.Region, dbOffset uint32, dbbuf *DbbufPair) *SubmissionQueue {
	return &SubmissionQueue{
		entries:  make([]wire.Cmd, size),
		doorbell: db,
		dbOffset: dbOffset,
		dbbuf:    dbbuf,
	}
}

// Entries exposes the backing ring so a mock backend can read posted
// commands directly.
func (s *SubmissionQueue) Entries() []wire.Cmd { return s.entries }

// SetDbbuf attaches a shadow-doorbell pair after construction, for the
// admin SQ: the Doorbell Buffer Config command can only be issued once
// the admin queue is already up, so the admin SQ is built with dbbuf nil
// and retrofit here once the controller learns the device supports it.
func (s *SubmissionQueue) SetDbbuf(pair *DbbufPair) {
	s.dbbuf = pair
}

// Post writes cmd into the next tail slot and advances tail, without
// ringing the doorbell. Callers batch Post calls and call Exec once.
func (s *SubmissionQueue) Post(cmd wire.Cmd) {
	s.entries[s.tail] = cmd
	s.tail++
	if int(s.tail) == len(s.entries) {
		s.tail = 0
	}
}

// Tail reports the current producer tail, for diagnostics and tests.
func (s *SubmissionQueue) Tail() uint32 { return s.tail }

// wrapAwareDelta returns how many slots a ring counter advances going from
// from to to, counting modulo the queue size rather than modulo 2^32; the
// event_idx heuristic uses it to compare positions across a wrap.
func wrapAwareDelta(from, to uint32, size uint32) uint32 {
	if to >= from {
		return to - from
	}
	return size - from + to
}

// needsDoorbell implements the dbbuf event_idx heuristic: the device has
// told us (via EventIdx) the tail value at which it will next look at the
// doorbell. If our new tail hasn't reached that value yet, the device is
// still going to notice the shadow doorbell write without an MMIO kick,
// so we can skip the real doorbell and save the round trip.
func (s *SubmissionQueue) needsDoorbell(newTail uint32) bool {
	if s.dbbuf == nil {
		return true
	}
	eventIdx := *s.dbbuf.EventIdx
	size := uint32(len(s.entries))
	// Signal iff the event the device is waiting for falls within the
	// span we just advanced across: delta(old_tail, event_idx) <=
	// delta(old_tail, new_tail).
	return wrapAwareDelta(s.lastTail, eventIdx, size) <= wrapAwareDelta(s.lastTail, newTail, size)
}

// Exec makes every Post since the last Exec visible to the device: it
// issues a store fence so the SQE writes land before either the shadow
// doorbell or the MMIO doorbell is written, updates the shadow doorbell
// unconditionally when dbbuf is configured, and then writes the real
// doorbell only when needsDoorbell says the device wouldn't otherwise
// notice. Returns whether the real MMIO doorbell was written, for the
// dbbuf metrics counters.
func (s *SubmissionQueue) Exec() (signalled bool) {
	barrier.Wmb()

	if s.dbbuf == nil {
		s.doorbell.Write32(s.dbOffset, s.tail)
		s.lastTail = s.tail
		return true
	}

	*s.dbbuf.ShadowDB = s.tail
	barrier.Mb()

	if s.needsDoorbell(s.tail) {
		s.doorbell.Write32(s.dbOffset, s.tail)
		s.lastTail = s.tail
		return true
	}
	s.lastTail = s.tail
	return false
}

// Package iova implements the host-virtual-address to IOVA translation
// table used by the IOMMU mapping layer: an ordered index keyed by vaddr,
// backed by a skiplist, plus an append-only bump allocator that hands out
// fresh IOVAs from a set of permitted ranges. See SPEC_FULL.md §4.1.
package iova

import (
	"math/rand"
	"sync"

	"github.com/ehrlich-b/nvme-uio/internal/errs"
)

const (
	maxLevel    = 16
	probability = 0.25

	// iovaMin is the first IOVA this allocator will ever hand out. Low
	// addresses are avoided to keep well clear of null-pointer-like IOVAs
	// some IOMMU hardware treats specially.
	iovaMin = uint64(0x10000)
)

// Range is a half-open [Start, End) interval of IOVA space the allocator
// may carve mappings from.
type Range struct {
	Start, End uint64
}

// Mapping describes one vaddr -> iova translation.
type Mapping struct {
	Vaddr uint64
	Len   uint64
	Iova  uint64
}

type node struct {
	mapping  Mapping
	forward  []*node
}

// Map is a skiplist-ordered vaddr->Mapping index with a single mutex and
// an append-only bump cursor over a set of permitted IOVA ranges. Lookups
// are O(log n); inserts and removals take the same index lock libvfn's
// iova_map_lock protects its rbtree-equivalent structure with.
type Map struct {
	mu     sync.Mutex
	head   *node
	level  int
	rng    *rand.Rand
	ranges []Range
	cursor int   // index into ranges of the range currently being bumped
	next   uint64 // next free IOVA within ranges[cursor]
	count  int
}

// NewMap builds a Map permitted to allocate from the given ranges. If
// ranges is empty, a single default range covering the 39-bit IOVA space
// above iovaMin is used, mirroring libvfn's default VFIO container range.
func NewMap(ranges []Range, seed int64) *Map {
	if len(ranges) == 0 {
		ranges = []Range{{Start: iovaMin, End: uint64(1) << 39}}
	}
	m := &Map{
		head:   &node{forward: make([]*node, maxLevel)},
		level:  1,
		rng:    rand.New(rand.NewSource(seed)),
		ranges: ranges,
		cursor: 0,
		next:   ranges[0].Start,
	}
	return m
}

func (m *Map) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && m.rng.Float64() < probability {
		lvl++
	}
	return lvl
}

// findPredecessors returns, for each level, the last node whose vaddr is
// strictly less than vaddr.
func (m *Map) findPredecessors(vaddr uint64) []*node {
	update := make([]*node, maxLevel)
	cur := m.head
	for i := m.level - 1; i >= 0; i-- {
		for cur.forward[i] != nil && cur.forward[i].mapping.Vaddr < vaddr {
			cur = cur.forward[i]
		}
		update[i] = cur
	}
	return update
}

// reserve carves out the next len bytes of IOVA space, bumping the cursor
// across ranges as needed. Returns ErrNoMem if every range is exhausted.
func (m *Map) reserve(length uint64) (uint64, error) {
	if length == 0 {
		return 0, errs.New("iova", "reserve", errs.CodeInvalidArgument, "zero-length mapping")
	}
	for m.cursor < len(m.ranges) {
		r := m.ranges[m.cursor]
		if m.next < r.Start {
			m.next = r.Start
		}
		if m.next+length <= r.End {
			iova := m.next
			m.next += length
			return iova, nil
		}
		m.cursor++
		if m.cursor < len(m.ranges) {
			m.next = m.ranges[m.cursor].Start
		}
	}
	return 0, errs.New("iova", "reserve", errs.CodeNoMem, "iova space exhausted")
}

// Add inserts a new vaddr->iova mapping of the given length, allocating a
// fresh IOVA via the bump cursor. Rejects a zero length and a
// [vaddr, vaddr+length) range that overlaps an existing mapping.
func (m *Map) Add(vaddr, length uint64) (Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if length == 0 {
		return Mapping{}, errs.New("iova", "add", errs.CodeInvalidArgument, "zero-length mapping")
	}

	update := m.findPredecessors(vaddr)
	if prev := update[0]; prev != m.head && vaddr < prev.mapping.Vaddr+prev.mapping.Len {
		return Mapping{}, errs.New("iova", "add", errs.CodeExists, "vaddr already mapped")
	}
	if existing := update[0].forward[0]; existing != nil && existing.mapping.Vaddr < vaddr+length {
		return Mapping{}, errs.New("iova", "add", errs.CodeExists, "vaddr already mapped")
	}

	iova, err := m.reserve(length)
	if err != nil {
		return Mapping{}, err
	}

	lvl := m.randomLevel()
	if lvl > m.level {
		for i := m.level; i < lvl; i++ {
			update[i] = m.head
		}
		m.level = lvl
	}

	n := &node{
		mapping: Mapping{Vaddr: vaddr, Len: length, Iova: iova},
		forward: make([]*node, lvl),
	}
	for i := 0; i < lvl; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	m.count++
	return n.mapping, nil
}

// Remove deletes the mapping starting at vaddr. Returns ErrNotFound if no
// mapping starts exactly at vaddr.
func (m *Map) Remove(vaddr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	update := m.findPredecessors(vaddr)
	target := update[0].forward[0]
	if target == nil || target.mapping.Vaddr != vaddr {
		return errs.New("iova", "remove", errs.CodeNotFound, "no mapping at vaddr")
	}

	for i := 0; i < m.level; i++ {
		if update[i].forward[i] != target {
			continue
		}
		update[i].forward[i] = target.forward[i]
	}
	for m.level > 1 && m.head.forward[m.level-1] == nil {
		m.level--
	}
	m.count--
	return nil
}

// Find returns the mapping whose [Vaddr, Vaddr+Len) range contains vaddr,
// used to translate a sub-range pointer (e.g. mid-buffer) back to its
// containing IOVA mapping.
func (m *Map) Find(vaddr uint64) (Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.head
	for i := m.level - 1; i >= 0; i-- {
		for cur.forward[i] != nil && cur.forward[i].mapping.Vaddr <= vaddr {
			cur = cur.forward[i]
		}
	}
	if cur == m.head {
		return Mapping{}, false
	}
	if vaddr >= cur.mapping.Vaddr && vaddr < cur.mapping.Vaddr+cur.mapping.Len {
		return cur.mapping, true
	}
	return Mapping{}, false
}

// Translate converts vaddr to its IOVA, offset within its containing
// mapping. Returns ErrNotFound if vaddr falls outside any mapping.
func (m *Map) Translate(vaddr uint64) (uint64, error) {
	mapping, ok := m.Find(vaddr)
	if !ok {
		return 0, errs.New("iova", "translate", errs.CodeNotFound, "vaddr not mapped")
	}
	return mapping.Iova + (vaddr - mapping.Vaddr), nil
}

// Len reports the number of mappings currently held.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Clear visits every mapping in ascending vaddr order, invoking cb (if
// non-nil) for each one, then drops every mapping and resets the bump
// cursor to the start of the first range, as if the Map were freshly
// constructed. cb is the caller's chance to release whatever backend
// resource (a kernel unmap ioctl, a host munmap) each mapping holds
// before the index forgets about it.
func (m *Map) Clear(cb func(vaddr, iova, length uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb != nil {
		for cur := m.head.forward[0]; cur != nil; cur = cur.forward[0] {
			cb(cur.mapping.Vaddr, cur.mapping.Iova, cur.mapping.Len)
		}
	}

	m.head = &node{forward: make([]*node, maxLevel)}
	m.level = 1
	m.cursor = 0
	m.count = 0
	if len(m.ranges) > 0 {
		m.next = m.ranges[0].Start
	}
}

package iommu

import (
	"sync"

	"github.com/ehrlich-b/nvme-uio/internal/iova"
)

// MockBackend is an in-process Backend used by tests and the mock
// controller harness: it records the set of active mappings instead of
// issuing real VFIO/iommufd ioctls, keyed by the IOVA the Ctx's table
// assigned, so a simulated device can resolve an IOVA back to host
// memory. Mirrors
// the sharded-lock/in-memory-state idiom of the teacher's
// backend.Memory, narrowed to tracking mappings rather than bytes.
type mockMapping struct {
	vaddr uintptr
	len   uint64
}

type MockBackend struct {
	mu       sync.Mutex
	mappings map[uint64]mockMapping // iova -> {vaddr, length}, for leak detection and resolution in tests
	closed   bool
}

// NewMockBackend builds a MockBackend with a generous default IOVA range.
func NewMockBackend() *MockBackend {
	return &MockBackend{mappings: make(map[uint64]mockMapping)}
}

func (m *MockBackend) MapDMA(vaddr uintptr, length uint64, iovaAddr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[iovaAddr] = mockMapping{vaddr: vaddr, len: length}
	return nil
}

func (m *MockBackend) UnmapDMA(iovaAddr uint64, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, iovaAddr)
	return nil
}

// ResolveIova recovers the host vaddr a previous MapDMA registered for
// iovaAddr, letting a simulated device turn a PRP pointer back into a
// buffer it can write completion data into. iovaAddr may fall anywhere
// within a mapped range, not just at its start, since PRP1/PRP2 often
// point mid-buffer (a non-page-aligned first page) or at a second page
// of a multi-page transfer mapped as one range.
func (m *MockBackend) ResolveIova(iovaAddr uint64) (vaddr uintptr, length uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for iovaStart, mapping := range m.mappings {
		if iovaAddr >= iovaStart && iovaAddr < iovaStart+mapping.len {
			offset := iovaAddr - iovaStart
			return mapping.vaddr + uintptr(offset), mapping.len - offset, true
		}
	}
	return 0, 0, false
}

func (m *MockBackend) DeviceFD() int { return -1 }

func (m *MockBackend) IovaRanges() []iova.Range {
	return []iova.Range{{Start: 0x10000, End: uint64(1) << 32}}
}

func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ActiveMappings reports how many mappings are currently outstanding,
// used by tests to assert a controller unmapped everything it mapped.
func (m *MockBackend) ActiveMappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}

var _ Backend = (*MockBackend)(nil)

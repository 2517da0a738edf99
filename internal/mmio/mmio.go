// Package mmio implements the NVMe BAR register accessors: single 32-bit
// loads/stores, and 64-bit accesses decomposed into two 32-bit accesses
// with a register-class-dependent ordering. See SPEC_FULL.md §4.4.
package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Region is a volatile view over a mapped BAR region. All registers are
// little-endian on the wire; Region converts to host order at the edge.
type Region struct {
	base unsafe.Pointer
	size int
}

// NewRegion wraps buf (already mapped, e.g. via mmap) as an MMIO region.
// buf must remain valid for the Region's lifetime and must be at least 4
// bytes long for any access this package performs.
func NewRegion(buf []byte) *Region {
	if len(buf) == 0 {
		return &Region{}
	}
	return &Region{base: unsafe.Pointer(&buf[0]), size: len(buf)}
}

func (r *Region) ptr32(off uint32) *uint32 {
	return (*uint32)(unsafe.Add(r.base, uintptr(off)))
}

// Read32 performs a single volatile 32-bit load at off.
func (r *Region) Read32(off uint32) uint32 {
	return atomic.LoadUint32(r.ptr32(off))
}

// Write32 performs a single volatile 32-bit store at off.
func (r *Region) Write32(off uint32, v uint32) {
	atomic.StoreUint32(r.ptr32(off), v)
}

// ReadLH64 reads a 64-bit register as two 32-bit loads, low word then high
// word, combining (hi<<32)|lo. Used for CAP and other plain 64-bit reads.
func (r *Region) ReadLH64(off uint32) uint64 {
	lo := uint64(r.Read32(off))
	hi := uint64(r.Read32(off + 4))
	return (hi << 32) | lo
}

// WriteLH64 writes a 64-bit register as two 32-bit stores, low word then
// high word. Used for the AQA-class ordering where no register in this
// driver's register map actually needs a 64-bit low-then-high write, but
// the accessor is provided for completeness and symmetry with ReadLH64.
func (r *Region) WriteLH64(off uint32, v uint64) {
	r.Write32(off, uint32(v))
	r.Write32(off+4, uint32(v>>32))
}

// WriteHL64 writes a 64-bit register as two 32-bit stores, high word then
// low word. Required for CC/ASQ/ACQ/CMBMSC-class registers: some latch on
// the low-word write, so the high word must land first. This ordering is
// non-negotiable; do not reorder it even though it reads unnaturally.
func (r *Region) WriteHL64(off uint32, v uint64) {
	r.Write32(off+4, uint32(v>>32))
	r.Write32(off, uint32(v))
}

// Write32Single performs the single-32-bit-write path used for AQA and
// other registers that are natively 32 bits wide (no split needed).
func (r *Region) Write32Single(off uint32, v uint32) {
	r.Write32(off, v)
}

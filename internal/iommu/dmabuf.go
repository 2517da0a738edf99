package iommu

import (
	"unsafe"

	"github.com/ehrlich-b/nvme-uio/internal/constants"
	"github.com/ehrlich-b/nvme-uio/internal/errs"
)

// MapFlags mirrors libvfn's enum iommu_map_flags. This driver's Backend
// always maps a buffer read-write (see ContainerBackend.MapDMA and
// DeviceBackend's iommufd equivalent), so no flag currently changes
// mapping behavior; the parameter is kept for call-site fidelity with
// the C API and as the seam a future read-only or fixed-IOVA backend
// would hang off.
type MapFlags uint32

const MapFlagsNone MapFlags = 0

// Dmabuf is a host buffer allocated and mapped for DMA in one step: the
// convenience wrapper libvfn's iommu_get_dmabuf/iommu_put_dmabuf provide
// around a Ctx.Map call, rounding the request up to a whole number of
// pages the way pgmap does. See SPEC_FULL.md §4.3.
type Dmabuf struct {
	ctx   *Ctx
	Vaddr []byte
	Iova  uint64
}

// roundUpPage rounds length up to the next multiple of constants.PageSize,
// matching pgmap's ALIGN_UP(sz, pagesize).
func roundUpPage(length uint64) uint64 {
	const pageSize = uint64(constants.PageSize)
	return (length + pageSize - 1) &^ (pageSize - 1)
}

// GetDmabuf allocates at least length bytes (rounded up to a whole number
// of pages) and maps it into ctx's IOVA space. The actual allocated
// length may exceed the request; callers needing the exact size should
// slice Vaddr themselves.
func (c *Ctx) GetDmabuf(length uint64, flags MapFlags) (*Dmabuf, error) {
	if length == 0 {
		return nil, errs.New("IommuCtx", "get_dmabuf", errs.CodeInvalidArgument, "zero-length buffer")
	}

	buf := make([]byte, roundUpPage(length))
	vaddr := uintptr(unsafe.Pointer(&buf[0]))

	iovaAddr, err := c.Map(vaddr, uint64(len(buf)))
	if err != nil {
		return nil, err
	}
	return &Dmabuf{ctx: c, Vaddr: buf, Iova: iovaAddr}, nil
}

// Put unmaps and releases buffer. A nil buffer, or one already Put, is a
// no-op, mirroring iommu_put_dmabuf's guard against a zeroed buffer.
func (d *Dmabuf) Put() error {
	if d == nil || len(d.Vaddr) == 0 {
		return nil
	}
	vaddr := uintptr(unsafe.Pointer(&d.Vaddr[0]))
	d.Vaddr = nil
	d.Iova = 0
	return d.ctx.Unmap(vaddr)
}

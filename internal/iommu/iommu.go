// Package iommu provides the IommuCtx capability façade: mapping host
// virtual memory into device-visible IOVAs, independent of whether the
// underlying kernel interface is the legacy VFIO container model or the
// newer per-device iommufd model. See SPEC_FULL.md §3/§4.2.
package iommu

import (
	"sync"

	"github.com/ehrlich-b/nvme-uio/internal/errs"
	"github.com/ehrlich-b/nvme-uio/internal/iova"
	"github.com/ehrlich-b/nvme-uio/internal/logging"
)

// Backend is the narrow interface each concrete IOMMU kernel interface
// implements: map a host buffer at a chosen IOVA, unmap it, report the
// device fd to hand to other subsystems (e.g. interrupt setup), and
// report the ranges of IOVA space it is willing to back.
type Backend interface {
	MapDMA(vaddr uintptr, length uint64, iova uint64) error
	UnmapDMA(iova uint64, length uint64) error
	DeviceFD() int
	IovaRanges() []iova.Range
	Close() error
}

// Ctx is the capability a Controller uses to turn host buffers into
// device-visible addresses. It owns the vaddr->iova index and delegates
// the actual kernel-level mapping calls to a Backend.
type Ctx struct {
	mu      sync.Mutex
	backend Backend
	table   *iova.Map
	logger  *logging.Logger
}

// New builds a Ctx over the given backend, seeding the vaddr->iova index
// with the backend's reported IOVA ranges.
func New(backend Backend, logger *logging.Logger) *Ctx {
	if logger == nil {
		logger = logging.Default()
	}
	return &Ctx{
		backend: backend,
		table:   iova.NewMap(backend.IovaRanges(), 1),
		logger:  logger.WithComponent("IommuCtx"),
	}
}

// Map allocates an IOVA for vaddr/length, programs the mapping into the
// kernel via the backend, and returns the resulting IOVA. If vaddr already
// translates (it lies inside an existing mapping), that IOVA is returned
// and the backend is not contacted.
func (c *Ctx) Map(vaddr uintptr, length uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, err := c.table.Translate(uint64(vaddr)); err == nil {
		return existing, nil
	}

	mapping, err := c.table.Add(uint64(vaddr), length)
	if err != nil {
		return 0, err
	}
	if err := c.backend.MapDMA(vaddr, length, mapping.Iova); err != nil {
		_ = c.table.Remove(uint64(vaddr))
		return 0, errs.WrapBackendErr("IommuCtx", "map", err)
	}
	c.logger.Debugf("mapped vaddr=0x%x len=%d -> iova=0x%x", vaddr, length, mapping.Iova)
	return mapping.Iova, nil
}

// Unmap removes the mapping that starts at vaddr.
func (c *Ctx) Unmap(vaddr uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mapping, ok := c.table.Find(uint64(vaddr))
	if !ok || mapping.Vaddr != uint64(vaddr) {
		return errs.New("IommuCtx", "unmap", errs.CodeNotFound, "no mapping at vaddr")
	}
	if err := c.backend.UnmapDMA(mapping.Iova, mapping.Len); err != nil {
		return errs.WrapBackendErr("IommuCtx", "unmap", err)
	}
	return c.table.Remove(uint64(vaddr))
}

// Translate converts a previously-mapped vaddr (or an address within a
// previously-mapped range) to its IOVA.
func (c *Ctx) Translate(vaddr uintptr) (uint64, error) {
	return c.table.Translate(uint64(vaddr))
}

// DeviceFD returns the backend's device file descriptor, used to wire up
// MSI-X/interrupt paths elsewhere in the controller.
func (c *Ctx) DeviceFD() int {
	return c.backend.DeviceFD()
}

// Close releases every outstanding mapping in bulk, then the backend
// itself. A Controller that closes without unmapping every buffer it
// registered would otherwise leak those mappings in the backend (and,
// for a real IOMMU, in the kernel's iommufd/VFIO container state).
func (c *Ctx) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.table.Clear(func(_, iova, length uint64) {
		if err := c.backend.UnmapDMA(iova, length); err != nil {
			c.logger.Errorf("unmap iova=0x%x len=%d on close: %v", iova, length, err)
		}
	})

	return c.backend.Close()
}

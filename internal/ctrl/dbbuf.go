package ctrl

import (
	"context"
	"unsafe"

	"github.com/ehrlich-b/nvme-uio/internal/constants"
	"github.com/ehrlich-b/nvme-uio/internal/iommu"
	"github.com/ehrlich-b/nvme-uio/internal/queue"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

// dbbufSlotOffset mirrors the doorbell stride arithmetic used for the
// BAR's real doorbell registers, but relative to the start of the
// shadow-doorbell/event-index pages rather than regDoorbellBase: the
// Doorbell Buffer Config convention lays out one 4-byte slot per queue's
// doorbell, in the same relative order as the BAR doorbell array.
func dbbufSlotOffset(qid uint16, isSQ bool, dstrd uint8) uint32 {
	if isSQ {
		return sqDoorbellOffset(qid, dstrd) - regDoorbellBase
	}
	return cqDoorbellOffset(qid, dstrd) - regDoorbellBase
}

func slotAt(buf []byte, offset uint32) *uint32 {
	return (*uint32)(unsafe.Add(unsafe.Pointer(&buf[0]), uintptr(offset)))
}

// SetupDbbuf issues Identify Controller to check OACS bit 8 (Doorbell
// Buffer Config support) and, if the device supports it and
// QuirkBrokenDbbuf is not set, allocates the shadow-doorbell and
// event-index pages, issues the Doorbell Buffer Config command, and
// retrofits the admin SQ with its shadow-doorbell pair. Every
// CreateIOQueue call after this picks up its own pair via dbbufPairFor.
// A controller that doesn't support dbbuf, or has the quirk set, simply
// keeps using the real MMIO doorbell for every queue; this is not an
// error condition. Callers invoke this once, after Enable has brought
// the admin queue pair up, since the command depends on it; the package-
// internal lifecycle tests that drive Enable against a bare CSTS.RDY
// simulator (rather than a full admin-command-processing device) never
// call this, so they are unaffected by it.
func (c *Controller) SetupDbbuf(ctx context.Context) error {
	if c.opts.Quirks&QuirkBrokenDbbuf != 0 {
		return nil
	}

	identity := make([]byte, constants.PageSize)
	vaddr := uintptr(unsafe.Pointer(&identity[0]))
	if _, err := c.iommu.Map(vaddr, uint64(len(identity))); err != nil {
		return err
	}
	defer func() { _ = c.iommu.Unmap(vaddr) }()

	prp1, err := c.iommu.Translate(vaddr)
	if err != nil {
		return err
	}
	if _, err := c.oneshot(ctx, wire.NewIdentify(0, 0, 0x01, prp1)); err != nil {
		return err
	}

	oacs := uint16(identity[wire.IdentifyOACSOffset]) | uint16(identity[wire.IdentifyOACSOffset+1])<<8
	if oacs&wire.OACSDbbufSupported == 0 {
		return nil
	}

	shadow, err := c.iommu.GetDmabuf(uint64(constants.PageSize), iommu.MapFlagsNone)
	if err != nil {
		return err
	}
	eventIdx, err := c.iommu.GetDmabuf(uint64(constants.PageSize), iommu.MapFlagsNone)
	if err != nil {
		_ = shadow.Put()
		return err
	}

	if _, err := c.oneshot(ctx, wire.NewDbbufConfig(0, shadow.Iova, eventIdx.Iova)); err != nil {
		_ = shadow.Put()
		_ = eventIdx.Put()
		return err
	}

	c.dbbufShadow = shadow
	c.dbbufEventIdx = eventIdx
	c.adminSQ.SetDbbuf(c.dbbufPairFor(0, true))
	return nil
}

// dbbufPairFor builds the DbbufPair for one queue's doorbell slot, or
// nil if dbbuf was never negotiated with the device.
func (c *Controller) dbbufPairFor(qid uint16, isSQ bool) *queue.DbbufPair {
	if c.dbbufShadow == nil {
		return nil
	}
	offset := dbbufSlotOffset(qid, isSQ, c.cap.DSTRD)
	return &queue.DbbufPair{
		ShadowDB: slotAt(c.dbbufShadow.Vaddr, offset),
		EventIdx: slotAt(c.dbbufEventIdx.Vaddr, offset),
	}
}

// closeDbbuf releases the shadow-doorbell and event-index pages, if
// dbbuf was ever negotiated.
func (c *Controller) closeDbbuf() {
	if c.dbbufShadow == nil {
		return
	}
	_ = c.dbbufShadow.Put()
	_ = c.dbbufEventIdx.Put()
	c.dbbufShadow = nil
	c.dbbufEventIdx = nil
}

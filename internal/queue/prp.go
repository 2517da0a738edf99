package queue

import (
	"encoding/binary"
	"unsafe"

	"github.com/ehrlich-b/nvme-uio/internal/constants"
	"github.com/ehrlich-b/nvme-uio/internal/errs"
)

// Translator resolves a host virtual address to its device-visible IOVA,
// the narrow capability PRP construction needs from an IommuCtx without
// importing the whole iommu package (avoiding a dependency only one
// function actually needs).
type Translator interface {
	Translate(vaddr uintptr) (uint64, error)
}

// pageOffset returns the offset of addr within its containing PageSize
// page.
func pageOffset(addr uint64) uint64 {
	return addr & uint64(constants.PageSize-1)
}

func pageAlign(addr uint64) uint64 {
	return addr &^ uint64(constants.PageSize-1)
}

// MapPRP builds the PRP1/PRP2 pair (and, when the transfer spans more
// than two pages, a PRP list page) describing a data buffer for one I/O
// command. vaddr/length describe the buffer in host virtual address
// space; t translates each page's vaddr to its IOVA. listPage, if the
// transfer needs one, must be a PageSize-capacity scratch buffer the
// caller owns for the lifetime of the command (typically pulled from the
// tracker's PRP list buffer pool).
//
// Mirrors libvfn's nvme_rq_map_prp: PRP1 always starts at the buffer's
// first byte (possibly not page-aligned); PRP2 is either the IOVA of the
// second page (exactly two pages) or the IOVA of a PRP list page holding
// one entry per subsequent page (more than two pages). NVMe forbids PRP
// entries after the first from carrying a nonzero page offset, so every
// page but the first must be page-aligned, which is guaranteed here
// because only the first page's offset comes from the caller.
func MapPRP(t Translator, vaddr uintptr, length uint64, listPage []byte) (prp1, prp2 uint64, err error) {
	if length == 0 {
		return 0, 0, errs.New("queue", "map_prp", errs.CodeInvalidArgument, "zero-length transfer")
	}

	firstIova, err := t.Translate(vaddr)
	if err != nil {
		return 0, 0, err
	}
	prp1 = firstIova

	firstPageRemaining := uint64(constants.PageSize) - pageOffset(firstIova)
	if length <= firstPageRemaining {
		return prp1, 0, nil
	}

	remaining := length - firstPageRemaining
	nextVaddr := uintptr(uint64(vaddr) + firstPageRemaining)

	if remaining <= uint64(constants.PageSize) {
		iova, err := t.Translate(nextVaddr)
		if err != nil {
			return 0, 0, err
		}
		return prp1, iova, nil
	}

	if listPage == nil || len(listPage) < constants.PageSize {
		return 0, 0, errs.New("queue", "map_prp", errs.CodeInvalidArgument, "transfer needs a PRP list page but none was supplied")
	}

	nPages := (remaining + uint64(constants.PageSize) - 1) / uint64(constants.PageSize)
	if nPages > uint64(constants.PRPListCapacity) {
		return 0, 0, errs.New("queue", "map_prp", errs.CodeInvalidArgument, "transfer exceeds single PRP list page capacity")
	}

	for i := uint64(0); i < nPages; i++ {
		pageVaddr := uintptr(uint64(nextVaddr) + i*uint64(constants.PageSize))
		iova, err := t.Translate(pageVaddr)
		if err != nil {
			return 0, 0, err
		}
		binary.LittleEndian.PutUint64(listPage[i*constants.PRPEntrySize:], iova)
	}

	listIova, err := t.Translate(uintptr(unsafe.Pointer(&listPage[0])))
	if err != nil {
		return 0, 0, err
	}
	return prp1, listIova, nil
}

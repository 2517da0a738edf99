package ctrl

import (
	"unsafe"

	"github.com/ehrlich-b/nvme-uio/internal/errs"
	"github.com/ehrlich-b/nvme-uio/internal/iommu"
	"github.com/ehrlich-b/nvme-uio/internal/mmio"
	"github.com/ehrlich-b/nvme-uio/internal/queue"
)

// mapRing registers buf's backing array with ctx's IOVA table so a later
// Translate (e.g. when programming ASQ/ACQ or a Create I/O Queue PRP1)
// can resolve it. Queue rings are allocated once and live for the
// queue's lifetime; the matching unmapRing call is made by DeleteIOQueue
// after the Delete I/O SQ/CQ commands complete.
func mapRing[T any](ctx *iommu.Ctx, entries []T) error {
	if len(entries) == 0 {
		return errs.New("Controller", "map_ring", errs.CodeInvalidArgument, "zero-size ring")
	}
	vaddr := uintptr(unsafe.Pointer(&entries[0]))
	length := uint64(len(entries)) * uint64(unsafe.Sizeof(entries[0]))
	_, err := ctx.Map(vaddr, length)
	return err
}

func unmapRing[T any](ctx *iommu.Ctx, entries []T) error {
	if len(entries) == 0 {
		return nil
	}
	return ctx.Unmap(uintptr(unsafe.Pointer(&entries[0])))
}

// newMappedCompletionQueue builds a CompletionQueue and registers its
// ring memory with the IOMMU context in one step.
func newMappedCompletionQueue(ctx *iommu.Ctx, size int, db *mmio.Region, dbOffset uint32) (*queue.CompletionQueue, error) {
	cq := queue.NewCompletionQueue(size, db, dbOffset)
	if err := mapRing(ctx, cq.Entries()); err != nil {
		return nil, err
	}
	return cq, nil
}

// newMappedSubmissionQueue builds a SubmissionQueue and registers its
// ring memory with the IOMMU context in one step.
func newMappedSubmissionQueue(ctx *iommu.Ctx, size int, db *mmio.Region, dbOffset uint32, dbbuf *queue.DbbufPair) (*queue.SubmissionQueue, error) {
	sq := queue.NewSubmissionQueue(size, db, dbOffset, dbbuf)
	if err := mapRing(ctx, sq.Entries()); err != nil {
		return nil, err
	}
	return sq, nil
}

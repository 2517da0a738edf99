package ctrl

import (
	"context"

	"github.com/ehrlich-b/nvme-uio/internal/errs"
	"github.com/ehrlich-b/nvme-uio/internal/queue"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

// SubmitIO posts cmd on the I/O queue pair identified by qid and blocks
// for its completion, mirroring oneshot's admin-queue pattern one level
// down (one acquire/post/exec/wait/release cycle per call, since this
// module makes no claim to pipeline multiple in-flight I/Os per caller
// goroutine).
func (c *Controller) SubmitIO(ctx context.Context, qid uint16, cmd wire.Cmd) (wire.Cqe, error) {
	pair, ok := c.ioQueues[qid]
	if !ok {
		return wire.Cqe{}, errs.New("Controller", "submit_io", errs.CodeNotFound, "no such queue id")
	}

	rq, err := pair.rq.Acquire()
	if err != nil {
		c.opts.Observer.OnTrackerBusy()
		return wire.Cqe{}, err
	}
	defer pair.rq.Release(rq.Cid)

	cmd.Cid = rq.Cid
	pair.sq.Post(cmd)
	c.opts.Observer.OnDbbuf(!pair.sq.Exec())

	for {
		cqes, err := pair.cq.WaitCqes(ctx, 1)
		if err != nil {
			return wire.Cqe{}, err
		}
		for _, cqe := range cqes {
			if cqe.Cid != rq.Cid {
				continue
			}
			if cqe.Status() != 0 {
				return cqe, errs.NewDeviceError("Controller", "submit_io", cqe.Status())
			}
			return cqe, nil
		}
	}
}

// MapPRP exposes the controller's IommuCtx as a queue.Translator so
// callers building read/write commands can construct PRP1/PRP2 pointers
// for their data buffers without reaching into controller internals.
func (c *Controller) MapPRP(vaddr uintptr, length uint64, listPage []byte) (prp1, prp2 uint64, err error) {
	return queue.MapPRP(c.iommu, vaddr, length, listPage)
}

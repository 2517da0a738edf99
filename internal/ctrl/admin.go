package ctrl

import (
	"context"

	"github.com/ehrlich-b/nvme-uio/internal/constants"
	"github.com/ehrlich-b/nvme-uio/internal/errs"
	"github.com/ehrlich-b/nvme-uio/internal/queue"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

// oneshot submits cmd on the admin SQ and blocks until the matching CQE
// arrives, returning CodeDeviceError if the command's status is nonzero.
// This is the synchronous admin command pattern every lifecycle
// operation is built from; it coexists with the standing AER command by
// masking the AER reserved bit out of every CQE's Cid before comparing.
func (c *Controller) oneshot(ctx context.Context, cmd wire.Cmd) (wire.Cqe, error) {
	rq, err := c.adminRq.Acquire()
	if err != nil {
		c.opts.Observer.OnTrackerBusy()
		return wire.Cqe{}, err
	}
	defer c.adminRq.Release(rq.Cid)

	cmd.Cid = rq.Cid
	c.adminSQ.Post(cmd)
	c.opts.Observer.OnDbbuf(!c.adminSQ.Exec())

	for {
		cqes, err := c.adminCQ.WaitCqes(ctx, 1)
		if err != nil {
			return wire.Cqe{}, err
		}
		for _, cqe := range cqes {
			if cqe.Cid&constants.AERCidBit != 0 {
				c.handleAER(cqe)
				continue
			}
			if cqe.Cid != rq.Cid {
				// A completion for some other in-flight admin command;
				// the admin queue is depth-1 in the simple case, so this
				// path is only exercised once AER interleaving is live.
				continue
			}
			if cqe.Status() != 0 {
				return cqe, errs.NewDeviceError("Controller", "oneshot", cqe.Status())
			}
			return cqe, nil
		}
	}
}

// AdminCommand submits an arbitrary admin command and blocks for its
// completion, exposing oneshot to callers outside this package (e.g.
// Identify) that need to issue commands this package doesn't itself model.
func (c *Controller) AdminCommand(ctx context.Context, cmd wire.Cmd) (wire.Cqe, error) {
	return c.oneshot(ctx, cmd)
}

// CreateIOQueue bootstraps one I/O queue pair: Create I/O CQ, then
// Create I/O SQ bound to that CQ (NVMe requires this ordering since an
// I/O SQ's create command references its CQ by id).
func (c *Controller) CreateIOQueue(ctx context.Context, qid uint16, size int) error {
	if _, exists := c.ioQueues[qid]; exists {
		return errs.New("Controller", "create_io_queue", errs.CodeExists, "queue id already in use")
	}

	cq, err := newMappedCompletionQueue(c.iommu, size, c.bar, cqDoorbellOffset(qid, c.cap.DSTRD))
	if err != nil {
		return err
	}
	cqIova, err := c.iommu.Translate(uintptrOfCqes(cq.Entries()))
	if err != nil {
		return err
	}
	if _, err := c.oneshot(ctx, wire.NewCreateIOCQ(0, qid, uint16(size-1), cqIova, 0x1, 0)); err != nil {
		_ = unmapRing(c.iommu, cq.Entries())
		return err
	}

	sq, err := newMappedSubmissionQueue(c.iommu, size, c.bar, sqDoorbellOffset(qid, c.cap.DSTRD), c.dbbufPairFor(qid, true))
	if err != nil {
		_ = unmapRing(c.iommu, cq.Entries())
		return err
	}
	sqIova, err := c.iommu.Translate(uintptrOfCmds(sq.Entries()))
	if err != nil {
		_ = unmapRing(c.iommu, cq.Entries())
		return err
	}
	if _, err := c.oneshot(ctx, wire.NewCreateIOSQ(0, qid, uint16(size-1), sqIova, 0x1, qid)); err != nil {
		_ = unmapRing(c.iommu, cq.Entries())
		_ = unmapRing(c.iommu, sq.Entries())
		return err
	}

	c.ioQueues[qid] = &ioQueuePair{
		sq:  sq,
		cq:  cq,
		rq:  queue.NewRqTable(size - 1), // one ring slot always stays free
		qid: qid,
	}
	return nil
}

// DeleteIOQueue tears down an I/O queue pair in the NVMe-mandated order:
// Delete I/O SQ before Delete I/O CQ (the reverse of create).
func (c *Controller) DeleteIOQueue(ctx context.Context, qid uint16) error {
	pair, ok := c.ioQueues[qid]
	if !ok {
		return errs.New("Controller", "delete_io_queue", errs.CodeNotFound, "no such queue id")
	}

	if _, err := c.oneshot(ctx, wire.NewDeleteQ(wire.OpcodeDeleteIOSQ, 0, qid)); err != nil {
		return err
	}
	if _, err := c.oneshot(ctx, wire.NewDeleteQ(wire.OpcodeDeleteIOCQ, 0, qid)); err != nil {
		return err
	}

	_ = unmapRing(c.iommu, pair.sq.Entries())
	_ = unmapRing(c.iommu, pair.cq.Entries())
	delete(c.ioQueues, qid)
	return nil
}

// NegotiateQueueCount issues the Set-Features(Number of Queues) command
// and returns the counts the controller granted, which may be lower than
// requested. A no-op returning (0, 0, nil) on an administrative controller,
// which has no I/O command set to negotiate queues against.
func (c *Controller) NegotiateQueueCount(ctx context.Context) (nsqr, ncqr uint16, err error) {
	if c.administrative {
		return 0, 0, nil
	}

	cqe, err := c.oneshot(ctx, wire.NewSetFeaturesNumQueues(0, c.opts.NSQR-1, c.opts.NCQR-1))
	if err != nil {
		return 0, 0, err
	}
	nsqr = uint16(cqe.Dw0&0xffff) + 1
	ncqr = uint16(cqe.Dw0>>16) + 1
	return nsqr, ncqr, nil
}

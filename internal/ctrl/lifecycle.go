package ctrl

import (
	"context"
	"time"

	"github.com/ehrlich-b/nvme-uio/internal/constants"
	"github.com/ehrlich-b/nvme-uio/internal/errs"
	"github.com/ehrlich-b/nvme-uio/internal/queue"
)

// Reset drives CC.EN to 0 and waits for CSTS.RDY to clear, per the NVMe
// controller reset sequence. Safe to call on an already-disabled
// controller.
func (c *Controller) Reset(ctx context.Context) error {
	cc := c.readCC()
	c.writeCC(cc &^ ccEN)
	return c.waitRDY(ctx, false)
}

// Enable reads CAP, composes CC with the negotiated page size and SQE/CQE
// sizes, programs AQA/ASQ/ACQ for the admin queue pair, sets CC.EN, and
// waits for CSTS.RDY. The admin queue rings are allocated and mapped here,
// via bootstrapAdminQueues, before AQA/ASQ/ACQ are programmed.
func (c *Controller) Enable(ctx context.Context) error {
	capRaw := c.bar.ReadLH64(regCAP)
	c.cap = decodeCAP(capRaw)

	if err := c.checkPreEnable(); err != nil {
		return err
	}

	mps := uint8(0) // MPS=0 selects the base 4096-byte page size (2^(12+0))
	c.mps = mps
	css := selectCSS(c.cap.CSS)

	if err := c.bootstrapAdminQueues(); err != nil {
		return err
	}

	aqa := uint32(c.opts.AdminQueueSize-1) | uint32(c.opts.AdminQueueSize-1)<<16
	c.bar.Write32(regAQA, aqa)

	asqIova, err := c.iommu.Translate(uintptrOfCmds(c.adminSQ.Entries()))
	if err != nil {
		return errs.WrapBackendErr("Controller", "enable", err)
	}
	c.bar.WriteHL64(regASQ, asqIova)

	acqIova, err := c.iommu.Translate(uintptrOfCqes(c.adminCQ.Entries()))
	if err != nil {
		return errs.WrapBackendErr("Controller", "enable", err)
	}
	c.bar.WriteHL64(regACQ, acqIova)

	const iosqes, iocqes = 6, 4 // log2(64), log2(16): standard SQE/CQE sizes
	c.writeCC(composeCC(mps, css, iosqes, iocqes))

	if err := c.waitRDY(ctx, true); err != nil {
		return err
	}

	c.aer = newAERState()
	return nil
}

// checkPreEnable validates the two conditions the NVMe spec requires before
// writing CC.EN: the device's minimum supported page size must not exceed
// the host's, and (when a PCI class code was supplied) it must identify an
// NVMe controller. An administrative-only class code doesn't fail the
// check; it instead marks the controller so NegotiateQueueCount becomes a
// no-op, since an admin-only controller has no I/O command set to
// negotiate queues against.
func (c *Controller) checkPreEnable() error {
	hostPageShift := uint8(constants.DefaultHostPageShift)
	if hostPageShift < c.cap.MPSMin+12 {
		return errs.New("Controller", "enable", errs.CodeInvalidArgument, "CAP.MPSMIN exceeds host page shift")
	}

	if c.opts.ClassCode == 0 {
		return nil
	}
	switch c.opts.ClassCode {
	case classCodeAdministrative:
		c.administrative = true
	case classCodeNVMe:
	default:
		return errs.New("Controller", "enable", errs.CodeInvalidArgument, "PCI class code does not identify an NVMe controller")
	}
	return nil
}

// bootstrapAdminQueues allocates the admin SQ/CQ rings and their request
// tracker table, and maps the ring memory through the IommuCtx so Enable
// can program their IOVAs into ASQ/ACQ.
func (c *Controller) bootstrapAdminQueues() error {
	size := c.opts.AdminQueueSize

	cq, err := newMappedCompletionQueue(c.iommu, size, c.bar, cqDoorbellOffset(0, c.cap.DSTRD))
	if err != nil {
		return err
	}
	sq, err := newMappedSubmissionQueue(c.iommu, size, c.bar, sqDoorbellOffset(0, c.cap.DSTRD), nil)
	if err != nil {
		return err
	}

	c.adminCQ = cq
	c.adminSQ = sq
	c.adminRq = queue.NewRqTable(size - 1) // one ring slot always stays free
	return nil
}

// waitRDY polls CSTS.RDY until it reaches want or the CAP.TO-derived
// timeout elapses.
func (c *Controller) waitRDY(ctx context.Context, want bool) error {
	timeout := time.Duration(c.cap.Timeout+1) * constants.CapTimeoutUnit
	if c.cap.Timeout == 0 && timeout == 0 {
		timeout = constants.CapTimeoutUnit
	}
	deadline := time.Now().Add(timeout)

	for {
		rdy := c.readCSTS()&cstsRDY != 0
		if rdy == want {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.New("Controller", "wait_rdy", errs.CodeTimeout, "CSTS.RDY did not reach expected state")
		}
		select {
		case <-ctx.Done():
			return errs.New("Controller", "wait_rdy", errs.CodeTimeout, ctx.Err().Error())
		case <-time.After(constants.RdyPollInterval):
		}
	}
}

package ctrl

import (
	"context"
	"unsafe"

	"github.com/ehrlich-b/nvme-uio/internal/constants"
	"github.com/ehrlich-b/nvme-uio/internal/iommu"
	"github.com/ehrlich-b/nvme-uio/internal/logging"
	"github.com/ehrlich-b/nvme-uio/internal/mmio"
	"github.com/ehrlich-b/nvme-uio/internal/queue"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

// Quirks mirrors the public nvme.Quirks bitmask without importing the
// root package (which imports this one), per the same import-cycle
// rationale as internal/errs.
type Quirks uint32

const QuirkBrokenDbbuf Quirks = 1 << 0

// Observer receives lifecycle and command-completion events for metrics.
// A narrower mirror of the root package's Observer interface so this
// package doesn't need to import it.
type Observer interface {
	OnCommandComplete(latencyNs uint64, status uint16)
	OnTrackerBusy()
	OnAerDispatch()
	OnDbbuf(skipped bool)
}

type noopObserver struct{}

func (noopObserver) OnCommandComplete(uint64, uint16) {}
func (noopObserver) OnTrackerBusy()                    {}
func (noopObserver) OnAerDispatch()                    {}
func (noopObserver) OnDbbuf(bool)                      {}

// Opts configures a Controller at construction time.
type Opts struct {
	NSQR, NCQR   uint16 // requested queue counts, 0's based per NVMe convention at the wire level but given here as plain counts
	AdminQueueSize int
	Quirks       Quirks
	Logger       *logging.Logger
	Observer     Observer

	// ClassCode is the device's PCI class/subclass/programming-interface
	// triplet, if known. Zero means "not supplied" and skips the pre-enable
	// class-code check entirely; classCodeAdministrative sets Controller
	// into administrative mode (see Enable), and anything else that isn't
	// classCodeNVMe fails Enable with CodeInvalidArgument.
	ClassCode uint32
}

func (o *Opts) withDefaults() Opts {
	out := *o
	if out.NSQR == 0 {
		out.NSQR = constants.DefaultNSQR
	}
	if out.NCQR == 0 {
		out.NCQR = constants.DefaultNCQR
	}
	if out.AdminQueueSize == 0 {
		out.AdminQueueSize = constants.DefaultAdminQueueSize
	}
	if out.Logger == nil {
		out.Logger = logging.Default()
	}
	if out.Observer == nil {
		out.Observer = noopObserver{}
	}
	return out
}

// Controller is an enabled NVMe controller: the admin queue pair, the
// register file, the IOMMU mapping context, and the set of live I/O
// queue pairs.
type Controller struct {
	bar     *mmio.Region
	iommu   *iommu.Ctx
	opts    Opts
	cap     capFields
	mps     uint8

	adminSQ *queue.SubmissionQueue
	adminCQ *queue.CompletionQueue
	adminRq *queue.RqTable

	ioQueues map[uint16]*ioQueuePair

	aer *aerState

	dbbufShadow   *iommu.Dmabuf // shadow-doorbell page, nil unless negotiated
	dbbufEventIdx *iommu.Dmabuf // event-index page, nil unless negotiated

	administrative bool // PCI class code identified an admin-only controller
}

type ioQueuePair struct {
	sq      *queue.SubmissionQueue
	cq      *queue.CompletionQueue
	rq      *queue.RqTable
	qid     uint16
}

// New builds a Controller bound to bar/iommuCtx, without touching any
// registers; call Reset then Enable to bring the device up.
func New(bar *mmio.Region, iommuCtx *iommu.Ctx, opts Opts) *Controller {
	o := opts.withDefaults()
	return &Controller{
		bar:      bar,
		iommu:    iommuCtx,
		opts:     o,
		ioQueues: make(map[uint16]*ioQueuePair),
	}
}

// readCC/writeCC/readCSTS are small accessors kept here rather than
// inlined at call sites, matching the register-composition-as-named-
// helper idiom used throughout libvfn's core.c.
func (c *Controller) readCC() uint32   { return c.bar.Read32(regCC) }
func (c *Controller) writeCC(v uint32) { c.bar.WriteHL64(regCC, uint64(v)) }
func (c *Controller) readCSTS() uint32 { return c.bar.Read32(regCSTS) }

func uintptrOfCmds(s []wire.Cmd) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

func uintptrOfCqes(s []wire.Cqe) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

// IOQueueCount reports how many I/O queue pairs are currently created.
func (c *Controller) IOQueueCount() int {
	return len(c.ioQueues)
}

// Close deletes every live I/O queue pair via DeleteIOQueue (the pairs are
// visited in map order, not creation order) and then releases the
// shadow-doorbell pages. The admin queue pair is left in place and the
// controller is not reset.
func (c *Controller) Close(ctx context.Context) error {
	for qid := range c.ioQueues {
		if err := c.DeleteIOQueue(ctx, qid); err != nil {
			return err
		}
	}
	c.closeDbbuf()
	return nil
}

// DbbufEnabled reports whether the device accepted the Doorbell Buffer
// Config command, for tests and diagnostics.
func (c *Controller) DbbufEnabled() bool {
	return c.dbbufShadow != nil
}

// Administrative reports whether Enable identified an admin-only
// controller via its PCI class code, in which case NegotiateQueueCount is
// a no-op and no I/O queues can be created.
func (c *Controller) Administrative() bool {
	return c.administrative
}

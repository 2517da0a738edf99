// Package nvme provides a userspace NVMe controller driver: it maps a
// controller's BAR0 register file and drives the admin/I/O queue pairs
// directly, bypassing the kernel block layer entirely. See SPEC_FULL.md
// for the full protocol this package implements.
package nvme

import (
	"context"
	"time"
	"unsafe"

	"github.com/ehrlich-b/nvme-uio/internal/ctrl"
	"github.com/ehrlich-b/nvme-uio/internal/iommu"
	"github.com/ehrlich-b/nvme-uio/internal/logging"
	"github.com/ehrlich-b/nvme-uio/internal/mmio"
	"github.com/ehrlich-b/nvme-uio/internal/queue"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
	"golang.org/x/sys/unix"
)

// bufVaddr returns buf's backing array address as a vaddr suitable for
// Map/Translate. Panics on an empty buf, the same contract MapPRP relies on.
func bufVaddr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// DeviceTarget names the host resources Open needs to reach a controller.
// Resolving a BDF to these paths (sysfs traversal, VFIO group lookup) is
// out of scope for this package; callers are expected to have already
// done so, typically once at process startup.
type DeviceTarget struct {
	// BarPath is a file whose mmap gives access to the controller's BAR0
	// register file (a VFIO device fd's region, or a uio/sysfs resource
	// file). Required unless an IommuBackend override is given and the
	// caller maps BAR0 itself via some other means.
	BarPath string

	// BarSize is the number of bytes to map at BarPath. If zero, Open
	// stats BarPath and uses its reported size.
	BarSize int

	// DevPath, GroupPath, and BusID are passed to iommu.Open's backend
	// probe; see internal/iommu/probe.go. Unused when an IommuBackend
	// override is supplied via WithIommuBackend.
	DevPath   string
	GroupPath string
	BusID     string
}

// ControllerOpts configures Open. Populate via the With* functional
// options rather than constructing directly.
type ControllerOpts struct {
	NSQR, NCQR     uint16
	AdminQueueSize int
	Quirks         Quirks
	Logger         *logging.Logger
	Observer       Observer
	IommuBackend   iommu.Backend
	ClassCode      uint32
}

// Option configures a ControllerOpts field.
type Option func(*ControllerOpts)

// WithQueueCounts overrides the requested I/O submission/completion queue
// counts negotiated via NegotiateQueueCount.
func WithQueueCounts(nsqr, ncqr uint16) Option {
	return func(o *ControllerOpts) { o.NSQR, o.NCQR = nsqr, ncqr }
}

// WithQuirks sets controller-identity-specific workaround flags.
func WithQuirks(q Quirks) Option {
	return func(o *ControllerOpts) { o.Quirks = q }
}

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *ControllerOpts) { o.Logger = l }
}

// WithObserver overrides the default no-op metrics observer.
func WithObserver(ob Observer) Option {
	return func(o *ControllerOpts) { o.Observer = ob }
}

// WithIommuBackend overrides Open's backend probe with a caller-supplied
// one, the seam the mock test harness uses to run without a real device.
func WithIommuBackend(b iommu.Backend) Option {
	return func(o *ControllerOpts) { o.IommuBackend = b }
}

// WithClassCode supplies the device's PCI class/subclass/programming-
// interface triplet (e.g. 0x010802 for a standard NVMe I/O controller),
// read from sysfs by the caller. Open validates it against the expected
// NVMe class codes during Enable; the default zero value skips that
// check entirely.
func WithClassCode(code uint32) Option {
	return func(o *ControllerOpts) { o.ClassCode = code }
}

// Controller is an opened, enabled NVMe controller: its mapped BAR0, its
// IommuCtx, and the admin/I/O queue pairs layered on top.
type Controller struct {
	inner *ctrl.Controller
	bar   []byte
	iommu *iommu.Ctx
	opts  ControllerOpts
}

// observerAdapter narrows the public Observer down to ctrl.Observer's
// shape (nanosecond latency instead of time.Duration) without making the
// internal package depend on this one.
type observerAdapter struct{ o Observer }

func (a observerAdapter) OnCommandComplete(latencyNs uint64, status uint16) {
	a.o.OnCommandComplete(time.Duration(latencyNs), status)
}
func (a observerAdapter) OnTrackerBusy() { a.o.OnTrackerBusy() }
func (a observerAdapter) OnAerDispatch() { a.o.OnAerDispatch() }
func (a observerAdapter) OnDbbuf(skipped bool) { a.o.OnDbbuf(skipped) }

// Open maps target's BAR0, resolves an IOMMU backend (or uses the one
// supplied via WithIommuBackend), and drives the controller through
// Reset then Enable. The returned Controller is ready for
// NegotiateQueueCount, CreateIOQueue, and Identify.
func Open(ctx context.Context, target DeviceTarget, opts ...Option) (*Controller, error) {
	o := resolveOpts(opts)

	var barBuf []byte
	if target.BarPath != "" {
		buf, err := mapBAR(target.BarPath, target.BarSize)
		if err != nil {
			return nil, err
		}
		barBuf = buf
	}

	backend := o.IommuBackend
	if backend == nil {
		b, err := iommu.Open(target.DevPath, target.GroupPath, target.BusID)
		if err != nil {
			if barBuf != nil {
				_ = unix.Munmap(barBuf)
			}
			return nil, NewError("Controller", "open", CodeDeviceError, err.Error())
		}
		backend = b
		o.IommuBackend = backend
	}

	c, err := bootstrap(ctx, mmio.NewRegion(barBuf), barBuf, o)
	if err != nil && barBuf != nil {
		_ = unix.Munmap(barBuf)
	}
	return c, err
}

// resolveOpts applies opts over the zero value, filling in the observer
// default; With* options only ever set fields, so resolution has nothing
// else to default.
func resolveOpts(opts []Option) ControllerOpts {
	o := ControllerOpts{Observer: NoOpObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Observer == nil {
		o.Observer = NoOpObserver{}
	}
	return o
}

// bootstrap builds the IommuCtx and internal Controller over an
// already-mapped BAR and drives Reset/Enable/EnableAER, the sequence
// shared by Open (a real mmap) and the mock harness (an in-memory
// region) alike.
func bootstrap(ctx context.Context, bar *mmio.Region, barBuf []byte, o ControllerOpts) (*Controller, error) {
	ictx := iommu.New(o.IommuBackend, o.Logger)

	innerOpts := ctrl.Opts{
		NSQR:           o.NSQR,
		NCQR:           o.NCQR,
		AdminQueueSize: o.AdminQueueSize,
		Quirks:         ctrl.Quirks(o.Quirks),
		Logger:         o.Logger,
		Observer:       observerAdapter{o.Observer},
		ClassCode:      o.ClassCode,
	}
	inner := ctrl.New(bar, ictx, innerOpts)

	if err := inner.Reset(ctx); err != nil {
		_ = ictx.Close()
		return nil, err
	}
	if err := inner.Enable(ctx); err != nil {
		_ = ictx.Close()
		return nil, err
	}
	if err := inner.SetupDbbuf(ctx); err != nil {
		_ = ictx.Close()
		return nil, err
	}
	inner.EnableAER()

	return &Controller{inner: inner, bar: barBuf, iommu: ictx, opts: o}, nil
}

// mapBAR opens and mmaps path, reading size bytes (or stat's reported
// size when size is zero).
func mapBAR(path string, size int) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, WrapBackendErr("Controller", "map_bar", err)
	}
	defer unix.Close(fd)

	if size == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, WrapBackendErr("Controller", "map_bar", err)
		}
		size = int(st.Size)
	}
	if size == 0 {
		return nil, NewError("Controller", "map_bar", CodeInvalidArgument, "BAR region has zero size")
	}

	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, WrapBackendErr("Controller", "map_bar", err)
	}
	return buf, nil
}

// Map registers a host buffer for DMA, returning the IOVA the device
// should use to address it.
func (c *Controller) Map(vaddr uintptr, length uint64) (uint64, error) {
	return c.iommu.Map(vaddr, length)
}

// Unmap releases a buffer previously registered with Map.
func (c *Controller) Unmap(vaddr uintptr) error {
	return c.iommu.Unmap(vaddr)
}

// NegotiateQueueCount issues Set-Features(Number of Queues) and returns
// the granted counts, which may be lower than requested.
func (c *Controller) NegotiateQueueCount(ctx context.Context) (nsqr, ncqr uint16, err error) {
	return c.inner.NegotiateQueueCount(ctx)
}

// CreateIOQueue bootstraps one I/O queue pair of the given depth.
func (c *Controller) CreateIOQueue(ctx context.Context, qid uint16, depth int) error {
	return c.inner.CreateIOQueue(ctx, qid, depth)
}

// DeleteIOQueue tears down one I/O queue pair.
func (c *Controller) DeleteIOQueue(ctx context.Context, qid uint16) error {
	return c.inner.DeleteIOQueue(ctx, qid)
}

// IOQueueCount reports how many I/O queue pairs are currently created.
func (c *Controller) IOQueueCount() int {
	return c.inner.IOQueueCount()
}

// DbbufEnabled reports whether Open negotiated Doorbell Buffer Config
// with the device; when false every queue's doorbell is written over
// MMIO on every command.
func (c *Controller) DbbufEnabled() bool {
	return c.inner.DbbufEnabled()
}

// Administrative reports whether WithClassCode identified an admin-only
// controller; NegotiateQueueCount is a no-op on one.
func (c *Controller) Administrative() bool {
	return c.inner.Administrative()
}

// OnAsyncEvent registers a callback invoked whenever an Asynchronous
// Event Request completion is dispatched.
func (c *Controller) OnAsyncEvent(fn func(eventType, info, lid uint32)) {
	c.inner.OnAsyncEvent(fn)
}

// Identify issues an Identify-Controller or Identify-Namespace command
// (selected by cns), writing the 4096-byte result into buf. buf must
// already be registered via Map.
func (c *Controller) Identify(ctx context.Context, nsid uint32, cns uint8, buf []byte) error {
	prp1, err := c.iommu.Translate(bufVaddr(buf))
	if err != nil {
		return err
	}
	_, err = c.inner.AdminCommand(ctx, wire.NewIdentify(0, nsid, cns, prp1))
	return err
}

// ReadAt issues an I/O Read on qid for nlb logical blocks starting at
// slba, into buf. buf must already be registered via Map; listPage must
// be a PageSize-capacity scratch buffer when the transfer spans more
// than two pages (nil otherwise), typically pulled from
// queue.GetPRPListPage.
func (c *Controller) ReadAt(ctx context.Context, qid uint16, nsid uint32, slba uint64, nlb uint16, buf, listPage []byte) (wire.Cqe, error) {
	return c.rw(ctx, wire.OpcodeRead, qid, nsid, slba, nlb, buf, listPage)
}

// WriteAt issues an I/O Write; see ReadAt for parameter semantics.
func (c *Controller) WriteAt(ctx context.Context, qid uint16, nsid uint32, slba uint64, nlb uint16, buf, listPage []byte) (wire.Cqe, error) {
	return c.rw(ctx, wire.OpcodeWrite, qid, nsid, slba, nlb, buf, listPage)
}

func (c *Controller) rw(ctx context.Context, opcode uint8, qid uint16, nsid uint32, slba uint64, nlb uint16, buf, listPage []byte) (wire.Cqe, error) {
	prp1, prp2, err := c.inner.MapPRP(bufVaddr(buf), uint64(len(buf)), listPage)
	if err != nil {
		return wire.Cqe{}, err
	}
	return c.inner.SubmitIO(ctx, qid, wire.NewRW(opcode, 0, nsid, slba, nlb, prp1, prp2))
}

// Flush issues an I/O Flush on qid for namespace nsid.
func (c *Controller) Flush(ctx context.Context, qid uint16, nsid uint32) (wire.Cqe, error) {
	return c.inner.SubmitIO(ctx, qid, wire.NewFlush(0, nsid))
}

// GetPRPListPage borrows a PageSize-capacity scratch buffer for building a
// multi-page PRP list, returning it to the shared pool via PutPRPListPage
// once the in-flight command completes.
func GetPRPListPage() []byte { return queue.GetPRPListPage() }

// PutPRPListPage returns a buffer obtained from GetPRPListPage.
func PutPRPListPage(buf []byte) { queue.PutPRPListPage(buf) }

// Close tears down every I/O queue pair, releases the IOMMU backend, and
// unmaps BAR0.
func (c *Controller) Close(ctx context.Context) error {
	if err := c.inner.Close(ctx); err != nil {
		return err
	}
	if err := c.iommu.Close(); err != nil {
		return err
	}
	if c.bar != nil {
		return unix.Munmap(c.bar)
	}
	return nil
}

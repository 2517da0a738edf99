package nvme

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/ehrlich-b/nvme-uio/internal/ctrl"
	"github.com/ehrlich-b/nvme-uio/internal/iommu"
	"github.com/ehrlich-b/nvme-uio/internal/mmio"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

// blockSize is the logical block size the mock device's backing store
// uses; real size reporting (via Identify-Namespace LBA format) is out of
// scope for the simulator, which only needs something to read and write.
const blockSize = 512

// ioSQState tracks one live I/O submission queue the mock device has seen
// created: its ring (resolved from the Create I/O SQ command's PRP1) and
// the consumer's record of how far it has drained the producer tail.
type ioSQState struct {
	entries  []wire.Cmd
	cqid     uint16
	seenTail uint32
}

// cqState tracks one completion ring (admin or I/O) the device writes
// into, plus the device's own producer-side head/phase bookkeeping,
// mirroring the host's consumer-side CompletionQueue but from the other
// end of the ring.
type cqState struct {
	entries []wire.Cqe
	head    uint32
	phase   uint16
}

func (cq *cqState) post(cid uint16, dw0 uint32, status uint16) {
	if cq == nil || len(cq.entries) == 0 {
		return
	}
	cq.entries[cq.head] = wire.Cqe{Cid: cid, Dw0: dw0, Sfp: status<<1 | cq.phase}
	cq.head++
	if int(cq.head) == len(cq.entries) {
		cq.head = 0
		cq.phase ^= 1
	}
}

// MockDevice simulates NVMe controller firmware against an in-memory BAR
// and a MockBackend-managed IOVA space: it watches CC/CSTS, the admin and
// I/O submission queue doorbells, executes the commands it finds, and
// writes completions back, standing in for the hardware state machine a
// real device would run. It plays the same role in these tests that the
// teacher's MockBackend plays for a block device: an in-memory double for
// the thing this package would otherwise need real hardware to exercise.
type MockDevice struct {
	mu      sync.Mutex
	bar     *mmio.Region
	backend *iommu.MockBackend
	dstrd   uint8
	vid     uint16

	adminSQ       []wire.Cmd
	adminSeenTail uint32
	adminCQ       *cqState

	ioSQ map[uint16]*ioSQState
	ioCQ map[uint16]*cqState

	disk map[uint64][]byte // LBA -> block

	identifyController []byte
	identifyNamespace   func(nsid uint32) []byte

	pendingAER []uint16 // cids of outstanding AsyncEventRequest commands

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMockDevice builds a MockDevice bound to bar and backend, with CAP
// preset to a small queue-depth/no-doorbell-stride/short-timeout
// configuration convenient for tests, and starts its firmware-simulation
// loop. Callers pass the same bar/backend pair to bootstrap (see
// OpenMock) so the Controller being driven and the device simulating it
// share memory.
func NewMockDevice(bar *mmio.Region, backend *iommu.MockBackend) *MockDevice {
	capVal := uint64(31) // MQES=31, DSTRD=0, TO=0 (one CapTimeoutUnit), MPSMIN/MAX=0
	bar.WriteLH64(ctrl.RegCAP, capVal)

	d := &MockDevice{
		bar:     bar,
		backend: backend,
		vid:     0x144d,
		ioSQ:    make(map[uint16]*ioSQState),
		ioCQ:    make(map[uint16]*cqState),
		disk:    make(map[uint64][]byte),
		stop:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// SetIdentifyController overrides the payload copied back for an
// Identify(CNS=1) command; useful for tests asserting on specific
// controller-identity fields beyond the VID this simulator fills in by
// default.
func (d *MockDevice) SetIdentifyController(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identifyController = data
}

// SetIdentifyNamespace installs a callback used to fill Identify(CNS=0)
// payloads per namespace; if unset, the simulator returns a zeroed page.
func (d *MockDevice) SetIdentifyNamespace(fn func(nsid uint32) []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identifyNamespace = fn
}

// Close stops the simulation loop. Safe to call once.
func (d *MockDevice) Close() error {
	close(d.stop)
	d.wg.Wait()
	return nil
}

// run is the firmware loop: poll BAR state, react to CC transitions, and
// drain whatever submission queues are currently live. A 100us tick is
// fast enough that the busy-spin CompletionQueue.WaitCqes in the tests
// this drives doesn't need the full spin-delay budget to observe results.
func (d *MockDevice) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(100 * time.Microsecond)
	defer ticker.Stop()

	lastEN := false
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		en := d.bar.Read32(ctrl.RegCC)&ctrl.CcEN != 0
		if en != lastEN {
			lastEN = en
			if en {
				d.onEnable()
				d.bar.Write32(ctrl.RegCSTS, ctrl.CstsRDY)
			} else {
				d.onDisable()
				d.bar.Write32(ctrl.RegCSTS, 0)
			}
		}
		if !en {
			continue
		}

		d.pollAdminSQ()
		d.pollIOQueues()
	}
}

// onEnable resolves the admin queue pair's location from AQA/ASQ/ACQ,
// which the host programs before setting CC.EN, and resets the device's
// view of both rings.
func (d *MockDevice) onEnable() {
	d.mu.Lock()
	defer d.mu.Unlock()

	aqa := d.bar.Read32(ctrl.RegAQA)
	asqSize := int(aqa&0xffff) + 1
	acqSize := int((aqa>>16)&0xffff) + 1

	asqIova := d.bar.ReadLH64(ctrl.RegASQ)
	acqIova := d.bar.ReadLH64(ctrl.RegACQ)

	if vaddr, _, ok := d.backend.ResolveIova(asqIova); ok {
		d.adminSQ = sliceAt[wire.Cmd](vaddr, uint32(asqSize))
	}
	d.adminSeenTail = 0
	if vaddr, _, ok := d.backend.ResolveIova(acqIova); ok {
		d.adminCQ = &cqState{entries: sliceAt[wire.Cqe](vaddr, uint32(acqSize)), phase: 1}
	}
	d.pendingAER = nil
}

func (d *MockDevice) onDisable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adminSQ = nil
	d.adminCQ = nil
	d.ioSQ = make(map[uint16]*ioSQState)
	d.ioCQ = make(map[uint16]*cqState)
	d.pendingAER = nil
}

// pollAdminSQ reads the admin doorbell's current tail and executes any
// newly-posted commands since the last tick.
func (d *MockDevice) pollAdminSQ() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.adminSQ == nil {
		return
	}
	tail := d.bar.Read32(ctrl.SqDoorbellOffset(0, d.dstrd))
	for d.adminSeenTail != tail {
		cmd := d.adminSQ[d.adminSeenTail]
		d.adminSeenTail++
		if int(d.adminSeenTail) == len(d.adminSQ) {
			d.adminSeenTail = 0
		}
		d.execAdmin(cmd)
	}
}

func (d *MockDevice) execAdmin(cmd wire.Cmd) {
	switch cmd.Opcode {
	case wire.OpcodeIdentify:
		cns := uint8(cmd.Cdw10)
		var payload []byte
		if cns == 0 && d.identifyNamespace != nil {
			payload = d.identifyNamespace(cmd.Nsid)
		} else {
			payload = d.identifyController
		}
		if vaddr, length, ok := d.backend.ResolveIova(cmd.Prp1); ok {
			dst := sliceAt[byte](vaddr, uint32(length))
			if len(payload) > 0 {
				copy(dst, payload)
			} else if cns != 0 && len(dst) >= 2 {
				// Minimal controller-identity payload: VID at byte 0-1.
				dst[0] = byte(d.vid)
				dst[1] = byte(d.vid >> 8)
			}
		}
		d.adminCQ.post(cmd.Cid, 0, 0)

	case wire.OpcodeCreateIOCQ:
		qid := uint16(cmd.Cdw10)
		qsize := int(cmd.Cdw10>>16) + 1
		if vaddr, _, ok := d.backend.ResolveIova(cmd.Prp1); ok {
			d.ioCQ[qid] = &cqState{entries: sliceAt[wire.Cqe](vaddr, uint32(qsize)), phase: 1}
		}
		d.adminCQ.post(cmd.Cid, 0, 0)

	case wire.OpcodeCreateIOSQ:
		qid := uint16(cmd.Cdw10)
		qsize := int(cmd.Cdw10>>16) + 1
		cqid := uint16(cmd.Cdw11 >> 16)
		if vaddr, _, ok := d.backend.ResolveIova(cmd.Prp1); ok {
			d.ioSQ[qid] = &ioSQState{entries: sliceAt[wire.Cmd](vaddr, uint32(qsize)), cqid: cqid}
		}
		d.adminCQ.post(cmd.Cid, 0, 0)

	case wire.OpcodeDeleteIOSQ:
		delete(d.ioSQ, uint16(cmd.Cdw10))
		d.adminCQ.post(cmd.Cid, 0, 0)

	case wire.OpcodeDeleteIOCQ:
		delete(d.ioCQ, uint16(cmd.Cdw10))
		d.adminCQ.post(cmd.Cid, 0, 0)

	case wire.OpcodeDbbufConfig:
		// The simulator never reads the shadow doorbell or writes the
		// event-index buffer itself (it polls only the real MMIO
		// doorbell), so accepting the command is all it does. With the
		// event index left at 0, needsDoorbell writes the real doorbell
		// only when the advance from the previous tail to the new one
		// covers slot 0; other commands posted on a dbbuf-enabled queue
		// (the admin SQ included) are not seen or completed here.
		d.adminCQ.post(cmd.Cid, 0, 0)

	case wire.OpcodeSetFeatures:
		if cmd.Cdw10 == wire.FeatureIDNumberOfQueues {
			d.adminCQ.post(cmd.Cid, cmd.Cdw11, 0) // grant exactly what was requested
			return
		}
		d.adminCQ.post(cmd.Cid, 0, 0)

	case wire.OpcodeAsyncEventRequest:
		// A standing command: it completes only when InjectAsyncEvent is
		// called, never on its own.
		d.pendingAER = append(d.pendingAER, cmd.Cid)

	default:
		d.adminCQ.post(cmd.Cid, 0, 0)
	}
}

// InjectAsyncEvent completes the oldest outstanding AsyncEventRequest (if
// any) with the given event fields, simulating the device reporting an
// asynchronous event. If no AER is currently outstanding, the event is
// dropped, matching real hardware's limited AEN queue depth rather than
// buffering unboundedly.
func (d *MockDevice) InjectAsyncEvent(eventType, info, lid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pendingAER) == 0 || d.adminCQ == nil {
		return
	}
	cid := d.pendingAER[0]
	d.pendingAER = d.pendingAER[1:]
	dw0 := eventType&0x7 | (info&0xff)<<8 | (lid&0xff)<<16
	d.adminCQ.post(cid, dw0, 0)
}

// pollIOQueues drains every live I/O SQ's doorbell the same way
// pollAdminSQ does for the admin pair.
func (d *MockDevice) pollIOQueues() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for qid, sq := range d.ioSQ {
		tail := d.bar.Read32(ctrl.SqDoorbellOffset(qid, d.dstrd))
		for sq.seenTail != tail {
			cmd := sq.entries[sq.seenTail]
			sq.seenTail++
			if int(sq.seenTail) == len(sq.entries) {
				sq.seenTail = 0
			}
			d.execIO(sq.cqid, cmd)
		}
	}
}

func (d *MockDevice) execIO(cqid uint16, cmd wire.Cmd) {
	cq := d.ioCQ[cqid]
	switch cmd.Opcode {
	case wire.OpcodeWrite:
		d.copyBlocks(cmd, true)
		cq.post(cmd.Cid, 0, 0)
	case wire.OpcodeRead:
		d.copyBlocks(cmd, false)
		cq.post(cmd.Cid, 0, 0)
	default: // Flush and anything else this simulator doesn't special-case
		cq.post(cmd.Cid, 0, 0)
	}
}

// copyBlocks moves data between the command's PRP-described buffer and
// the device's in-memory backing store, keyed by LBA. toDisk selects
// direction: true for Write, false for Read.
func (d *MockDevice) copyBlocks(cmd wire.Cmd, toDisk bool) {
	slba := uint64(cmd.Cdw10) | uint64(cmd.Cdw11)<<32
	nlb := uint64(uint16(cmd.Cdw12)) + 1

	vaddr, length, ok := d.backend.ResolveIova(cmd.Prp1)
	if !ok {
		return
	}
	buf := sliceAt[byte](vaddr, uint32(length))

	for i := uint64(0); i < nlb; i++ {
		lba := slba + i
		start := i * blockSize
		end := start + blockSize
		if end > uint64(len(buf)) {
			break
		}
		if toDisk {
			block := make([]byte, blockSize)
			copy(block, buf[start:end])
			d.disk[lba] = block
		} else if block, ok := d.disk[lba]; ok {
			copy(buf[start:end], block)
		} else {
			for j := start; j < end; j++ {
				buf[j] = 0
			}
		}
	}
}

// sliceAt reinterprets the count*sizeof(T) bytes at vaddr as a []T,
// standing in for the DMA a real device would perform: the simulator has
// no hardware of its own, only the host's resolved virtual memory.
func sliceAt[T any](vaddr uintptr, count uint32) []T {
	if count == 0 || vaddr == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(vaddr)), count)
}

// OpenMock wires a Controller up against a MockDevice instead of a real
// BAR/IOMMU group: it builds an in-memory BAR, a MockBackend, starts the
// firmware simulator, and runs it through the same bootstrap path Open
// uses. Callers get back both the Controller and the MockDevice so tests
// can drive device-side behavior (InjectAsyncEvent, backing-store
// inspection) alongside the public API under test.
func OpenMock(opts ...Option) (*Controller, *MockDevice, error) {
	return OpenMockConfigured(nil, opts...)
}

// OpenMockConfigured is OpenMock with a hook to configure the MockDevice
// (e.g. SetIdentifyController) before bootstrap drives it through
// Reset/Enable/dbbuf-negotiation/EnableAER, for scenarios that depend on
// device-reported identity being in place before the controller comes up.
func OpenMockConfigured(configure func(*MockDevice), opts ...Option) (*Controller, *MockDevice, error) {
	o := resolveOpts(opts)

	barBuf := make([]byte, 0x10000)
	bar := mmio.NewRegion(barBuf)

	backend := iommu.NewMockBackend()
	o.IommuBackend = backend

	dev := NewMockDevice(bar, backend)
	if configure != nil {
		configure(dev)
	}

	c, err := bootstrap(context.Background(), bar, nil, o)
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}
	return c, dev, nil
}

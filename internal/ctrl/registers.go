// Package ctrl implements the NVMe controller lifecycle state machine:
// reset/enable register composition, admin queue bootstrap, I/O queue
// negotiation and creation, the synchronous admin "oneshot" pattern, and
// asynchronous event handling. See SPEC_FULL.md §4.9/§4.10.
package ctrl

// BAR0 register offsets, from the NVMe base specification.
const (
	regCAP    = 0x00 // Controller Capabilities (8 bytes)
	regVS     = 0x08 // Version
	regINTMS  = 0x0c // Interrupt Mask Set
	regINTMC  = 0x10 // Interrupt Mask Clear
	regCC     = 0x14 // Controller Configuration
	regCSTS   = 0x1c // Controller Status
	regNSSR   = 0x20 // NVM Subsystem Reset
	regAQA    = 0x24 // Admin Queue Attributes
	regASQ    = 0x28 // Admin Submission Queue Base Address (8 bytes)
	regACQ    = 0x30 // Admin Completion Queue Base Address (8 bytes)
	regDoorbellBase = 0x1000
)

// CC (Controller Configuration) field positions.
const (
	ccEN     = 1 << 0
	ccCSSShift  = 4
	ccMPSShift  = 7
	ccAMSShift  = 11
	ccSHNShift  = 14
	ccIOSQESShift = 16
	ccIOCQESShift = 20
)

// PCI class codes relevant to the pre-enable class-code check. classCodeNVMe
// is a standard NVM Express I/O controller; classCodeAdministrative is an
// NVM Express controller with no I/O command set, administrative commands
// only (NVMe base spec, PCI programming interface byte 0x03).
const (
	classCodeNVMe           = 0x010800
	classCodeAdministrative = 0x010803
)

// CSTS (Controller Status) bits.
const (
	cstsRDY  = 1 << 0
	cstsCFS  = 1 << 1
	cstsSHSTShift = 2
	cstsSHSTMask  = 0x3 << cstsSHSTShift
)

// capFields decomposes the 64-bit CAP register into the fields the
// lifecycle state machine needs.
type capFields struct {
	MQES   uint16 // max queue entries supported, 0's based
	Timeout uint8 // CAP.TO, in 500ms units
	DSTRD  uint8  // doorbell stride, 4 << DSTRD bytes
	CSS    uint8  // CAP.CSS, bitmask of supported command sets
	MPSMin uint8  // CAP.MPSMIN
	MPSMax uint8  // CAP.MPSMAX
}

func decodeCAP(cap uint64) capFields {
	return capFields{
		MQES:    uint16(cap & 0xffff),
		DSTRD:   uint8((cap >> 32) & 0xf),
		Timeout: uint8((cap >> 24) & 0xff),
		CSS:     uint8((cap >> 37) & 0xff),
		MPSMin:  uint8((cap >> 48) & 0xf),
		MPSMax:  uint8((cap >> 52) & 0xf),
	}
}

// selectCSS picks the CC.CSS encoding to program from CAP.CSS's bitmask of
// supported command sets: prefer the I/O command set(s) bit (6), then
// admin-only (7), else fall back to the base NVM command set (0).
func selectCSS(capCSS uint8) uint8 {
	switch {
	case capCSS&(1<<6) != 0:
		return 6
	case capCSS&(1<<7) != 0:
		return 7
	default:
		return 0
	}
}

// doorbellStride returns the byte distance between successive queues'
// doorbell pairs, per CAP.DSTRD.
func doorbellStride(dstrd uint8) uint32 {
	return uint32(4) << dstrd
}

// sqDoorbellOffset/cqDoorbellOffset compute a queue's doorbell offset
// within BAR0, given the queue id and DSTRD. Admin queue is qid 0.
func sqDoorbellOffset(qid uint16, dstrd uint8) uint32 {
	return regDoorbellBase + uint32(qid)*2*doorbellStride(dstrd)
}

func cqDoorbellOffset(qid uint16, dstrd uint8) uint32 {
	return regDoorbellBase + (uint32(qid)*2+1)*doorbellStride(dstrd)
}

// composeCC builds the CC register value for enabling the controller
// with the given page size exponent (MPS = log2(pagesize) - 12), command
// set selector (css, see selectCSS), and I/O SQ/CQ entry sizes (as
// power-of-2 exponents, 6 for the standard 64-byte SQE and 4 for the
// standard 16-byte CQE). CC.AMS (round-robin) and CC.SHN (none) are both
// the zero value and so need no explicit term.
func composeCC(mps, css, iosqes, iocqes uint8) uint32 {
	return ccEN |
		uint32(mps)<<ccMPSShift |
		uint32(css)<<ccCSSShift |
		uint32(iosqes)<<ccIOSQESShift |
		uint32(iocqes)<<ccIOCQESShift
}

// Exported register offsets/bits, for callers simulating a device (the
// mock test harness) rather than driving a real one.
const (
	RegCAP          = regCAP
	RegCC           = regCC
	RegCSTS         = regCSTS
	RegAQA          = regAQA
	RegASQ          = regASQ
	RegACQ          = regACQ
	RegDoorbellBase = regDoorbellBase

	CcEN  = ccEN
	CstsRDY = cstsRDY
)

// SqDoorbellOffset/CqDoorbellOffset/DoorbellStride expose the offset
// arithmetic to the mock harness, which needs to know where a queue's
// doorbells land to watch for writes.
func SqDoorbellOffset(qid uint16, dstrd uint8) uint32 { return sqDoorbellOffset(qid, dstrd) }
func CqDoorbellOffset(qid uint16, dstrd uint8) uint32 { return cqDoorbellOffset(qid, dstrd) }
func DoorbellStride(dstrd uint8) uint32                { return doorbellStride(dstrd) }

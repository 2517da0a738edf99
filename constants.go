package nvme

import "github.com/ehrlich-b/nvme-uio/internal/constants"

// Re-exported tunables; see internal/constants for the authoritative values.
const (
	DefaultNSQR           = constants.DefaultNSQR
	DefaultNCQR           = constants.DefaultNCQR
	DefaultAdminQueueSize = constants.DefaultAdminQueueSize
	DefaultHostPageShift  = constants.DefaultHostPageShift
	PageSize              = constants.PageSize
)

// Quirks is a bitmask of controller-identity-specific workarounds.
type Quirks uint32

const (
	// QuirkBrokenDbbuf disables the shadow-doorbell path even when the
	// controller advertises support for it.
	QuirkBrokenDbbuf Quirks = 1 << 0
)

// PCI class codes recognized by WithClassCode's pre-enable check.
const (
	// ClassCodeNVMe is a standard NVM Express I/O controller.
	ClassCodeNVMe = 0x010800

	// ClassCodeAdministrative is an NVM Express controller exposing only
	// the admin command set, no I/O command set; Open sets Administrative
	// mode on one, which makes NegotiateQueueCount a no-op.
	ClassCodeAdministrative = 0x010803
)

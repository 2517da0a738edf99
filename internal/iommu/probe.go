package iommu

import "golang.org/x/sys/unix"

// Probe reports which real backend the host kernel supports: iommufd is
// preferred when the per-device VFIO cdev directory /dev/vfio/devices
// exists, falling back to the legacy VFIO container model otherwise. Mirrors libvfn's own iommu/iommu.c runtime
// selection between its two backend implementations.
func Probe() (style string) {
	if err := unix.Access("/dev/vfio/devices", unix.F_OK); err == nil {
		return "iommufd"
	}
	return "vfio"
}

// Open opens the appropriate real backend for devPath/busID/groupPath
// depending on what Probe reports. groupPath is only used for the VFIO
// container style.
func Open(devPath, groupPath, busID string) (Backend, error) {
	switch Probe() {
	case "iommufd":
		return OpenDeviceBackend(devPath)
	default:
		return OpenContainerBackend(groupPath, busID)
	}
}

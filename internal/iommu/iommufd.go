package iommu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/nvme-uio/internal/iova"
)

// iommufd ioctl numbers, from linux/iommufd.h. Declared locally, same
// rationale as the VFIO constants in vfio.go.
const (
	iommufdIoasAlloc  = 0x3a03
	iommufdIoasMap    = 0x3a05
	iommufdIoasUnmap  = 0x3a07
	vfioDeviceBindIommufd  = 0x3b16
	vfioDeviceAttachIommufd = 0x3b18
)

type iommufdIoasAllocArgs struct {
	Size   uint32
	Flags  uint32
	OutIoasID uint32
}

type iommufdIoasMapArgs struct {
	Size        uint32
	Flags       uint32
	IoasID      uint32
	_           uint32
	UserVA      uint64
	Length      uint64
	Iova        uint64
}

type iommufdIoasUnmapArgs struct {
	Size   uint32
	Flags  uint32
	IoasID uint32
	_      uint32
	Iova   uint64
	Length uint64
}

// DeviceBackend implements Backend against the newer per-device iommufd
// model: a device fd is bound directly to an iommufd context and
// attached to an IOAS (I/O address space), without the group/container
// indirection VFIO's legacy model requires. Mirrors libvfn's
// src/iommu/iommufd.c.
type DeviceBackend struct {
	iommufdFD int
	deviceFD  int
	ioasID    uint32
	ranges    []iova.Range
}

// OpenDeviceBackend opens /dev/iommu, binds the VFIO device at devPath to
// it, allocates an IOAS, and attaches the device to that IOAS.
func OpenDeviceBackend(devPath string) (*DeviceBackend, error) {
	iommufdFD, err := unix.Open("/dev/iommu", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/iommu: %w", err)
	}

	deviceFD, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(iommufdFD)
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}

	if err := ioctlNoArg(deviceFD, vfioDeviceBindIommufd, iommufdFD); err != nil {
		unix.Close(deviceFD)
		unix.Close(iommufdFD)
		return nil, fmt.Errorf("VFIO_DEVICE_BIND_IOMMUFD: %w", err)
	}

	allocArgs := iommufdIoasAllocArgs{Size: uint32(unsafe.Sizeof(iommufdIoasAllocArgs{}))}
	if err := ioctlPtr(iommufdFD, iommufdIoasAlloc, unsafe.Pointer(&allocArgs)); err != nil {
		unix.Close(deviceFD)
		unix.Close(iommufdFD)
		return nil, fmt.Errorf("IOMMU_IOAS_ALLOC: %w", err)
	}

	if err := ioctlNoArg(deviceFD, vfioDeviceAttachIommufd, int(allocArgs.OutIoasID)); err != nil {
		unix.Close(deviceFD)
		unix.Close(iommufdFD)
		return nil, fmt.Errorf("VFIO_DEVICE_ATTACH_IOMMUFD_PT: %w", err)
	}

	return &DeviceBackend{
		iommufdFD: iommufdFD,
		deviceFD:  deviceFD,
		ioasID:    allocArgs.OutIoasID,
		ranges:    []iova.Range{{Start: 0x10000, End: uint64(1) << 39}},
	}, nil
}

func (b *DeviceBackend) MapDMA(vaddr uintptr, length uint64, iovaAddr uint64) error {
	arg := iommufdIoasMapArgs{
		Size:   uint32(unsafe.Sizeof(iommufdIoasMapArgs{})),
		IoasID: b.ioasID,
		UserVA: uint64(vaddr),
		Length: length,
		Iova:   iovaAddr,
	}
	return ioctlPtr(b.iommufdFD, iommufdIoasMap, unsafe.Pointer(&arg))
}

func (b *DeviceBackend) UnmapDMA(iovaAddr uint64, length uint64) error {
	arg := iommufdIoasUnmapArgs{
		Size:   uint32(unsafe.Sizeof(iommufdIoasUnmapArgs{})),
		IoasID: b.ioasID,
		Iova:   iovaAddr,
		Length: length,
	}
	return ioctlPtr(b.iommufdFD, iommufdIoasUnmap, unsafe.Pointer(&arg))
}

func (b *DeviceBackend) DeviceFD() int { return b.deviceFD }

func (b *DeviceBackend) IovaRanges() []iova.Range { return b.ranges }

func (b *DeviceBackend) Close() error {
	unix.Close(b.deviceFD)
	return unix.Close(b.iommufdFD)
}

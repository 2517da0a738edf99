package iommu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/nvme-uio/internal/iova"
)

// VFIO container ioctl numbers and flags, from linux/vfio.h. Not exposed
// by golang.org/x/sys/unix, so declared locally the way the teacher
// declares its own ublk ioctl constants in internal/uapi/constants.go.
const (
	vfioTypeMagic     = 0x3b
	vfioGetAPIVersion = 0x3b00 // _IO(';', 0)
	vfioCheckExtension = 0x3b01
	vfioSetIOMMU      = 0x3b02
	vfioGroupGetStatus = 0x3b03
	vfioGroupSetContainer = 0x3b04
	vfioGroupGetDeviceFD = 0x3b06
	vfioIOMMUMapDMA   = 0x3b13
	vfioIOMMUUnmapDMA = 0x3b14

	vfioTypeIOMMU = 1 // VFIO_TYPE1_IOMMU

	vfioDMAMapFlagRead  = 1 << 0
	vfioDMAMapFlagWrite = 1 << 1
)

type vfioIOMMUTypeDMAMap struct {
	Argsz uint32
	Flags uint32
	Vaddr uint64
	Iova  uint64
	Size  uint64
}

type vfioIOMMUTypeDMAUnmap struct {
	Argsz uint32
	Flags uint32
	Iova  uint64
	Size  uint64
}

// ContainerBackend implements Backend against the legacy VFIO container
// model: a group fd joined to a container fd, with DMA mappings issued
// as ioctls against the container. Mirrors libvfn's src/iommu/vfio.c.
type ContainerBackend struct {
	groupFD     int
	containerFD int
	deviceFD    int
	ranges      []iova.Range
}

// OpenContainerBackend opens the VFIO group at groupPath (e.g.
// /dev/vfio/<group>), joins it to a fresh container, and gets a device fd
// for the device named by busID (e.g. a PCI BDF string).
func OpenContainerBackend(groupPath, busID string) (*ContainerBackend, error) {
	containerFD, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/vfio/vfio: %w", err)
	}

	groupFD, err := unix.Open(groupPath, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(containerFD)
		return nil, fmt.Errorf("open %s: %w", groupPath, err)
	}

	if err := ioctlNoArg(groupFD, vfioGroupSetContainer, containerFD); err != nil {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return nil, fmt.Errorf("VFIO_GROUP_SET_CONTAINER: %w", err)
	}

	if err := ioctlNoArg(containerFD, vfioSetIOMMU, vfioTypeIOMMU); err != nil {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return nil, fmt.Errorf("VFIO_SET_IOMMU: %w", err)
	}

	deviceFD, err := ioctlDeviceFDGet(groupFD, busID)
	if err != nil {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return nil, fmt.Errorf("VFIO_GROUP_GET_DEVICE_FD: %w", err)
	}

	return &ContainerBackend{
		groupFD:     groupFD,
		containerFD: containerFD,
		deviceFD:    deviceFD,
		ranges:      []iova.Range{{Start: 0x10000, End: uint64(1) << 39}},
	}, nil
}

func (b *ContainerBackend) MapDMA(vaddr uintptr, length uint64, iovaAddr uint64) error {
	arg := vfioIOMMUTypeDMAMap{
		Argsz: uint32(unsafe.Sizeof(vfioIOMMUTypeDMAMap{})),
		Flags: vfioDMAMapFlagRead | vfioDMAMapFlagWrite,
		Vaddr: uint64(vaddr),
		Iova:  iovaAddr,
		Size:  length,
	}
	return ioctlPtr(b.containerFD, vfioIOMMUMapDMA, unsafe.Pointer(&arg))
}

func (b *ContainerBackend) UnmapDMA(iovaAddr uint64, length uint64) error {
	arg := vfioIOMMUTypeDMAUnmap{
		Argsz: uint32(unsafe.Sizeof(vfioIOMMUTypeDMAUnmap{})),
		Iova:  iovaAddr,
		Size:  length,
	}
	return ioctlPtr(b.containerFD, vfioIOMMUUnmapDMA, unsafe.Pointer(&arg))
}

func (b *ContainerBackend) DeviceFD() int { return b.deviceFD }

func (b *ContainerBackend) IovaRanges() []iova.Range { return b.ranges }

func (b *ContainerBackend) Close() error {
	unix.Close(b.deviceFD)
	unix.Close(b.groupFD)
	return unix.Close(b.containerFD)
}

func ioctlNoArg(fd int, req uint, arg int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlDeviceFDGet issues VFIO_GROUP_GET_DEVICE_FD, passing busID as a
// NUL-terminated C string argument per the VFIO ABI.
func ioctlDeviceFDGet(groupFD int, busID string) (int, error) {
	cstr := append([]byte(busID), 0)
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(groupFD), uintptr(vfioGroupGetDeviceFD), uintptr(unsafe.Pointer(&cstr[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(fd), nil
}

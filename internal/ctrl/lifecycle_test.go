package ctrl

import (
	"context"
	"testing"
	"time"

	"github.com/ehrlich-b/nvme-uio/internal/iommu"
	"github.com/ehrlich-b/nvme-uio/internal/mmio"
)

// newTestBAR builds a BAR0-sized region with CAP preset to a small
// MQES/DSTRD=0/TO=1 (1s timeout: 500ms × (TO+1)), the values every lifecycle test in
// this package exercises against.
func newTestBAR() *mmio.Region {
	buf := make([]byte, 0x2000)
	bar := mmio.NewRegion(buf)
	capVal := uint64(63) | uint64(1)<<24 // MQES=63, TO=1 (1s)
	bar.WriteLH64(regCAP, capVal)
	return bar
}

// simulateDeviceRDY spawns a goroutine that mimics firmware: whenever it
// observes CC.EN transition, it flips CSTS.RDY to match after a short
// delay, so Enable()/Reset() have something to observe completing.
func simulateDeviceRDY(t *testing.T, bar *mmio.Region, stop <-chan struct{}) {
	t.Helper()
	go func() {
		lastEN := false
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			en := bar.Read32(regCC)&ccEN != 0
			if en != lastEN {
				lastEN = en
				if en {
					bar.Write32(regCSTS, cstsRDY)
				} else {
					bar.Write32(regCSTS, 0)
				}
			}
		}
	}()
}

func TestResetWithoutDeviceSucceedsImmediately(t *testing.T) {
	bar := newTestBAR()
	c := New(bar, iommu.New(iommu.NewMockBackend(), nil), Opts{})
	capRaw := bar.ReadLH64(regCAP)
	c.cap = decodeCAP(capRaw)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
}

func TestEnableTimesOutWithoutSimulatedDevice(t *testing.T) {
	bar := newTestBAR()
	c := New(bar, iommu.New(iommu.NewMockBackend(), nil), Opts{AdminQueueSize: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Enable(ctx); err == nil {
		t.Fatal("expected Enable to time out with nothing flipping CSTS.RDY")
	}
}

func TestEnableReachesReadyWithSimulatedDevice(t *testing.T) {
	bar := newTestBAR()
	stop := make(chan struct{})
	defer close(stop)
	simulateDeviceRDY(t, bar, stop)

	c := New(bar, iommu.New(iommu.NewMockBackend(), nil), Opts{AdminQueueSize: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset after Enable: %v", err)
	}
}

func TestEnableRejectsMPSMinAboveHostPageShift(t *testing.T) {
	buf := make([]byte, 0x2000)
	bar := mmio.NewRegion(buf)
	// MPSMIN=1 means the device's minimum page size is 2^(12+1)=8192,
	// larger than the host's fixed 4096-byte page.
	capVal := uint64(63) | uint64(1)<<24 | uint64(1)<<48
	bar.WriteLH64(regCAP, capVal)

	c := New(bar, iommu.New(iommu.NewMockBackend(), nil), Opts{AdminQueueSize: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Enable(ctx); err == nil {
		t.Fatal("expected Enable to reject CAP.MPSMIN exceeding the host page shift")
	}
}

func TestEnableRejectsUnrecognizedClassCode(t *testing.T) {
	bar := newTestBAR()
	c := New(bar, iommu.New(iommu.NewMockBackend(), nil), Opts{AdminQueueSize: 4, ClassCode: 0x020000})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Enable(ctx); err == nil {
		t.Fatal("expected Enable to reject a non-NVMe PCI class code")
	}
}

func TestEnableSetsAdministrativeForAdminOnlyClassCode(t *testing.T) {
	bar := newTestBAR()
	stop := make(chan struct{})
	defer close(stop)
	simulateDeviceRDY(t, bar, stop)

	c := New(bar, iommu.New(iommu.NewMockBackend(), nil), Opts{AdminQueueSize: 4, ClassCode: classCodeAdministrative})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !c.Administrative() {
		t.Error("expected Administrative() to be true for an admin-only class code")
	}

	nsqr, ncqr, err := c.NegotiateQueueCount(ctx)
	if err != nil {
		t.Fatalf("NegotiateQueueCount: %v", err)
	}
	if nsqr != 0 || ncqr != 0 {
		t.Errorf("NegotiateQueueCount on an administrative controller = (%d, %d), want (0, 0)", nsqr, ncqr)
	}
}

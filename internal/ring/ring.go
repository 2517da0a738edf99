// Package ring provides an optional interrupt-driven alternative to a
// CompletionQueue's portable busy-spin wait. The default build offers only
// the stub below; building with -tags giouring arms a real io_uring ring
// against a controller's MSI-X eventfd and blocks in the kernel instead of
// spinning the calling goroutine.
package ring

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by New when built without the giouring tag.
var ErrUnsupported = errors.New("ring: interrupt-driven wait requires building with -tags giouring")

// Waiter blocks until a completion queue's device has signalled activity,
// as a replacement for CompletionQueue.WaitCqes's busy-spin loop. Callers
// still consult the completion queue's own head/phase state after Wait
// returns; Wait only promises that it is worth looking.
type Waiter interface {
	// Wait blocks until the device's eventfd is readable or ctx is done.
	Wait(ctx context.Context) error

	// Close releases the underlying ring and stops watching the eventfd.
	Close() error
}

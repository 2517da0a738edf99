//go:build giouring

// Package ring, under this build tag, arms a real io_uring instance
// against a controller's MSI-X eventfd so WaitCqes callers block in the
// kernel rather than busy-spinning the calling goroutine.
package ring

import (
	"context"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/nvme-uio/internal/errs"
)

// eventfdWaiter owns a single-entry io_uring ring whose lone submission is
// a standing read against the MSI-X eventfd; every CQE it produces means
// the interrupt fired at least once since the last Wait.
type eventfdWaiter struct {
	ring *giouring.Ring
	fd   int32
	buf  [8]byte
}

// New creates a Waiter that blocks on msixFd, the eventfd bound to the
// controller's completion-queue interrupt via VFIO_DEVICE_SET_IRQS. entries
// sizes the underlying io_uring's SQ/CQ; 1 is sufficient since only one
// read is ever outstanding.
func New(msixFd int, entries uint32) (Waiter, error) {
	r, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, errs.WrapBackendErr("ring", "new", err)
	}

	w := &eventfdWaiter{ring: r, fd: int32(msixFd)}
	if err := w.arm(); err != nil {
		r.QueueExit()
		return nil, err
	}
	return w, nil
}

// arm submits the standing read that will complete the next time the
// eventfd counter becomes nonzero.
func (w *eventfdWaiter) arm() error {
	sqe := w.ring.GetSQE()
	if sqe == nil {
		return errs.New("ring", "arm", errs.CodeBusy, "submission queue full arming eventfd read")
	}
	sqe.PrepareRead(w.fd, w.buf[:], 0)
	sqe.UserData = uint64(w.fd)
	if _, err := w.ring.Submit(); err != nil {
		return errs.WrapBackendErr("ring", "arm", err)
	}
	return nil
}

// Wait blocks until the armed read completes (the device raised its
// interrupt at least once) or ctx is done, re-arming for the next call.
func (w *eventfdWaiter) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		cqe, err := w.ring.WaitCQEvents(1)
		if err != nil {
			done <- errs.WrapBackendErr("ring", "wait", err)
			return
		}
		w.ring.SeenCQE(cqe)
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return w.arm()
	case <-ctx.Done():
		return errs.New("ring", "wait", errs.CodeTimeout, ctx.Err().Error())
	}
}

// Close tears down the underlying io_uring instance.
func (w *eventfdWaiter) Close() error {
	w.ring.QueueExit()
	return nil
}

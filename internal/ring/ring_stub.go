//go:build !giouring

package ring

// New is available when built with -tags giouring. Without the tag, callers
// are expected to fall back to CompletionQueue.WaitCqes's busy-spin path.
func New(msixFd int, entries uint32) (Waiter, error) {
	return nil, ErrUnsupported
}

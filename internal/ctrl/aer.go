package ctrl

import (
	"github.com/ehrlich-b/nvme-uio/internal/constants"
	"github.com/ehrlich-b/nvme-uio/internal/wire"
)

// aerState tracks whether a standing Async Event Request is currently
// outstanding and the handlers registered to receive dispatched events.
// The admin queue's oneshot() path and the AER path share one SQ/CQ, so
// AER completions are told apart from oneshot completions purely by the
// reserved high bit in Cid (constants.AERCidBit): AER commands never go
// through the RqTable's index-based Cid allocation, since there is only
// ever at most one outstanding at a time.
type aerState struct {
	outstanding bool
	handlers    []func(eventType, info uint32, lid uint32)
}

func newAERState() *aerState {
	return &aerState{}
}

// OnAsyncEvent registers a callback invoked whenever a dispatched AER
// completion arrives. Handlers run synchronously on the oneshot/poll
// goroutine that observed the completion.
func (c *Controller) OnAsyncEvent(fn func(eventType, info uint32, lid uint32)) {
	c.aer.handlers = append(c.aer.handlers, fn)
}

// EnableAER submits the standing Async Event Request command. Must be
// called after Enable; re-submission after each dispatched event happens
// automatically in handleAER.
func (c *Controller) EnableAER() {
	if c.aer.outstanding {
		return
	}
	cmd := wire.NewAsyncEventRequest(constants.AERCidBit)
	c.adminSQ.Post(cmd)
	c.opts.Observer.OnDbbuf(!c.adminSQ.Exec())
	c.aer.outstanding = true
}

// handleAER dispatches one AER completion to every registered handler
// and immediately re-submits the standing command, since NVMe only ever
// keeps one AER outstanding at a time.
func (c *Controller) handleAER(cqe wire.Cqe) {
	c.aer.outstanding = false
	c.opts.Observer.OnAerDispatch()

	eventType := wire.AenType(cqe.Dw0)
	info := wire.AenInfo(cqe.Dw0)
	lid := wire.AenLID(cqe.Dw0)
	for _, h := range c.aer.handlers {
		h(eventType, info, lid)
	}

	c.EnableAER()
}

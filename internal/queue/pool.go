package queue

import (
	"sync"

	"github.com/ehrlich-b/nvme-uio/internal/constants"
)

// prpPagePool hands out PageSize-sized scratch buffers for PRP list
// pages, avoiding a hot-path allocation per multi-page I/O command.
// Narrowed from the teacher's bucketed buffer pool (which sized for
// variable-length block I/O payloads) to a single fixed size, since a
// PRP list page is always exactly one page regardless of transfer size.
var prpPagePool = sync.Pool{
	New: func() any {
		b := make([]byte, constants.PageSize)
		return &b
	},
}

// GetPRPListPage returns a zeroed PageSize-sized scratch buffer. Caller
// must call PutPRPListPage when the command it backs has completed.
func GetPRPListPage() []byte {
	buf := *(prpPagePool.Get().(*[]byte))
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// PutPRPListPage returns buf to the pool. buf must have been obtained
// from GetPRPListPage.
func PutPRPListPage(buf []byte) {
	if cap(buf) != constants.PageSize {
		return
	}
	buf = buf[:constants.PageSize]
	prpPagePool.Put(&buf)
}

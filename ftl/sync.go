package ftl

import (
	"context"
	"runtime"

	"github.com/octl/hostftl/blockmgr"
	"github.com/octl/hostftl/device"
)

// yield cooperatively gives up the processor, used by the discard and GC
// spin-retry loops instead of busy-spinning.
func yield() {
	runtime.Gosched()
}

// syncIO submits rq and blocks until it completes. This is the one place
// a worker goroutine sleeps on I/O, matching GC's synchronous
// read-modify-write cycle.
func (f *FTL) syncIO(ctx context.Context, lun *blockmgr.Lun, rq *device.RQ) error {
	done := make(chan error, 1)
	rq.EndIO = func(err error) { done <- err }

	if err := f.bm.SubmitIO(ctx, lun, rq); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package ftl

import (
	"context"

	"github.com/octl/hostftl/device"
	"github.com/octl/hostftl/errs"
)

// Outcome is the result of dispatching one request.
type Outcome int

const (
	// OK: submitted to the device; completion runs asynchronously.
	OK Outcome = iota
	// Done: completed immediately with success (e.g. unmapped read).
	Done
	// Err: completed immediately with an I/O error.
	Err
	// Requeue: caller should append to the requeue list and kick GC if
	// due to lack of a free page.
	Requeue
)

// PendingRQ is one host bio: direction, logical start, length, payload,
// and a completion callback invoked once the outcome is final.
type PendingRQ struct {
	Dir     device.Dir
	Logical int64
	NPages  int
	Data    []byte
	IsGC    bool
	OnDone  func(Outcome, error)
}

// Submit builds a PendingRQ and dispatches it through MakeRQ, automatically
// appending it to the requeue list on a Requeue outcome, so external
// callers don't have to reimplement that contract. GC is kicked by the
// write path itself when a write requeues for lack of a free page; a
// requeue caused by an inflight conflict does not kick GC.
func (f *FTL) Submit(ctx context.Context, dir device.Dir, logical int64, npages int, data []byte, isGC bool, onDone func(Outcome, error)) Outcome {
	pr := &PendingRQ{Dir: dir, Logical: logical, NPages: npages, Data: data, IsGC: isGC, OnDone: onDone}
	outcome := f.MakeRQ(ctx, pr)
	if outcome == Requeue {
		f.Requeue(pr)
	}
	return outcome
}

// MakeRQ dispatches one request: discard inline, writes through writeRQ,
// reads through readRQ.
func (f *FTL) MakeRQ(ctx context.Context, pr *PendingRQ) Outcome {
	if pr.Logical < 0 || pr.Logical+int64(pr.NPages) > f.nrPages {
		if pr.OnDone != nil {
			pr.OnDone(Err, errs.New(errs.DeviceProtocol, "logical range beyond addressable pages"))
		}
		return Err
	}
	switch pr.Dir {
	case device.Discard:
		f.Discard(ctx, pr.Logical, pr.NPages)
		if pr.OnDone != nil {
			pr.OnDone(Done, nil)
		}
		return Done
	case device.Write:
		return f.writeRQ(ctx, pr)
	case device.Read:
		return f.readRQ(ctx, pr)
	default:
		if pr.OnDone != nil {
			pr.OnDone(Err, errs.New(errs.DeviceProtocol, "unknown request direction"))
		}
		return Err
	}
}

// Requeue appends pr to the FTL's requeue list; a requeue worker is
// expected to call MakeRQ again for each entry it drains.
func (f *FTL) Requeue(pr *PendingRQ) {
	f.requeueMu.Lock()
	defer f.requeueMu.Unlock()
	f.requeueList = append(f.requeueList, pr)
}

// DrainRequeue removes and returns every currently queued request.
func (f *FTL) DrainRequeue() []*PendingRQ {
	f.requeueMu.Lock()
	defer f.requeueMu.Unlock()
	out := f.requeueList
	f.requeueList = nil
	return out
}

func (f *FTL) writeRQ(ctx context.Context, pr *PendingRQ) Outcome {
	if !f.inflight.lock(pr.Logical, pr.Logical) {
		return Requeue
	}

	b, slot, ok := f.mapPage(pr.Logical, pr.IsGC)
	if !ok {
		f.inflight.unlock(pr.Logical, pr.Logical)
		f.kickGC()
		return Requeue
	}

	phys := physAddr(b.ID, slot, f.pagesPerBlock)
	f.updateMap(pr.Logical, b, phys, pr.IsGC)

	lun := f.lunForBlock(b)
	rq := &device.RQ{
		Dir:      device.Write,
		Sector:   nvmGetSector(uint64(phys)),
		NSectors: NRPhyInLog,
		Data:     pr.Data,
	}
	logical, isGC, onDone := pr.Logical, pr.IsGC, pr.OnDone
	rq.EndIO = func(err error) {
		f.endIOWrite(b)
		if !isGC {
			f.inflight.unlock(logical, logical)
		}
		if onDone == nil {
			return
		}
		if err != nil {
			onDone(Err, err)
		} else {
			onDone(OK, nil)
		}
	}

	if err := f.bm.SubmitIO(ctx, lun, rq); err != nil {
		rq.EndIO(err)
		return Err
	}
	return OK
}

func (f *FTL) readRQ(ctx context.Context, pr *PendingRQ) Outcome {
	if !pr.IsGC {
		if !f.inflight.lock(pr.Logical, pr.Logical) {
			return Requeue
		}
	}

	entry := f.lookupL2P(pr.Logical)
	if !entry.mapped() {
		if !pr.IsGC {
			f.inflight.unlock(pr.Logical, pr.Logical)
		}
		if pr.OnDone != nil {
			pr.OnDone(Done, nil)
		}
		return Done
	}

	blockID, _ := blockAndSlot(entry.addr, f.pagesPerBlock)
	b := f.bm.BlockByID(blockID)
	lun := f.lunForBlock(b)

	rq := &device.RQ{
		Dir:      device.Read,
		Sector:   nvmGetSector(uint64(entry.addr)),
		NSectors: NRPhyInLog,
		Data:     pr.Data,
	}
	logical, isGC, onDone := pr.Logical, pr.IsGC, pr.OnDone
	rq.EndIO = func(err error) {
		if !isGC {
			f.inflight.unlock(logical, logical)
		}
		if onDone == nil {
			return
		}
		if err != nil {
			onDone(Err, err)
		} else {
			onDone(OK, nil)
		}
	}

	if err := f.bm.SubmitIO(ctx, lun, rq); err != nil {
		rq.EndIO(err)
		return Err
	}
	return OK
}

// Discard invalidates every logical page in [lStart, lStart+n) without
// erasing its physical block; GC reclaims the space later. Spin-yields
// against the inflight lock rather than requeuing.
func (f *FTL) Discard(ctx context.Context, lStart int64, n int) {
	lEnd := lStart + int64(n) - 1
	for !f.inflight.lock(lStart, lEnd) {
		yield()
	}
	defer f.inflight.unlock(lStart, lEnd)

	f.revMu.Lock()
	defer f.revMu.Unlock()
	for i := lStart; i <= lEnd; i++ {
		e := f.transMap[i]
		if !e.mapped() {
			continue
		}
		blockID, slot := blockAndSlot(e.addr, f.pagesPerBlock)
		f.bm.BlockByID(blockID).Invalidate(slot)
		f.revMap[e.addr-f.poffset] = revEntry{addr: empty}
		f.transMap[i] = l2pEntry{addr: empty, blockID: empty}
	}
}


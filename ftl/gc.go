package ftl

import (
	"context"

	"github.com/octl/hostftl/blockmgr"
	"github.com/octl/hostftl/device"
	"github.com/octl/hostftl/errs"
)

// pageBytes is the byte size of one page's synchronous GC I/O buffer.
const pageBytes = NRPhyInLog * 512

// LunGC runs one victim-selection pass for a single LUN. Intended to be
// invoked from the per-LUN ordered pool on each GC tick.
func (f *FTL) LunGC(ctx context.Context, lunID int) {
	shadow := f.shadowsByLun[lunID]
	if shadow == nil {
		return
	}

	need := shadow.lun.NrBlocks / gcLimitInverse
	if nrLuns := len(f.shadows); need < nrLuns {
		need = nrLuns
	}

	for {
		shadow.Lock()
		if need <= shadow.lun.NrFreeBlocks() || shadow.prioList.Len() == 0 {
			shadow.Unlock()
			return
		}
		rb := shadow.findMaxInvalid()
		if rb == nil || rb.block.NrInvalidPages() == 0 {
			shadow.Unlock()
			return
		}
		if !rb.block.Full() {
			shadow.Unlock()
			panic("ftl: gc victim block is not full")
		}
		shadow.removePriority(rb)
		need--
		shadow.Unlock()

		// Reclamation runs inline, on the goroutine that called LunGC
		// (the LUN's ordered worker when driven by executor.GCTicker).
		if err := f.BlockGC(ctx, rb.block); err != nil {
			f.markStranded(rb.block.ID)
			f.log.Error("ftl: block gc failed, block stranded",
				"block", rb.block.ID, "err", err)
		}
	}
}

// BlockGC reclaims one full victim block: migrates its live pages, then
// erases and returns it to the free list.
func (f *FTL) BlockGC(ctx context.Context, b *blockmgr.Block) error {
	if err := f.moveValidPages(ctx, b); err != nil {
		return err
	}
	lun := f.lunForBlock(b)
	if err := f.bm.EraseBlock(ctx, lun, b); err != nil {
		return errs.Wrap(errs.GCWriteFail, "erase_block", err)
	}
	f.bm.PutBlock(lun, b)
	return nil
}

// moveValidPages migrates every still-valid page off b by synchronously
// reading it and writing it to a fresh mapping. Success requires b to
// end up fully invalidated; anything else is reported and the block is
// left in used.
func (f *FTL) moveValidPages(ctx context.Context, b *blockmgr.Block) error {
	if b.AllInvalid() {
		return nil
	}

	// One page buffer borrowed for the whole block's read-modify-write
	// cycle, returned when the block is done.
	buf := f.pagePool.Get().([]byte)
	defer f.pagePool.Put(buf)

	for slot := 0; slot < b.PagesPerBlock(); slot++ {
		if b.IsInvalid(slot) {
			continue
		}
		phys := physAddr(b.ID, slot, f.pagesPerBlock)

		var logical int64
		for {
			rev := f.lookupRev(phys)
			if rev == empty {
				// invalidated between iterations; nothing to move
				logical = empty
				break
			}
			if !f.inflight.lock(rev, rev) {
				yield()
				continue
			}
			// re-check under the inflight lock: discard or another GC
			// pass could have invalidated it while we waited
			rev2 := f.lookupRev(phys)
			if rev2 != rev {
				f.inflight.unlock(rev, rev)
				if rev2 == empty {
					logical = empty
					break
				}
				continue
			}
			logical = rev
			break
		}
		if logical == empty {
			continue
		}

		srcLun := f.lunForBlock(b)
		readRQ := &device.RQ{
			Dir:      device.Read,
			Sector:   nvmGetSector(uint64(phys)),
			NSectors: NRPhyInLog,
			Data:     buf,
		}
		if err := f.syncIO(ctx, srcLun, readRQ); err != nil {
			f.inflight.unlock(logical, logical)
			return errs.Wrap(errs.GCReadFail, "gc read", err)
		}

		nb, nslot, ok := f.mapPage(logical, true)
		if !ok {
			f.inflight.unlock(logical, logical)
			return errs.New(errs.GCWriteFail, "gc write: no free page")
		}
		nphys := physAddr(nb.ID, nslot, f.pagesPerBlock)
		f.updateMap(logical, nb, nphys, true)

		dstLun := f.lunForBlock(nb)
		writeRQ := &device.RQ{
			Dir:      device.Write,
			Sector:   nvmGetSector(uint64(nphys)),
			NSectors: NRPhyInLog,
			Data:     buf,
		}
		if err := f.syncIO(ctx, dstLun, writeRQ); err != nil {
			f.inflight.unlock(logical, logical)
			return errs.Wrap(errs.GCWriteFail, "gc write", err)
		}
		f.endIOWrite(nb)
		f.inflight.unlock(logical, logical)
	}

	if !b.AllInvalid() {
		return errs.New(errs.GCWriteFail, "block not fully invalidated after gc")
	}
	return nil
}

// lookupRev reads one rev_map slot under the reverse-map lock.
func (f *FTL) lookupRev(phys int64) int64 {
	f.revMu.Lock()
	defer f.revMu.Unlock()
	return f.revMap[phys-f.poffset].addr
}

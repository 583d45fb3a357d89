// Package ftl implements the Round-Robin Page FTL (RRPC): address
// translation, per-LBA locking, write-path mapping, the garbage
// collector, discard, and request completion.
package ftl

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/octl/hostftl/blockmgr"
	"github.com/octl/hostftl/errs"
)

// gcLimitInverse sizes a LUN's GC need as nr_blocks/gcLimitInverse.
const gcLimitInverse = 10

// FTL is one Round-Robin Page FTL instance, owning a contiguous range of
// LUNs borrowed from a Block Manager.
type FTL struct {
	bm  *blockmgr.Manager
	log *slog.Logger

	lunOffset    int
	nrLuns       int
	shadows      []*lunShadow
	shadowsByLun map[int]*lunShadow

	pagesPerBlock int
	poffsetBlock  int // first global block ID owned by this FTL
	poffset       int64
	nrPages       int64

	revMu    sync.Mutex
	transMap []l2pEntry
	revMap   []revEntry

	inflight *inflightSet
	nextLun  atomic.Uint32

	requeueMu   sync.Mutex
	requeueList []*PendingRQ

	strandedMu sync.Mutex
	stranded   []int

	// pagePool lends single-page buffers to GC's read-modify-write
	// cycle, so each block migration reuses one buffer instead of
	// allocating per page.
	pagePool sync.Pool

	gcKick chan struct{}
}

// New constructs an FTL instance owning LUNs [lunOffset, lunOffset+nrLuns)
// of bm, with nrPages logical pages addressable. nrInflightPartitions <= 0
// falls back to defaultInflightPartitions.
func New(bm *blockmgr.Manager, log *slog.Logger, lunOffset, nrLuns int, nrPages int64, nrInflightPartitions int) *FTL {
	if log == nil {
		log = slog.Default()
	}
	f := &FTL{
		bm:        bm,
		log:       log,
		lunOffset: lunOffset,
		nrLuns:    nrLuns,
		nrPages:   nrPages,
		inflight:  newInflightSet(nrInflightPartitions),
		gcKick:    make(chan struct{}, 1),
	}
	f.pagePool.New = func() any { return make([]byte, pageBytes) }
	return f
}

// Attach wires LUN shadows onto the borrowed Block Manager LUNs, derives
// the physical address space this FTL instance owns, starts with empty
// maps (nothing persists across restarts), assigns the append cursors
// and queues full used blocks for GC (see rebuildBlockState).
func (f *FTL) Attach(ctx context.Context) error {
	f.shadowsByLun = make(map[int]*lunShadow)
	lunEnd := f.lunOffset + f.nrLuns
	if lunEnd > f.bm.NrLuns() {
		lunEnd = f.bm.NrLuns()
	}
	nrLuns := 0
	for i := f.lunOffset; i < lunEnd; i++ {
		lun := f.bm.Lun(i)
		if i == f.lunOffset {
			f.pagesPerBlock = lun.PagesPerBlock
		}
		shadow := newLunShadow(lun)
		f.shadows = append(f.shadows, shadow)
		f.shadowsByLun[lun.ID] = shadow
		nrLuns++
	}
	if len(f.shadows) == 0 {
		return errs.New(errs.GeometryInvalid, "no luns owned by this ftl instance")
	}

	f.poffsetBlock = f.bm.LunBlockBase(f.lunOffset)
	f.poffset = int64(f.poffsetBlock) * int64(f.pagesPerBlock)

	f.transMap = make([]l2pEntry, f.nrPages)
	for i := range f.transMap {
		f.transMap[i] = l2pEntry{addr: empty, blockID: empty}
	}
	// The reverse map covers the owned physical range, keyed by
	// phys - poffset; that range can exceed the logical page count when
	// the device overprovisions.
	ownedPages := int64(0)
	for _, shadow := range f.shadows {
		ownedPages += int64(shadow.lun.NrBlocks) * int64(f.pagesPerBlock)
	}
	f.revMap = make([]revEntry, ownedPages)
	for i := range f.revMap {
		f.revMap[i] = revEntry{addr: empty}
	}

	reserved := int64(nrLuns) * int64(f.pagesPerBlock) * 4
	if reserved >= f.nrPages {
		return errs.New(errs.GeometryInvalid, "reserved pages exceed nr_pages")
	}

	f.configureLuns()
	f.rebuildBlockState()
	return nil
}

// configureLuns assigns each LUN's initial cur/gc_cur blocks: pull one
// block for host writes and one for GC so the first write never pays the
// get_block cost on the hot path.
func (f *FTL) configureLuns() {
	for _, shadow := range f.shadows {
		cur := f.bm.GetBlock(shadow.lun, blockmgr.Host)
		gc := f.bm.GetBlock(shadow.lun, blockmgr.GC)

		shadow.Lock()
		if cur != nil {
			shadow.cur = &rblock{block: cur}
		}
		if gc != nil {
			shadow.gcCur = &rblock{block: gc}
		}
		shadow.Unlock()
	}
}

// rebuildBlockState puts every full used block of the owned LUNs, other
// than the current append cursors, at the tail of its LUN's priority
// list. It does not change any block's invalid-page bitmap or append
// cursor; blocks the Block Manager marked used from the device L2P table
// keep the cursor of 0 they were created with, so they are not full and
// are not queued.
func (f *FTL) rebuildBlockState() {
	for _, shadow := range f.shadows {
		base := f.bm.LunBlockBase(shadow.lun.ID)
		for i := 0; i < shadow.lun.NrBlocks; i++ {
			b := f.bm.BlockByID(base + i)
			if b.State() != blockmgr.InUse {
				continue
			}
			if b == shadowCurBlock(shadow) || b == shadowGCCurBlock(shadow) {
				continue
			}
			// trans_map starts empty, so no logical page maps into a
			// leftover used block; only a full one is queued here.
			if b.Full() {
				rb := &rblock{block: b}
				shadow.Lock()
				shadow.enqueuePriority(rb)
				shadow.Unlock()
			}
		}
	}
}

func shadowCurBlock(s *lunShadow) *blockmgr.Block {
	if s.cur == nil {
		return nil
	}
	return s.cur.block
}

func shadowGCCurBlock(s *lunShadow) *blockmgr.Block {
	if s.gcCur == nil {
		return nil
	}
	return s.gcCur.block
}

// Capacity reports the capacity exposed to the host, in sectors.
func (f *FTL) Capacity() int64 {
	reserved := int64(len(f.shadows)) * int64(f.pagesPerBlock) * 4
	if reserved >= f.nrPages {
		f.log.Error("ftl: capacity computed with reserved >= nr_pages")
		return 0
	}
	return (f.nrPages - reserved) / 10 * 9 * NRPhyInLog
}

// totalFreeBlocks sums nr_free_blocks across every owned LUN, read
// lock-free as an estimate (used for the whole-FTL low-water check).
func (f *FTL) totalFreeBlocks() int {
	total := 0
	for _, shadow := range f.shadows {
		total += shadow.lun.NrFreeBlocks()
	}
	return total
}

// pickHostLun selects the next LUN for a host write, round-robin.
func (f *FTL) pickHostLun() *lunShadow {
	n := uint32(len(f.shadows))
	idx := f.nextLun.Add(1) % n
	return f.shadows[idx]
}

// pickGCLun selects the LUN with the largest free-block count for a GC
// write, read lock-free since an estimate suffices.
func (f *FTL) pickGCLun() *lunShadow {
	var best *lunShadow
	bestFree := -1
	for _, shadow := range f.shadows {
		free := shadow.lun.NrFreeBlocks()
		if free > bestFree {
			best = shadow
			bestFree = free
		}
	}
	return best
}

// allocFromCursor reserves a page slot from *cur, installing a fresh
// block via get_block(lun, flags) when *cur is nil or full. Caller must
// hold the shadow lock (get_block takes the LUN's own lock internally,
// a distinct mutex, so this nests safely).
func (f *FTL) allocFromCursor(shadow *lunShadow, cur **rblock, flags blockmgr.GetFlags) (*blockmgr.Block, int, bool) {
	rb := *cur
	if rb != nil && !rb.block.Full() {
		slot, _ := rb.block.ReserveNextPage()
		return rb.block, slot, true
	}
	nb := f.bm.GetBlock(shadow.lun, flags)
	if nb == nil {
		return nil, 0, false
	}
	rb = &rblock{block: nb}
	*cur = rb
	slot, _ := rb.block.ReserveNextPage()
	return rb.block, slot, true
}

// mapPage picks a target LUN and a physical page for logical: host
// writes go round-robin and are refused below the free-block low-water;
// GC writes go to the LUN with the most free blocks and may fall back
// to the GC cursor and its reserved blocks.
func (f *FTL) mapPage(logical int64, isGC bool) (*blockmgr.Block, int, bool) {
	var shadow *lunShadow
	if isGC {
		shadow = f.pickGCLun()
	} else {
		shadow = f.pickHostLun()
		if f.totalFreeBlocks() < 4*len(f.shadows) {
			return nil, 0, false
		}
	}
	if shadow == nil {
		return nil, 0, false
	}

	shadow.Lock()
	defer shadow.Unlock()

	b, slot, ok := f.allocFromCursor(shadow, &shadow.cur, blockmgr.Host)
	if ok {
		return b, slot, true
	}
	if !isGC {
		return nil, 0, false
	}
	return f.allocFromCursor(shadow, &shadow.gcCur, blockmgr.GC)
}

// updateMap installs a new mapping for logical, invalidating whatever it
// previously pointed at. Held briefly under the reverse-map lock; never
// held across I/O.
func (f *FTL) updateMap(logical int64, newBlock *blockmgr.Block, newPhys int64, isGC bool) {
	f.revMu.Lock()
	defer f.revMu.Unlock()

	old := f.transMap[logical]
	if old.mapped() {
		oldBlockID, oldSlot := blockAndSlot(old.addr, f.pagesPerBlock)
		oldBlock := f.bm.BlockByID(oldBlockID)
		oldBlock.Invalidate(oldSlot)
		f.revMap[old.addr-f.poffset] = revEntry{addr: empty}
	}

	f.transMap[logical] = l2pEntry{addr: newPhys, blockID: newBlock.ID}
	f.revMap[newPhys-f.poffset] = revEntry{addr: logical}
}

// lookupL2P reads one trans_map slot under the reverse-map lock.
func (f *FTL) lookupL2P(logical int64) l2pEntry {
	f.revMu.Lock()
	defer f.revMu.Unlock()
	return f.transMap[logical]
}

// lunForBlock returns the blockmgr.Lun owning b.
func (f *FTL) lunForBlock(b *blockmgr.Block) *blockmgr.Lun {
	return f.shadowsByLun[b.LunID].lun
}

// shadowForLun returns the lunShadow for a borrowed Lun record.
func (f *FTL) shadowForLun(lun *blockmgr.Lun) *lunShadow {
	return f.shadowsByLun[lun.ID]
}

// kickGC signals the GC ticker to run a pass promptly, without blocking
// if one is already pending.
func (f *FTL) kickGC() {
	select {
	case f.gcKick <- struct{}{}:
	default:
	}
}

// GCSignal exposes the kick channel so the Host Runtime's GC timer can
// select on it alongside its own tick, running an immediate pass when a
// write requeues for lack of a free page.
func (f *FTL) GCSignal() <-chan struct{} {
	return f.gcKick
}

// markStranded records a block GC could not reclaim, per the documented
// open question: such a block is left in used and surfaced here rather
// than silently retried or silently dropped.
func (f *FTL) markStranded(blockID int) {
	f.strandedMu.Lock()
	defer f.strandedMu.Unlock()
	f.stranded = append(f.stranded, blockID)
}

// StrandedBlocks returns the IDs of blocks GC failed to reclaim.
func (f *FTL) StrandedBlocks() []int {
	f.strandedMu.Lock()
	defer f.strandedMu.Unlock()
	out := make([]int, len(f.stranded))
	copy(out, f.stranded)
	return out
}

// endIOWrite increments a newly-written block's committed-page counter
// and, once it reaches capacity, enqueues it onto its LUN's GC priority
// list. The enqueue runs inline, on the goroutine that runs the write's
// completion.
func (f *FTL) endIOWrite(b *blockmgr.Block) {
	if b.IncCommitted() != int64(b.PagesPerBlock()) {
		return
	}
	lun := f.lunForBlock(b)
	shadow := f.shadowForLun(lun)
	rb := &rblock{block: b}
	shadow.Lock()
	shadow.enqueuePriority(rb)
	shadow.Unlock()
}

// Package blockmgr implements the Block Manager: LUN and block inventory,
// bad-block application, L2P-driven initial block classification, and the
// allocation/release primitives RRPC builds on.
package blockmgr

import (
	"context"
	"log/slog"

	"github.com/octl/hostftl/device"
	"github.com/octl/hostftl/errs"
)

// GetFlags distinguishes a GC allocation from an ordinary host allocation;
// GC may dip into the two reserved blocks per LUN, host allocations may not.
type GetFlags int

const (
	Host GetFlags = iota
	GC
)

// Manager owns every LUN and block record for an attached device. RRPC
// borrows blocks and LUNs by stable ID; the Manager never hands out
// ownership.
type Manager struct {
	dev   device.Adapter
	log   *slog.Logger
	luns  []*Lun
	arena []*Block // global block arena, indexed by Block.ID
}

func New(dev device.Adapter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{dev: dev, log: log}
}

// ErrL2PUnsupported is returned by Attach when the device does not
// report L2P-table support. A host-managed block manager only makes
// sense over a device that can report its own L2P table, since initial
// block ownership is reconciled from that table.
var ErrL2PUnsupported = errs.New(errs.DeviceProtocol, "device does not report l2p table support")

// Attach builds the LUN array, zero-initializes the block arena, places
// every block except the first block of LUN 0 onto its LUN's free list
// (that block goes on LUN 0's used list), then applies the bad-block
// table and the device L2P table.
func (m *Manager) Attach(ctx context.Context) error {
	id := m.dev.Identity()
	if id.RSP&device.RSPL2P == 0 {
		return ErrL2PUnsupported
	}
	m.luns = make([]*Lun, len(id.Chnls))
	blockID := 0

	for lunID, chnl := range id.Chnls {
		nrBlocks := int((chnl.LaddrEnd - chnl.LaddrBegin + 1) / uint64(chnl.GranErase/chnl.GranRead))
		pagesPerBlock := (chnl.GranErase / chnl.GranWrite)
		if pagesPerBlock > 2048 {
			return errs.New(errs.GeometryInvalid, "nr_pages_per_block exceeds bitmap capacity")
		}

		lun := &Lun{
			ID:             lunID,
			Chnl:           chnl,
			Dev:            m.dev,
			NrBlocks:       nrBlocks,
			ReservedBlocks: 2,
			PagesPerBlock:  pagesPerBlock,
			free:           NewBlockList(),
			used:           NewBlockList(),
			bad:            NewBlockList(),
		}
		m.luns[lunID] = lun

		for i := 0; i < nrBlocks; i++ {
			b := newBlock(blockID, lunID, pagesPerBlock)
			blockID++
			m.arena = append(m.arena, b)
			if lunID == 0 && i == 0 {
				// Page 0 is reserved device-wide; the first block of
				// LUN 0 never enters any free list.
				b.state = InUse
				b.elem = lun.used.PushBack(b)
				continue
			}
			b.elem = lun.free.PushBack(b)
			lun.nrFreeBlocks++
		}

		m.log.Debug("blockmgr: lun attached",
			"lun", lunID, "queue_size", chnl.QueueSize,
			"gran_read", chnl.GranRead, "gran_write", chnl.GranWrite,
			"gran_erase", chnl.GranErase,
			"laddr_begin", chnl.LaddrBegin, "laddr_end", chnl.LaddrEnd,
			"nr_blocks", nrBlocks)
	}

	if err := m.applyBadBlockTables(ctx); err != nil {
		m.log.Warn("blockmgr: bad block table application failed", "err", err)
	}
	if err := m.applyL2PTable(ctx, id); err != nil {
		if errs.Is(err, errs.DeviceProtocol) {
			return err
		}
		m.log.Warn("blockmgr: l2p table read failed, treating all blocks as free", "err", err)
	}
	return nil
}

func (m *Manager) applyBadBlockTables(ctx context.Context) error {
	for _, lun := range m.luns {
		var bad []bool
		err := m.dev.GetBBTable(ctx, lun.ID, lun.ID, lun.NrBlocks, func(lunID int, bits []bool) error {
			bad = bits
			return nil
		})
		if err != nil {
			return errs.Wrap(errs.BadBlockTableFail, "get_bb_tbl", err)
		}
		m.applyBadBlockBitmap(lun, bad)
	}
	return nil
}

// applyBadBlockBitmap moves blocks flagged bad from free to bad. An empty
// bitmap (no bits set) returns immediately without walking the list.
func (m *Manager) applyBadBlockBitmap(lun *Lun, bad []bool) {
	anySet := false
	for _, v := range bad {
		if v {
			anySet = true
			break
		}
	}
	if !anySet {
		return
	}

	lun.Lock()
	defer lun.Unlock()
	base := m.lunBlockBase(lun.ID)
	for i, isBad := range bad {
		if !isBad {
			continue
		}
		b := m.arena[base+i]
		if b.State() != Free {
			continue
		}
		lun.free.Remove(b.elem)
		lun.nrFreeBlocks--
		b.mu.Lock()
		b.state = Bad
		b.mu.Unlock()
		b.elem = lun.bad.PushBack(b)
	}
}

func (m *Manager) lunBlockBase(lunID int) int {
	base := 0
	for i := 0; i < lunID; i++ {
		base += m.luns[i].NrBlocks
	}
	return base
}

// applyL2PTable reconciles the device-reported L2P table into initial
// block ownership: any physical address a live entry points at moves
// that block from free to used.
func (m *Manager) applyL2PTable(ctx context.Context, id device.Identity) error {
	totalPages := 0
	for _, lun := range m.luns {
		totalPages += lun.NrBlocks * lun.PagesPerBlock
	}

	var outerErr error
	err := m.dev.GetL2PTable(ctx, 0, 0, uint64(totalPages), func(slba uint64, entries []uint64) error {
		for _, pba := range entries {
			if pba == device.L2PReserved {
				continue
			}
			if pba == device.L2PUnmapped {
				continue
			}
			if pba >= uint64(totalPages) {
				outerErr = errs.New(errs.DeviceProtocol, "l2p entry beyond total pages")
				return outerErr
			}
			m.markUsedByPhysical(pba)
		}
		return nil
	})
	if outerErr != nil {
		return outerErr
	}
	if err != nil {
		return errs.Wrap(errs.L2PFail, "get_l2p_tbl", err)
	}
	return nil
}

func (m *Manager) markUsedByPhysical(pba uint64) {
	// pba indexes pages contiguously across LUNs in attach order.
	for _, lun := range m.luns {
		pagesInLun := uint64(lun.NrBlocks * lun.PagesPerBlock)
		if pba < pagesInLun {
			blockIdx := int(pba) / lun.PagesPerBlock
			base := m.lunBlockBase(lun.ID)
			b := m.arena[base+blockIdx]

			lun.Lock()
			if b.State() == Free {
				lun.free.Remove(b.elem)
				lun.nrFreeBlocks--
				b.mu.Lock()
				b.state = InUse
				b.mu.Unlock()
				b.elem = lun.used.PushBack(b)
			}
			lun.Unlock()
			return
		}
		pba -= pagesInLun
	}
}

// Detach releases all LUN and block storage.
func (m *Manager) Detach() {
	m.luns = nil
	m.arena = nil
}

// GetBlock allocates a block from lun's free list. Host callers are
// refused once nr_free_blocks falls to the reserved headroom; GC callers
// bypass that reservation.
func (m *Manager) GetBlock(lun *Lun, flags GetFlags) *Block {
	lun.Lock()
	if flags != GC && lun.nrFreeBlocks <= lun.ReservedBlocks {
		lun.Unlock()
		return nil
	}
	b := lun.free.PopFront()
	if b == nil {
		lun.Unlock()
		return nil
	}
	lun.nrFreeBlocks--
	b.mu.Lock()
	b.state = InUse
	b.mu.Unlock()
	b.elem = lun.used.PushBack(b)
	lun.Unlock()

	b.reset()
	return b
}

// PutBlock returns a block to the tail of its LUN's free list. The bitmap
// is left dirty; it is cleared on the next GetBlock.
func (m *Manager) PutBlock(lun *Lun, b *Block) {
	lun.Lock()
	defer lun.Unlock()
	lun.used.Remove(b.elem)
	b.mu.Lock()
	b.state = Free
	b.mu.Unlock()
	b.elem = lun.free.PushBack(b)
	lun.nrFreeBlocks++
}

// EraseBlock forwards to the device adapter.
func (m *Manager) EraseBlock(ctx context.Context, lun *Lun, b *Block) error {
	return lun.Dev.EraseBlock(ctx, lun.ID, b.ID)
}

// SubmitIO passes a request straight through to the device.
func (m *Manager) SubmitIO(ctx context.Context, lun *Lun, rq *device.RQ) error {
	return lun.Dev.SubmitIO(ctx, lun.ID, rq)
}

// EndIO invokes the request owner's completion hook.
func (m *Manager) EndIO(rq *device.RQ, err error) {
	if rq.EndIO != nil {
		rq.EndIO(err)
	}
}

// BlockByID returns the arena block with the given global ID. RRPC holds
// onto these as stable weak references; the Manager remains the owner.
func (m *Manager) BlockByID(id int) *Block {
	return m.arena[id]
}

// LunBlockBase returns the first global block ID belonging to lunID.
func (m *Manager) LunBlockBase(lunID int) int {
	return m.lunBlockBase(lunID)
}

// Lun returns the LUN record for lunID.
func (m *Manager) Lun(lunID int) *Lun {
	return m.luns[lunID]
}

// NrLuns reports the number of attached LUNs.
func (m *Manager) NrLuns() int {
	return len(m.luns)
}

// GetLuns returns the contiguous LUN slice owned by a tenant.
func (m *Manager) GetLuns(begin, end int) []*Lun {
	return m.luns[begin:end]
}

// FreeBlocksReport emits a diagnostic line of per-LUN free counts.
func (m *Manager) FreeBlocksReport() {
	for _, lun := range m.luns {
		lun.Lock()
		free := lun.nrFreeBlocks
		lun.Unlock()
		m.log.Info("blockmgr: free blocks", "lun", lun.ID, "free", free, "total", lun.NrBlocks)
	}
}

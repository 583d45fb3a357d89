package blockmgr

import (
	"sync"

	"github.com/octl/hostftl/device"
)

// Lun is one logical unit: a geometry, three block lists, and the
// mutex that guards them. RRPC's own per-LUN shadow state (append
// cursors, GC priority list) is guarded by a second, separate lock one
// layer up, so neither lock needs to be reentrant.
type Lun struct {
	ID    int
	Chnl  device.Chnl
	Dev   device.Adapter

	NrBlocks       int
	ReservedBlocks int
	PagesPerBlock  int

	mu            sync.Mutex
	free          *BlockList
	used          *BlockList
	bad           *BlockList
	nrFreeBlocks  int
}

// Lock/Unlock guard the free/used/bad lists and free-block counter.
func (l *Lun) Lock()   { l.mu.Lock() }
func (l *Lun) Unlock() { l.mu.Unlock() }

// NrFreeBlocks reports the current free-block count (must be called
// with the LUN lock held, or treated as an estimate otherwise — GC LUN
// selection in the write path intentionally reads this lock-free).
func (l *Lun) NrFreeBlocks() int {
	return l.nrFreeBlocks
}

func (l *Lun) NrFreeBlocksLocked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nrFreeBlocks
}

func (l *Lun) FreeLen() int { return l.free.Len() }
func (l *Lun) UsedLen() int { return l.used.Len() }
func (l *Lun) BadLen() int  { return l.bad.Len() }

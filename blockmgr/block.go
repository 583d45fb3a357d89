package blockmgr

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/octl/hostftl/bitmap"
)

// State is a block's current list membership.
type State int

const (
	Free State = iota
	InUse
	Bad
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case InUse:
		return "used"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// Block is one erase-block, owned exclusively by the Block Manager.
// RRPC borrows it via the stable ID assigned at attach time.
type Block struct {
	ID    int
	LunID int

	mu             sync.Mutex
	state          State
	invalid        *bitmap.Bitmap
	nrInvalidPages int
	nextPage       int
	committed      atomic.Int64

	elem *list.Element // this block's element in its current BlockList
}

func newBlock(id, lunID, pagesPerBlock int) *Block {
	return &Block{
		ID:      id,
		LunID:   lunID,
		state:   Free,
		invalid: bitmap.New(pagesPerBlock),
	}
}

// State reports the block's current list membership.
func (b *Block) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NrInvalidPages reports the invalid-page count (invariant 1: equal to
// popcount(invalid_pages)).
func (b *Block) NrInvalidPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nrInvalidPages
}

// NextPage reports the append cursor.
func (b *Block) NextPage() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextPage
}

// Full reports whether the append cursor has reached the page limit.
func (b *Block) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextPage == b.invalid.Len()
}

// reset clears the bitmap/cursor/committed-count at (re)allocation.
// Must be called with the block not concurrently accessed (it has just
// left the free list and is not yet visible to RRPC).
func (b *Block) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalid.Reset()
	b.nrInvalidPages = 0
	b.nextPage = 0
	b.committed.Store(0)
}

// ReserveNextPage allocates the next page slot in append order, reporting
// the allocated slot and whether the block is now full.
func (b *Block) ReserveNextPage() (slot int, full bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot = b.nextPage
	b.nextPage++
	return slot, b.nextPage == b.invalid.Len()
}

// Invalidate marks page slot invalid (superseded or discarded).
func (b *Block) Invalidate(slot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.invalid.TestAndSet(slot) {
		b.nrInvalidPages++
	}
}

// IsInvalid reports whether slot is marked invalid.
func (b *Block) IsInvalid(slot int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalid.Test(slot)
}

// AllInvalid reports whether every page in the block is invalid.
func (b *Block) AllInvalid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalid.Full()
}

// PagesPerBlock returns the block's fixed page capacity.
func (b *Block) PagesPerBlock() int {
	return b.invalid.Len()
}

// IncCommitted increments the atomic write-completion counter and
// reports the new value, driving GC priority-list population.
func (b *Block) IncCommitted() int64 {
	return b.committed.Add(1)
}

package ftl

import (
	"container/list"
	"sync"

	"github.com/octl/hostftl/blockmgr"
)

// rblock is the RRPC shadow laid over a Block Manager block: a GC
// priority-list link plus a borrowed pointer to the block. It never owns
// the block; the Block Manager does.
type rblock struct {
	block *blockmgr.Block
	elem  *list.Element // this rblock's element in its LUN's prio_list, or nil
}

// lunShadow is RRPC's per-LUN state, layered on top of a blockmgr.Lun.
// shadow.mu guards the append cursors and the priority list; the
// blockmgr.Lun carries its own lock for the block lists. The two are
// taken in sequence (shadow first), never the other way around, which is
// what lets both stay plain non-reentrant mutexes.
type lunShadow struct {
	lun *blockmgr.Lun

	mu sync.Mutex

	cur   *rblock // host append cursor
	gcCur *rblock // GC append cursor

	prioList *list.List // of *rblock, candidates for GC
}

func newLunShadow(lun *blockmgr.Lun) *lunShadow {
	return &lunShadow{lun: lun, prioList: list.New()}
}

func (s *lunShadow) Lock()   { s.mu.Lock() }
func (s *lunShadow) Unlock() { s.mu.Unlock() }

// enqueuePriority inserts rb at the tail of the priority list. Caller
// must hold the shadow lock.
func (s *lunShadow) enqueuePriority(rb *rblock) {
	rb.elem = s.prioList.PushBack(rb)
}

// removePriority removes rb from the priority list if present. Caller
// must hold the shadow lock.
func (s *lunShadow) removePriority(rb *rblock) {
	if rb.elem != nil {
		s.prioList.Remove(rb.elem)
		rb.elem = nil
	}
}

// findMaxInvalid scans the priority list linearly and returns the rblock
// with the highest nr_invalid_pages (first encountered on ties), or nil
// if the list is empty. Caller must hold the shadow lock.
func (s *lunShadow) findMaxInvalid() *rblock {
	var best *rblock
	bestCount := -1
	for e := s.prioList.Front(); e != nil; e = e.Next() {
		rb := e.Value.(*rblock)
		n := rb.block.NrInvalidPages()
		if n > bestCount {
			best = rb
			bestCount = n
		}
	}
	return best
}

package blockmgr

import "container/list"

// BlockList is a FIFO list of blocks: pop from the front, push onto the
// back, so release-then-reallocate sees FIFO order and spreads wear
// across blocks within a LUN.
type BlockList struct {
	l *list.List
}

func NewBlockList() *BlockList {
	return &BlockList{l: list.New()}
}

func (bl *BlockList) Len() int { return bl.l.Len() }

// PushBack appends a block to the tail (used on release / attach init).
func (bl *BlockList) PushBack(b *Block) *list.Element {
	return bl.l.PushBack(b)
}

// PopFront removes and returns the head block, or nil if empty.
func (bl *BlockList) PopFront() *Block {
	e := bl.l.Front()
	if e == nil {
		return nil
	}
	bl.l.Remove(e)
	return e.Value.(*Block)
}

// Remove deletes a specific element, used when a block is reclassified
// by element handle rather than popped from the head.
func (bl *BlockList) Remove(e *list.Element) {
	bl.l.Remove(e)
}

// Each calls fn for every block, front to back.
func (bl *BlockList) Each(fn func(*Block)) {
	for e := bl.l.Front(); e != nil; e = e.Next() {
		fn(e.Value.(*Block))
	}
}

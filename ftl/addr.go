package ftl

// empty is the sentinel for "no mapping" in both the L2P and reverse L2P
// maps.
const empty = -1

// l2pEntry is one trans_map slot: a physical page number (or empty) plus
// the owning block's global ID (or -1 for none).
type l2pEntry struct {
	addr    int64
	blockID int
}

func (e l2pEntry) mapped() bool { return e.blockID != empty }

// revEntry is one rev_map slot: the logical page currently backed by this
// physical page, or empty.
type revEntry struct {
	addr int64
}

// NRPhyInLog is the device constant mapping one logical page to its
// sector count (sectors per logical page).
const NRPhyInLog = 8

// nvmGetSector maps a logical page number to its starting device sector.
func nvmGetSector(page uint64) uint64 {
	return page * NRPhyInLog
}

// physAddr computes the physical page number for a (block, slot) pair.
// Block IDs are global and every block has the same page capacity, so
// physical addressing is simply a flat block-major index.
func physAddr(blockID, slot, pagesPerBlock int) int64 {
	return int64(blockID)*int64(pagesPerBlock) + int64(slot)
}

// blockAndSlot inverts physAddr.
func blockAndSlot(phys int64, pagesPerBlock int) (blockID, slot int) {
	return int(phys / int64(pagesPerBlock)), int(phys % int64(pagesPerBlock))
}

// Package device defines the Device Adapter contract: the FTL's sole
// boundary with hardware (or a simulated backing store).
package device

import "context"

// Chnl describes one LUN's channel geometry, all sizes in bytes except
// where noted.
type Chnl struct {
	QueueSize  int
	GranRead   int
	GranWrite  int
	GranErase  int
	LaddrBegin uint64
	LaddrEnd   uint64 // inclusive
}

// Identity describes a device's static geometry and reported identity,
// the identity block a real device returns on registration.
type Identity struct {
	Vendor string
	Model  string
	Serial string

	// RSP carries response-capability flags; RSPL2P marks "device reports
	// its own L2P table" support.
	RSP uint32

	Chnls []Chnl
}

const RSPL2P uint32 = 1 << 0

// Dir is the direction of a host I/O request.
type Dir int

const (
	Read Dir = iota
	Write
	Discard
)

// RQ is one in-flight request/bio: a direction, a physical sector and
// byte length, a data payload, and a completion hook.
type RQ struct {
	Dir      Dir
	Sector   uint64
	NSectors int
	Data     []byte

	// EndIO is invoked by the adapter on completion (async for submit_io).
	EndIO func(err error)
}

// L2PEntry is one physical page number reported by get_l2p_tbl.
// Unmapped is the U64_MAX sentinel; Reserved (0) marks boot/page-0.
const (
	L2PUnmapped = ^uint64(0)
	L2PReserved = 0
)

// L2PCallback receives a contiguous run of L2P entries starting at slba.
type L2PCallback func(slba uint64, entries []uint64) error

// BBCallback receives a bad-block bitmap for one LUN: bit i set means
// block i is bad.
type BBCallback func(lunID int, bad []bool) error

// Adapter is the FTL's sole contract with hardware.
type Adapter interface {
	// SubmitIO is asynchronous; completion runs through rq.EndIO.
	SubmitIO(ctx context.Context, queue int, rq *RQ) error
	// EraseBlock erases one physical block, synchronously.
	EraseBlock(ctx context.Context, queue int, blockID int) error
	// GetL2PTable streams the device-reported L2P table.
	GetL2PTable(ctx context.Context, queue int, startLBA uint64, n uint64, cb L2PCallback) error
	// GetBBTable streams the device-reported bad-block bitmap for one LUN.
	GetBBTable(ctx context.Context, queue int, lunID int, nrBlocks int, cb BBCallback) error
	// Identity returns the device's static geometry/identity block.
	Identity() Identity
}

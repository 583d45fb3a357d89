// Package simdevice is an in-memory reference implementation of
// device.Adapter, used by tests and cmd/ftlctl's demo in place of a real
// open-channel device. Its backing store is a memfile.File sized to the
// full device capacity; each simulated submit_io copies through a
// page-aligned directio buffer so the read/write path exercises the
// same buffer alignment a real O_DIRECT-backed adapter would require,
// even though the in-memory store itself has no alignment needs.
package simdevice

import (
	"context"
	"fmt"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"

	"github.com/octl/hostftl/device"
)

// sectorSize is the minimum addressable unit for Sector/NSectors in an
// RQ, matching the 512-byte sector convention the FTL's sector math
// assumes.
const sectorSize = 512

// Device is a simulated open-channel device: one contiguous memfile
// backing store, sliced by LUN/block/page according to its geometry.
type Device struct {
	id device.Identity

	mu      sync.Mutex
	backing *memfile.File

	// badBlocks[lunID] is a bitmap (by block index) the GetBBTable
	// callback reports; nil means "no bad blocks reported".
	badBlocks map[int][]bool

	// l2p, if non-nil, is the full device-reported L2P table consulted
	// by GetL2PTable at attach. Entries are physical page numbers,
	// device.L2PUnmapped, or device.L2PReserved.
	l2p []uint64

	erasedBlocks map[int]int // blockID -> erase count, diagnostic only
}

// Option configures a Device at construction.
type Option func(*Device)

// WithBadBlocks marks the given block indices (within lunID) bad in the
// bad-block table GetBBTable will report.
func WithBadBlocks(lunID int, nrBlocks int, blockIdx ...int) Option {
	return func(d *Device) {
		bits := make([]bool, nrBlocks)
		for _, i := range blockIdx {
			bits[i] = true
		}
		if d.badBlocks == nil {
			d.badBlocks = make(map[int][]bool)
		}
		d.badBlocks[lunID] = bits
	}
}

// WithL2PTable seeds the device-reported L2P table consulted at attach.
// entries[i] is the physical page number backing logical page i, or
// device.L2PUnmapped / device.L2PReserved.
func WithL2PTable(entries []uint64) Option {
	return func(d *Device) { d.l2p = entries }
}

// New constructs a simulated device for the given identity. totalPages
// is the device's total physical page count, used to size the backing
// store (totalPages * pageBytes).
func New(id device.Identity, totalPages int, pageBytes int, opts ...Option) *Device {
	d := &Device{
		id:           id,
		erasedBlocks: make(map[int]int),
	}
	buf := make([]byte, int64(totalPages)*int64(pageBytes))
	d.backing = memfile.New(buf)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Identity() device.Identity { return d.id }

// SubmitIO simulates an async device operation: it returns at once and
// performs the copy and invokes rq.EndIO on a separate goroutine,
// matching the fire-and-forget contract real adapters offer.
func (d *Device) SubmitIO(ctx context.Context, queue int, rq *device.RQ) error {
	off := int64(rq.Sector) * sectorSize
	n := rq.NSectors * sectorSize

	go func() {
		var err error
		switch rq.Dir {
		case device.Write:
			err = d.write(off, n, rq.Data)
		case device.Read:
			err = d.read(off, n, rq.Data)
		case device.Discard:
			// Discard is handled entirely within ftl; the device has
			// nothing to do for it.
		default:
			err = fmt.Errorf("simdevice: unknown request direction %d", rq.Dir)
		}
		if rq.EndIO != nil {
			rq.EndIO(err)
		}
	}()
	return nil
}

func (d *Device) write(off int64, n int, data []byte) error {
	buf := directio.AlignedBlock(n)
	copy(buf, data)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.backing.WriteAt(buf, off)
	return err
}

func (d *Device) read(off int64, n int, data []byte) error {
	buf := directio.AlignedBlock(n)
	d.mu.Lock()
	_, err := d.backing.ReadAt(buf, off)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	copy(data, buf[:len(data)])
	return nil
}

// EraseBlock records one erase of blockID, synchronously. It does not
// clear the backing store; the block's old bytes stay in place until
// they are overwritten.
func (d *Device) EraseBlock(ctx context.Context, queue int, blockID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.erasedBlocks[blockID]++
	return nil
}

// EraseCount reports how many times blockID has been erased, a
// diagnostic used by tests asserting GC actually reclaimed a block.
func (d *Device) EraseCount(blockID int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.erasedBlocks[blockID]
}

// GetL2PTable reports the seeded L2P table, chunked through cb exactly
// once (the simulated device has no real chunking limit).
func (d *Device) GetL2PTable(ctx context.Context, queue int, startLBA uint64, n uint64, cb device.L2PCallback) error {
	if d.l2p == nil {
		return cb(startLBA, nil)
	}
	end := startLBA + n
	if end > uint64(len(d.l2p)) {
		end = uint64(len(d.l2p))
	}
	if startLBA >= end {
		return cb(startLBA, nil)
	}
	return cb(startLBA, d.l2p[startLBA:end])
}

// GetBBTable reports the seeded bad-block bitmap for lunID, or an
// all-clear bitmap if none was configured.
func (d *Device) GetBBTable(ctx context.Context, queue int, lunID int, nrBlocks int, cb device.BBCallback) error {
	bits, ok := d.badBlocks[lunID]
	if !ok {
		bits = make([]bool, nrBlocks)
	}
	return cb(lunID, bits)
}

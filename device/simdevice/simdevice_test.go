package simdevice

import (
	"bytes"
	"context"
	"testing"

	"github.com/octl/hostftl/device"
)

func testIdentity() device.Identity {
	return device.Identity{
		RSP: device.RSPL2P,
		Chnls: []device.Chnl{
			{QueueSize: 8, GranRead: 4096, GranWrite: 4096, GranErase: 16384, LaddrBegin: 0, LaddrEnd: 31},
		},
	}
}

func TestSubmitIOWriteThenRead(t *testing.T) {
	d := New(testIdentity(), 32, 4096)

	payload := make([]byte, 4096)
	copy(payload, "hello-sim-device")
	done := make(chan error, 1)
	wr := &device.RQ{Dir: device.Write, Sector: 8, NSectors: 8, Data: payload, EndIO: func(err error) { done <- err }}
	if err := d.SubmitIO(context.Background(), 0, wr); err != nil {
		t.Fatalf("SubmitIO write: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write completion: %v", err)
	}

	got := make([]byte, 4096)
	done2 := make(chan error, 1)
	rd := &device.RQ{Dir: device.Read, Sector: 8, NSectors: 8, Data: got, EndIO: func(err error) { done2 <- err }}
	if err := d.SubmitIO(context.Background(), 0, rd); err != nil {
		t.Fatalf("SubmitIO read: %v", err)
	}
	if err := <-done2; err != nil {
		t.Fatalf("read completion: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestSubmitIODiscardIsNoOp(t *testing.T) {
	d := New(testIdentity(), 32, 4096)
	done := make(chan error, 1)
	rq := &device.RQ{Dir: device.Discard, Sector: 0, NSectors: 8, EndIO: func(err error) { done <- err }}
	if err := d.SubmitIO(context.Background(), 0, rq); err != nil {
		t.Fatalf("SubmitIO discard: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("discard completion: %v", err)
	}
}

func TestEraseBlockIncrementsCount(t *testing.T) {
	d := New(testIdentity(), 32, 4096)
	if got := d.EraseCount(3); got != 0 {
		t.Fatalf("EraseCount(3) = %d before any erase, want 0", got)
	}
	if err := d.EraseBlock(context.Background(), 0, 3); err != nil {
		t.Fatalf("EraseBlock: %v", err)
	}
	if err := d.EraseBlock(context.Background(), 0, 3); err != nil {
		t.Fatalf("EraseBlock: %v", err)
	}
	if got := d.EraseCount(3); got != 2 {
		t.Fatalf("EraseCount(3) = %d after two erases, want 2", got)
	}
}

func TestGetBBTableDefaultsToAllClear(t *testing.T) {
	d := New(testIdentity(), 32, 4096)
	var reported []bool
	err := d.GetBBTable(context.Background(), 0, 0, 4, func(lunID int, bits []bool) error {
		reported = bits
		return nil
	})
	if err != nil {
		t.Fatalf("GetBBTable: %v", err)
	}
	if len(reported) != 4 {
		t.Fatalf("reported %d bits, want 4", len(reported))
	}
	for i, v := range reported {
		if v {
			t.Fatalf("bit %d unexpectedly set with no WithBadBlocks option", i)
		}
	}
}

func TestGetBBTableReportsSeededBadBlocks(t *testing.T) {
	d := New(testIdentity(), 32, 4096, WithBadBlocks(0, 4, 1, 3))
	var reported []bool
	err := d.GetBBTable(context.Background(), 0, 0, 4, func(lunID int, bits []bool) error {
		reported = bits
		return nil
	})
	if err != nil {
		t.Fatalf("GetBBTable: %v", err)
	}
	want := []bool{false, true, false, true}
	for i := range want {
		if reported[i] != want[i] {
			t.Fatalf("bit %d = %v, want %v", i, reported[i], want[i])
		}
	}
}

func TestGetL2PTableNilReportsNothing(t *testing.T) {
	d := New(testIdentity(), 32, 4096)
	called := false
	err := d.GetL2PTable(context.Background(), 0, 0, 32, func(slba uint64, entries []uint64) error {
		called = true
		if entries != nil {
			t.Fatalf("entries = %v, want nil when no L2P table was seeded", entries)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("GetL2PTable: %v", err)
	}
	if !called {
		t.Fatalf("callback was never invoked")
	}
}

func TestGetL2PTableReportsSeededEntriesAndClampsRange(t *testing.T) {
	entries := make([]uint64, 32)
	for i := range entries {
		entries[i] = device.L2PUnmapped
	}
	entries[5] = 100
	entries[6] = device.L2PReserved

	d := New(testIdentity(), 32, 4096, WithL2PTable(entries))

	var got []uint64
	var gotSLBA uint64
	err := d.GetL2PTable(context.Background(), 0, 4, 40, func(slba uint64, e []uint64) error {
		gotSLBA = slba
		got = e
		return nil
	})
	if err != nil {
		t.Fatalf("GetL2PTable: %v", err)
	}
	if gotSLBA != 4 {
		t.Fatalf("slba = %d, want 4", gotSLBA)
	}
	// requested 40 entries starting at 4, but the table only has 32: clamp to 28.
	if len(got) != 28 {
		t.Fatalf("got %d entries, want 28 (clamped to table length)", len(got))
	}
	if got[1] != 100 { // entries[5], since got[0] is entries[4]
		t.Fatalf("got[1] = %d, want 100", got[1])
	}
	if got[2] != device.L2PReserved {
		t.Fatalf("got[2] = %d, want L2PReserved", got[2])
	}
}

func TestGetL2PTableStartBeyondLengthReportsEmpty(t *testing.T) {
	entries := make([]uint64, 8)
	d := New(testIdentity(), 32, 4096, WithL2PTable(entries))

	called := false
	err := d.GetL2PTable(context.Background(), 0, 100, 4, func(slba uint64, e []uint64) error {
		called = true
		if len(e) != 0 {
			t.Fatalf("entries = %v, want empty when startLBA is beyond the table", e)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("GetL2PTable: %v", err)
	}
	if !called {
		t.Fatalf("callback was never invoked")
	}
}

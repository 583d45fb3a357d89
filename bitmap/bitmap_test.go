package bitmap

import "testing"

func TestSetClearTest(t *testing.T) {
	b := New(70) // spans two words
	if b.Test(5) {
		t.Fatalf("bit 5 should start clear")
	}
	b.Set(5)
	if !b.Test(5) {
		t.Fatalf("bit 5 should be set")
	}
	b.Set(69)
	if !b.Test(69) {
		t.Fatalf("bit 69 (second word) should be set")
	}
	b.Clear(5)
	if b.Test(5) {
		t.Fatalf("bit 5 should be clear after Clear")
	}
}

func TestPopCount(t *testing.T) {
	b := New(16)
	for _, i := range []int{0, 1, 15} {
		b.Set(i)
	}
	if got := b.PopCount(); got != 3 {
		t.Fatalf("PopCount() = %d, want 3", got)
	}
}

func TestTestAndSet(t *testing.T) {
	b := New(8)
	if prev := b.TestAndSet(2); prev {
		t.Fatalf("TestAndSet should report false the first time")
	}
	if prev := b.TestAndSet(2); !prev {
		t.Fatalf("TestAndSet should report true once already set")
	}
	if b.PopCount() != 1 {
		t.Fatalf("double TestAndSet must not double-count")
	}
}

func TestFullAndEmpty(t *testing.T) {
	b := New(4)
	if !b.Empty() {
		t.Fatalf("fresh bitmap should be empty")
	}
	for i := 0; i < 4; i++ {
		b.Set(i)
	}
	if !b.Full() {
		t.Fatalf("bitmap with every bit set should be full")
	}
	if b.Empty() {
		t.Fatalf("full bitmap should not report empty")
	}
}

func TestFindFirstZero(t *testing.T) {
	b := New(4)
	b.Set(0)
	b.Set(1)
	if got := b.FindFirstZero(); got != 2 {
		t.Fatalf("FindFirstZero() = %d, want 2", got)
	}
	b.Set(2)
	b.Set(3)
	if got := b.FindFirstZero(); got != -1 {
		t.Fatalf("FindFirstZero() on full bitmap = %d, want -1", got)
	}
}

func TestReset(t *testing.T) {
	b := New(10)
	b.Set(3)
	b.Set(7)
	b.Reset()
	if !b.Empty() {
		t.Fatalf("Reset should clear every bit")
	}
}

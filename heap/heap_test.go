package heap

import (
	"bytes"
	"encoding/binary"
	"github.com/pkg/errors"
	"testing"

	"github.com/userbe/userbe/models/cpu"
)

const (
	testBase = 0x30000000
	testSize = 0x10000
)

func testHeap(t *testing.T) (*GuestHeap, *cpu.Mem) {
	t.Helper()
	mem := cpu.NewMem(32, binary.LittleEndian)
	if err := mem.MemMapKind(testBase, testSize, cpu.PROT_READ|cpu.PROT_WRITE, cpu.KIND_HEAP, "heap"); err != nil {
		t.Fatal(err)
	}
	return New(mem, testBase, testSize), mem
}

func TestAllocFree(t *testing.T) {
	h, _ := testHeap(t)
	var addrs []uint64
	for i := 0; i < 16; i++ {
		addr, err := h.Alloc(100)
		if err != nil {
			t.Fatal(err)
		}
		if addr < testBase || addr >= testBase+testSize {
			t.Fatalf("allocation outside heap: %#x", addr)
		}
		if addr%16 != 0 {
			t.Fatalf("allocation not aligned: %#x", addr)
		}
		addrs = append(addrs, addr)
	}
	if !h.Validate() {
		t.Fatal("heap failed validation after allocs")
	}
	if h.AllocationCount() != 16 {
		t.Fatal("bad allocation count:", h.AllocationCount())
	}
	for _, addr := range addrs {
		if err := h.Free(addr); err != nil {
			t.Fatal(err)
		}
	}
	if h.UsedSize() != 0 {
		t.Fatal("used size nonzero after freeing everything:", h.UsedSize())
	}
	if !h.Validate() {
		t.Fatal("heap failed validation after frees")
	}
}

func TestUsedTracksLiveBlocks(t *testing.T) {
	h, _ := testHeap(t)
	live := make(map[uint64]uint64)
	var sum uint64
	sizes := []uint64{16, 33, 64, 100, 7, 512, 4096, 1}
	for _, size := range sizes {
		addr, err := h.Alloc(size)
		if err != nil {
			t.Fatal(err)
		}
		// blocks never overlap
		for a, s := range live {
			if addr < a+s && a < addr+size {
				t.Fatalf("allocation %#x overlaps %#x", addr, a)
			}
		}
		rounded := (size + 15) &^ 15
		live[addr] = rounded
		sum += rounded
		if h.UsedSize() != sum {
			t.Fatalf("used size %d, want %d", h.UsedSize(), sum)
		}
	}
	for a, s := range live {
		if err := h.Free(a); err != nil {
			t.Fatal(err)
		}
		sum -= s
		if h.UsedSize() != sum {
			t.Fatalf("used size %d, want %d", h.UsedSize(), sum)
		}
	}
}

func TestFreeReuse(t *testing.T) {
	h, _ := testHeap(t)
	a, _ := h.Alloc(256)
	b, _ := h.Alloc(256)
	_ = b
	if err := h.Free(a); err != nil {
		t.Fatal(err)
	}
	used := h.UsedSize()
	c, err := h.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Errorf("freed block not reused: got %#x, freed %#x", c, a)
	}
	if h.UsedSize() > used+256 {
		t.Error("coalescing increased net used size")
	}
}

func TestDoubleFree(t *testing.T) {
	h, _ := testHeap(t)
	addr, _ := h.Alloc(64)
	if err := h.Free(addr); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(addr); errors.Cause(err) != ErrDoubleFree {
		t.Fatalf("expected ErrDoubleFree, got %v", err)
	}
	if err := h.Free(testBase + 0x1234); errors.Cause(err) != ErrInvalidPointer {
		t.Fatalf("expected ErrInvalidPointer, got %v", err)
	}
}

func TestCalloc(t *testing.T) {
	h, mem := testHeap(t)
	// dirty the arena first
	a, _ := h.Alloc(64)
	mem.MemWrite(a, bytes.Repeat([]byte{0xff}, 64))
	h.Free(a)
	addr, err := h.Calloc(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := mem.MemRead(addr, 64)
	if !bytes.Equal(p, make([]byte, 64)) {
		t.Fatal("calloc memory not zeroed")
	}
}

// rejectWriteMem refuses all guest writes, to exercise failure paths.
type rejectWriteMem struct {
	*cpu.Mem
}

func (m *rejectWriteMem) MemWrite(addr uint64, p []byte) error {
	return errors.New("write rejected")
}

func TestCallocWriteFailure(t *testing.T) {
	_, mem := testHeap(t)
	h := New(&rejectWriteMem{mem}, testBase, testSize)
	if _, err := h.Calloc(4, 16); err == nil {
		t.Fatal("calloc succeeded with an unwritable arena")
	}
	// the failed allocation must not leak its block
	if h.AllocationCount() != 0 || h.UsedSize() != 0 {
		t.Fatalf("failed calloc leaked: count=%d used=%d", h.AllocationCount(), h.UsedSize())
	}
	if !h.Validate() {
		t.Fatal("heap failed validation")
	}
}

func TestRealloc(t *testing.T) {
	h, mem := testHeap(t)
	addr, _ := h.Alloc(64)
	mem.MemWrite(addr, []byte("roundtrip"))

	// same size is the identity
	same, err := h.Realloc(addr, 64)
	if err != nil {
		t.Fatal(err)
	}
	if same != addr {
		t.Fatalf("realloc moved at same size: %#x != %#x", same, addr)
	}

	// grow in place by absorbing the free successor
	grown, err := h.Realloc(addr, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if grown != addr {
		t.Fatalf("realloc failed to grow in place: %#x != %#x", grown, addr)
	}
	p, _ := mem.MemRead(grown, 9)
	if string(p) != "roundtrip" {
		t.Fatalf("realloc lost contents: %q", p)
	}

	// force a move by pinning the successor
	pin, _ := h.Alloc(32)
	moved, err := h.Realloc(grown, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if moved == grown {
		t.Fatal("realloc grew through a live block")
	}
	p, _ = mem.MemRead(moved, 9)
	if string(p) != "roundtrip" {
		t.Fatalf("realloc move lost contents: %q", p)
	}
	h.Free(pin)
	if !h.Validate() {
		t.Fatal("heap failed validation")
	}
}

func TestExhaustion(t *testing.T) {
	h, _ := testHeap(t)
	if _, err := h.Alloc(testSize * 2); errors.Cause(err) != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

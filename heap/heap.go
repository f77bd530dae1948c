// Package heap implements the guest malloc arena: a best-fit block allocator
// over a heap region of guest memory, with split on alloc and immediate
// coalescing on free.
package heap

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/userbe/userbe/models"
)

const (
	blockMagic = 0xDEADBEEF
	freedMagic = 0xFEEDFACE

	// allocations are 16-byte aligned
	alignment = 16

	// a split is only worth it if the remainder can hold this much
	minBlockSize = 32
)

var (
	ErrOutOfMemory    = errors.New("guest heap exhausted")
	ErrDoubleFree     = errors.New("double free")
	ErrInvalidPointer = errors.New("free of unknown pointer")
	ErrCorruptBlock   = errors.New("corrupt block header")
)

// block bookkeeping lives host-side; Addr points into the guest heap region
type block struct {
	addr  uint64
	size  uint64
	free  bool
	magic uint32
	prev  *block
	next  *block
}

type GuestHeap struct {
	mem  models.MemIO
	base uint64
	size uint64

	mu     sync.Mutex
	head   *block
	blocks map[uint64]*block // address -> block, kept after free until coalesced away
	used   uint64
	count  int
}

// New manages [base, base+size) of guest memory. The region itself must
// already be mapped by the caller.
func New(mem models.MemIO, base, size uint64) *GuestHeap {
	h := &GuestHeap{
		mem:    mem,
		base:   base,
		size:   size,
		blocks: make(map[uint64]*block),
	}
	h.head = &block{addr: base, size: size, free: true, magic: blockMagic}
	return h
}

func alignUp(n uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Alloc returns the guest address of a new allocation, or 0 with
// ErrOutOfMemory when no free block fits.
func (h *GuestHeap) Alloc(size uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alloc(size)
}

func (h *GuestHeap) alloc(size uint64) (uint64, error) {
	if size == 0 {
		size = alignment
	}
	size = alignUp(size)
	var best *block
	for b := h.head; b != nil; b = b.next {
		if b.free && b.size >= size && (best == nil || b.size < best.size) {
			best = b
		}
	}
	if best == nil {
		return 0, errors.Wrapf(ErrOutOfMemory, "alloc(%d)", size)
	}
	h.split(best, size)
	best.free = false
	best.magic = blockMagic
	h.blocks[best.addr] = best
	h.used += best.size
	h.count++
	return best.addr, nil
}

// split carves size bytes off the front of b when the remainder is big
// enough to stand on its own.
func (h *GuestHeap) split(b *block, size uint64) {
	if b.size < size+minBlockSize {
		return
	}
	rest := &block{
		addr:  b.addr + size,
		size:  b.size - size,
		free:  true,
		magic: blockMagic,
		prev:  b,
		next:  b.next,
	}
	if b.next != nil {
		b.next.prev = rest
	}
	b.next = rest
	b.size = size
}

func (h *GuestHeap) Calloc(n, size uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := n * size
	if n != 0 && total/n != size {
		return 0, errors.Wrap(ErrOutOfMemory, "calloc overflow")
	}
	addr, err := h.alloc(total)
	if err != nil {
		return 0, err
	}
	zero := make([]byte, alignUp(total))
	if err := h.mem.MemWrite(addr, zero); err != nil {
		h.free(addr)
		return 0, err
	}
	return addr, nil
}

func (h *GuestHeap) Realloc(addr, size uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr == 0 {
		return h.alloc(size)
	}
	b, ok := h.blocks[addr]
	if !ok || b.free {
		return 0, errors.Wrapf(ErrInvalidPointer, "realloc %#x", addr)
	}
	if b.magic != blockMagic {
		return 0, errors.Wrapf(ErrCorruptBlock, "realloc %#x", addr)
	}
	size = alignUp(size)
	if size == 0 {
		size = alignment
	}
	switch {
	case size == b.size:
		return addr, nil
	case size < b.size:
		// shrink in place; the remainder may now border a free block
		h.used -= b.size
		h.split(b, size)
		h.used += b.size
		if rest := b.next; rest != nil && rest.free {
			if nn := rest.next; nn != nil && nn.free {
				h.coalesceNext(nn)
			}
		}
		return addr, nil
	case b.next != nil && b.next.free && b.size+b.next.size >= size:
		// grow in place by absorbing the free successor
		h.used -= b.size
		b.size += b.next.size
		h.unlink(b.next)
		h.split(b, size)
		h.used += b.size
		return addr, nil
	}
	// move
	newAddr, err := h.alloc(size)
	if err != nil {
		return 0, err
	}
	data, err := h.mem.MemRead(addr, b.size)
	if err != nil {
		return 0, err
	}
	if err := h.mem.MemWrite(newAddr, data); err != nil {
		return 0, err
	}
	if err := h.free(addr); err != nil {
		return 0, err
	}
	return newAddr, nil
}

func (h *GuestHeap) Free(addr uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.free(addr)
}

func (h *GuestHeap) free(addr uint64) error {
	b, ok := h.blocks[addr]
	if !ok {
		return errors.Wrapf(ErrInvalidPointer, "free %#x", addr)
	}
	if b.free || b.magic == freedMagic {
		return errors.Wrapf(ErrDoubleFree, "free %#x", addr)
	}
	if b.magic != blockMagic {
		return errors.Wrapf(ErrCorruptBlock, "free %#x", addr)
	}
	b.free = true
	b.magic = freedMagic
	h.used -= b.size
	h.count--
	if next := b.next; next != nil && next.free {
		h.coalesceNext(next)
	}
	if prev := b.prev; prev != nil && prev.free {
		h.coalesceNext(b)
	}
	return nil
}

// coalesceNext merges b into its predecessor; b must be free.
func (h *GuestHeap) coalesceNext(b *block) {
	prev := b.prev
	prev.size += b.size
	prev.magic = freedMagic
	h.unlink(b)
}

func (h *GuestHeap) unlink(b *block) {
	delete(h.blocks, b.addr)
	b.prev.next = b.next
	if b.next != nil {
		b.next.prev = b.prev
	}
}

// Validate walks the block list and checks the arena invariants: contiguous
// coverage of the region, intact magics, and no adjacent free blocks.
func (h *GuestHeap) Validate() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sum uint64
	addr := h.base
	prevFree := false
	for b := h.head; b != nil; b = b.next {
		if b.addr != addr {
			return false
		}
		if b.free {
			if prevFree || b.magic != freedMagic && b.magic != blockMagic {
				return false
			}
		} else if b.magic != blockMagic {
			return false
		}
		prevFree = b.free
		addr += b.size
		sum += b.size
	}
	return sum == h.size
}

func (h *GuestHeap) TotalSize() uint64 { return h.size }

func (h *GuestHeap) UsedSize() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

func (h *GuestHeap) FreeSize() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size - h.used
}

func (h *GuestHeap) AllocationCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Package tlsman manages per-thread storage blocks for loaded modules.
// Every module registers its initialization template once; each guest
// thread then gets a private copy laid out at fixed module offsets, so
// thread-local reads never observe another thread's writes.
package tlsman

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/userbe/userbe/heap"
	"github.com/userbe/userbe/models"
)

var (
	ErrOutOfBounds  = errors.New("tls access out of bounds")
	ErrNoThread     = errors.New("no tls block for thread")
	ErrNoModule     = errors.New("module has no tls template")
	ErrThreadExists = errors.New("thread already initialized")
	ErrLayoutFrozen = errors.New("tls layout frozen by a live thread")
)

type module struct {
	tpl    models.TlsTemplate
	offset uint64
}

// Manager owns the static TLS layout. Module blocks pack into one guest
// allocation per thread, each block aligned to its template's alignment.
type Manager struct {
	mem    models.MemIO
	heap   *heap.GuestHeap
	logger log.Logger

	mu      sync.Mutex
	modules map[int]*module
	total   uint64
	threads map[int]uint64
}

func New(mem models.MemIO, h *heap.GuestHeap, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		mem:     mem,
		heap:    h,
		logger:  logger,
		modules: make(map[int]*module),
		threads: make(map[int]uint64),
	}
}

func alignUp(n, to uint64) uint64 {
	if to == 0 {
		to = 4
	}
	return (n + to - 1) &^ (to - 1)
}

// Register adds a module's template to the layout. The layout freezes once
// the first thread block exists; registering after that fails rather than
// silently handing live threads a block with no room for the new module.
func (m *Manager) Register(mod int, tpl *models.TlsTemplate) error {
	if tpl == nil || tpl.Size == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.threads) > 0 {
		return errors.Wrapf(ErrLayoutFrozen, "module %d", mod)
	}
	if _, ok := m.modules[mod]; ok {
		return nil
	}
	off := alignUp(m.total, tpl.Align)
	m.modules[mod] = &module{tpl: *tpl, offset: off}
	m.total = off + tpl.Size
	return nil
}

// BlockSize is the per-thread footprint of the frozen layout.
func (m *Manager) BlockSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// InitThread allocates and initializes a thread's block: template bytes at
// the front of each module's slot, the rest zeroed.
func (m *Manager) InitThread(tid int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if base, ok := m.threads[tid]; ok {
		return base, errors.Wrapf(ErrThreadExists, "thread %d", tid)
	}
	size := m.total
	if size == 0 {
		m.threads[tid] = 0
		return 0, nil
	}
	base, err := m.heap.Calloc(1, size)
	if err != nil {
		return 0, err
	}
	for _, mod := range m.modules {
		if len(mod.tpl.Data) == 0 {
			continue
		}
		if err := m.mem.MemWrite(base+mod.offset, mod.tpl.Data); err != nil {
			m.heap.Free(base)
			return 0, err
		}
	}
	m.threads[tid] = base
	m.logger.Log("event", "tls_thread_init", "tid", tid, "base", base, "size", size)
	return base, nil
}

// DestroyThread releases a thread's block. Unknown threads are a no-op.
func (m *Manager) DestroyThread(tid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.threads[tid]
	if !ok {
		return nil
	}
	delete(m.threads, tid)
	if base == 0 {
		return nil
	}
	return m.heap.Free(base)
}

func (m *Manager) ThreadBase(tid int) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.threads[tid]
	return base, ok
}

// ModuleOffset reports where a module's slot sits inside every thread block.
func (m *Manager) ModuleOffset(mod int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.modules[mod]
	if !ok {
		return 0, errors.Wrapf(ErrNoModule, "module %d", mod)
	}
	return mm.offset, nil
}

// ThreadOffset satisfies the linker's TlsLayout: the patched word is the
// displacement from a thread block's base, identical for every thread.
func (m *Manager) ThreadOffset(mod int, off uint64) (uint64, error) {
	base, err := m.ModuleOffset(mod)
	if err != nil {
		return 0, err
	}
	return base + off, nil
}

func (m *Manager) slot(tid, mod int, off, size uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.threads[tid]
	if !ok {
		return 0, errors.Wrapf(ErrNoThread, "thread %d", tid)
	}
	mm, ok := m.modules[mod]
	if !ok {
		return 0, errors.Wrapf(ErrNoModule, "module %d", mod)
	}
	if off+size > mm.tpl.Size {
		return 0, errors.Wrapf(ErrOutOfBounds, "module %d offset %#x+%#x", mod, off, size)
	}
	return base + mm.offset + off, nil
}

// Read copies size bytes out of a thread's view of a module slot.
func (m *Manager) Read(tid, mod int, off, size uint64) ([]byte, error) {
	addr, err := m.slot(tid, mod, off, size)
	if err != nil {
		return nil, err
	}
	return m.mem.MemRead(addr, size)
}

// Write stores into a thread's view of a module slot. Other threads keep
// seeing their own copies.
func (m *Manager) Write(tid, mod int, off uint64, p []byte) error {
	addr, err := m.slot(tid, mod, off, uint64(len(p)))
	if err != nil {
		return err
	}
	return m.mem.MemWrite(addr, p)
}

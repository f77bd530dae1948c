package linker

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userbe/userbe/models"
)

// flatMem backs a contiguous address range with a byte slice, enough memory
// surface for relocation tests.
type flatMem struct {
	base uint64
	data []byte
}

func newFlatMem(base, size uint64) *flatMem {
	return &flatMem{base: base, data: make([]byte, size)}
}

func (m *flatMem) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	return p, m.MemReadInto(p, addr)
}

func (m *flatMem) MemReadInto(p []byte, addr uint64) error {
	off := addr - m.base
	if addr < m.base || off+uint64(len(p)) > uint64(len(m.data)) {
		return errors.Errorf("read out of range: %#x", addr)
	}
	copy(p, m.data[off:])
	return nil
}

func (m *flatMem) MemWrite(addr uint64, p []byte) error {
	off := addr - m.base
	if addr < m.base || off+uint64(len(p)) > uint64(len(m.data)) {
		return errors.Errorf("write out of range: %#x", addr)
	}
	copy(m.data[off:], p)
	return nil
}

func (m *flatMem) word(addr uint64) uint64 {
	return uint64(binary.LittleEndian.Uint32(m.data[addr-m.base:]))
}

func (m *flatMem) setWord(addr uint64, val uint32) {
	binary.LittleEndian.PutUint32(m.data[addr-m.base:], val)
}

func TestAssignBaseDeterministic(t *testing.T) {
	ctx := NewContext(nil)
	a, err := ctx.AssignBase("libroot.so")
	require.NoError(t, err)
	b, err := ctx.AssignBase("libbe.so")
	require.NoError(t, err)
	assert.Equal(t, uint64(LibraryBase), a)
	assert.Equal(t, uint64(LibraryBase+LibraryWindow), b)

	// asking again never moves a library
	a2, err := ctx.AssignBase("libroot.so")
	require.NoError(t, err)
	assert.Equal(t, a, a2)

	// a fresh context with the same load order produces the same layout
	ctx2 := NewContext(nil)
	a3, _ := ctx2.AssignBase("libroot.so")
	assert.Equal(t, a, a3)
}

func TestAssignBaseCeiling(t *testing.T) {
	ctx := NewContext(nil)
	n := (LibraryCeiling - LibraryBase) / LibraryWindow
	for i := 0; i < n; i++ {
		_, err := ctx.AssignBase(string(rune('a' + i)))
		require.NoError(t, err)
	}
	_, err := ctx.AssignBase("overflow.so")
	assert.Equal(t, ErrWindowsFull, errors.Cause(err))
}

func TestSymbolOverride(t *testing.T) {
	ctx := NewContext(nil)
	ctx.AddSymbol(models.Symbol{Name: "malloc", Addr: 0x1000, Bind: models.SymBindWeak})
	ctx.AddSymbol(models.Symbol{Name: "malloc", Addr: 0x2000, Bind: models.SymBindGlobal})
	addr, err := ctx.Resolve("malloc")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), addr)

	// a later weak definition never displaces a global one
	ctx.AddSymbol(models.Symbol{Name: "malloc", Addr: 0x3000, Bind: models.SymBindWeak})
	addr, _ = ctx.Resolve("malloc")
	assert.Equal(t, uint64(0x2000), addr)

	// locals and undefined entries stay out of the table
	ctx.AddSymbol(models.Symbol{Name: "local_helper", Addr: 0x4000, Bind: models.SymBindLocal})
	ctx.AddSymbol(models.Symbol{Name: "undefined", Addr: 0, Bind: models.SymBindGlobal})
	_, err = ctx.Resolve("local_helper")
	assert.Equal(t, ErrSymbolNotFound, errors.Cause(err))
	_, err = ctx.Resolve("undefined")
	assert.Equal(t, ErrSymbolNotFound, errors.Cause(err))
}

func TestResolveStubs(t *testing.T) {
	ctx := NewContext(nil)

	// unresolved mangled names degrade to deterministic stub addresses
	addr, err := ctx.Resolve("_ZN8BToolbar8AddGlyphEv")
	require.NoError(t, err)
	assert.Equal(t, StubAddr("_ZN8BToolbar8AddGlyphEv"), addr)
	assert.True(t, addr >= StubBase && addr < StubBase+StubSize)
	assert.Zero(t, addr&3)

	addr2, err := ctx.Resolve("_ZN8BToolbar8AddGlyphEv")
	require.NoError(t, err)
	assert.Equal(t, addr, addr2)

	// plain C names fail loudly
	_, err = ctx.Resolve("not_a_real_symbol")
	assert.Equal(t, ErrSymbolNotFound, errors.Cause(err))
}

func relocEnv(t *testing.T) (*flatMem, *Context, *RelocationProcessor, *PltGot) {
	t.Helper()
	mem := newFlatMem(0, 0x10000000)
	ctx := NewContext(nil)
	plt := NewPltGot(mem, ctx, nil, 0x0F000000, 0x100000, false)
	proc := NewRelocationProcessor(mem, ctx, plt, nil)
	return mem, ctx, proc, plt
}

func TestRelocRelative(t *testing.T) {
	mem, _, proc, _ := relocEnv(t)
	img := Image{Name: "exe", Base: 0x08000000, Module: 1}
	mem.setWord(img.Base+0x100, 0x10)

	err := proc.Apply(img, []models.Reloc{{Off: 0x100, Type: R_386_RELATIVE}})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x08000010), mem.word(img.Base+0x100))
}

func TestReloc32AndPc32(t *testing.T) {
	mem, ctx, proc, _ := relocEnv(t)
	img := Image{Name: "exe", Base: 0x08000000, Module: 1}
	ctx.AddSymbol(models.Symbol{Name: "gBuffer", Addr: 0x09001000, Bind: models.SymBindGlobal})
	sym := &models.Symbol{Name: "gBuffer", Bind: models.SymBindGlobal}

	mem.setWord(img.Base+0x200, 4)
	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x200, Type: R_386_32, Sym: sym}}))
	assert.Equal(t, uint64(0x09001004), mem.word(img.Base+0x200))

	mem.setWord(img.Base+0x300, 0)
	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x300, Type: R_386_PC32, Sym: sym}}))
	assert.Equal(t, uint64(0x09001000-(0x08000000+0x300))&0xffffffff, mem.word(img.Base+0x300))
}

func TestRelocLocalSymbolRebased(t *testing.T) {
	mem, _, proc := copyEnv(t)
	img := Image{Name: "libfoo.so", Base: 0x10000000, Module: 2}

	// a symbol defined inside the image relocates against the image base
	sym := &models.Symbol{Name: "foo_init", Addr: 0x1500, Bind: models.SymBindGlobal}
	mem.setWord(img.Base+0x40, 0)
	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x40, Type: R_386_GLOB_DAT, Sym: sym}}))
	assert.Equal(t, img.Base+0x1500, mem.word(img.Base+0x40))
}

func TestRelocUnknownTypeFatal(t *testing.T) {
	mem, _, proc, _ := relocEnv(t)
	img := Image{Name: "exe", Base: 0x08000000, Module: 1}
	mem.setWord(img.Base+0x100, 0)
	err := proc.Apply(img, []models.Reloc{{Off: 0x100, Type: 250}})
	assert.Equal(t, ErrUnknownReloc, errors.Cause(err))
}

func TestJmpSlotLazyBinding(t *testing.T) {
	mem, ctx, proc, plt := relocEnv(t)
	img := Image{Name: "exe", Base: 0x08000000, Module: 1}
	ctx.AddSymbol(models.Symbol{Name: "printf", Addr: 0x10002000, Bind: models.SymBindGlobal})
	sym := &models.Symbol{Name: "printf", Bind: models.SymBindGlobal}

	slot := img.Base + 0x500
	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x500, Type: R_386_JMP_SLOT, Sym: sym}}))

	// lazy: the slot points into the plt window, not at the target
	stub := mem.word(slot)
	assert.True(t, plt.Contains(stub), "slot should point at a plt stub, got %#x", stub)

	e, err := plt.Entry("printf")
	require.NoError(t, err)
	assert.Equal(t, Unresolved, e.State)

	// first call binds and patches the slot
	target, err := plt.Step(stub)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10002000), target)
	assert.Equal(t, Resolved, e.State)
	assert.Equal(t, uint64(0x10002000), mem.word(slot))

	// second call reuses the resolved target
	target2, err := plt.Step(stub)
	require.NoError(t, err)
	assert.Equal(t, target, target2)
}

func TestJmpSlotBindNow(t *testing.T) {
	mem := newFlatMem(0, 0x10000000)
	ctx := NewContext(nil)
	ctx.AddSymbol(models.Symbol{Name: "printf", Addr: 0x10002000, Bind: models.SymBindGlobal})
	plt := NewPltGot(mem, ctx, nil, 0x0F000000, 0x100000, true)
	proc := NewRelocationProcessor(mem, ctx, plt, nil)
	img := Image{Name: "exe", Base: 0x08000000, Module: 1}
	sym := &models.Symbol{Name: "printf", Bind: models.SymBindGlobal}

	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x500, Type: R_386_JMP_SLOT, Sym: sym}}))
	assert.Equal(t, uint64(0x10002000), mem.word(img.Base+0x500))
}

// copyEnv reaches past the first library window, where copy sources live.
func copyEnv(t *testing.T) (*flatMem, *Context, *RelocationProcessor) {
	t.Helper()
	mem := newFlatMem(0, 0x10010000)
	ctx := NewContext(nil)
	plt := NewPltGot(mem, ctx, nil, 0x0F000000, 0x100000, false)
	return mem, ctx, NewRelocationProcessor(mem, ctx, plt, nil)
}

func TestRelocCopy(t *testing.T) {
	mem, ctx, proc := copyEnv(t)
	img := Image{Name: "exe", Base: 0x08000000, Module: 1}
	src := uint64(0x10003000)
	require.NoError(t, mem.MemWrite(src, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	ctx.AddSymbol(models.Symbol{Name: "environ", Addr: src, Bind: models.SymBindGlobal})
	sym := &models.Symbol{Name: "environ", Size: 8, Bind: models.SymBindGlobal}

	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x600, Type: R_386_COPY, Sym: sym}}))
	got, err := mem.MemRead(img.Base+0x600, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got)
}

func TestRelocCopySkipsOwnDefinition(t *testing.T) {
	mem, ctx, proc := copyEnv(t)
	img := Image{Name: "exe", Base: 0x08000000, Module: 1}
	dst := img.Base + 0x600
	src := uint64(0x10003000)
	require.NoError(t, mem.MemWrite(src, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	// registration order matches a real link: the executable lands first,
	// and its own dynsym for the copied object points at the destination
	ctx.Register("exe", img.Base, []models.Symbol{
		{Name: "environ", Addr: dst, Size: 8, Bind: models.SymBindGlobal},
	})
	ctx.Register("libroot.so", 0x10000000, []models.Symbol{
		{Name: "environ", Addr: src, Size: 8, Bind: models.SymBindGlobal},
	})

	sym := &models.Symbol{Name: "environ", Addr: 0x600, Size: 8, Bind: models.SymBindGlobal}
	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x600, Type: R_386_COPY, Sym: sym}}))
	got, err := mem.MemRead(dst, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got, "library initializer bytes should land at the copy destination")
}

func TestTlsRelocs(t *testing.T) {
	mem := newFlatMem(0, 0x10000000)
	ctx := NewContext(nil)
	plt := NewPltGot(mem, ctx, nil, 0x0F000000, 0x100000, false)
	proc := NewRelocationProcessor(mem, ctx, plt, staticTls{})
	img := Image{Name: "exe", Base: 0x08000000, Module: 1}
	sym := &models.Symbol{Name: "errno_tls", Addr: 8, Kind: models.SymKindTLS}

	mem.setWord(img.Base+0x700, 0)
	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x700, Type: R_386_TLS_DTPMOD32, Sym: sym}}))
	assert.Equal(t, uint64(1), mem.word(img.Base+0x700))

	mem.setWord(img.Base+0x704, 0)
	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x704, Type: R_386_TLS_DTPOFF32, Sym: sym}}))
	assert.Equal(t, uint64(8), mem.word(img.Base+0x704))

	mem.setWord(img.Base+0x708, 0)
	require.NoError(t, proc.Apply(img, []models.Reloc{{Off: 0x708, Type: R_386_TLS_TPOFF, Sym: sym}}))
	assert.Equal(t, uint64(0x100+8), mem.word(img.Base+0x708))
}

// staticTls lays module blocks at fixed 0x100 strides past the thread pointer.
type staticTls struct{}

func (staticTls) ThreadOffset(module int, off uint64) (uint64, error) {
	return uint64(module-1)*0x100 + 0x100 + off, nil
}

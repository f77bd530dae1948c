package linker

import (
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/userbe/userbe/models"
	"github.com/userbe/userbe/models/cpu"
)

// lazy binding state machine; there is no path back to Unresolved
type PltState int

const (
	Unresolved PltState = iota
	Resolving
	Resolved
)

const (
	pltSlotSize = 16
	gotSlotSize = 4
)

var ErrPltFull = errors.New("plt window exhausted")

type PltEntry struct {
	Addr   uint64
	Symbol string
	Target uint64
	State  PltState

	// GOT slot patched when the entry resolves, 0 if none
	gotSlot uint64
}

// PltGot hands out PLT stubs and GOT slots inside a reserved window. The
// interpreter never executes stub bytes; the engine intercepts execution
// entering the window and asks Step for the real target.
type PltGot struct {
	mem     models.MemIO
	ctx     *Context
	logger  log.Logger
	base    uint64
	size    uint64
	gotBase uint64
	gotSize uint64
	bindNow bool

	nextPlt uint64
	nextGot uint64
	entries map[string]*PltEntry
	byAddr  map[uint64]*PltEntry
	gots    map[string]uint64
}

func NewPltGot(mem models.MemIO, ctx *Context, logger log.Logger, base, size uint64, bindNow bool) *PltGot {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	// the window is split evenly between PLT stubs and GOT slots
	return &PltGot{
		mem:     mem,
		ctx:     ctx,
		logger:  logger,
		base:    base,
		size:    size / 2,
		gotBase: base + size/2,
		gotSize: size / 2,
		bindNow: bindNow,
		entries: make(map[string]*PltEntry),
		byAddr:  make(map[uint64]*PltEntry),
		gots:    make(map[string]uint64),
	}
}

func (p *PltGot) Base() uint64    { return p.base }
func (p *PltGot) End() uint64     { return p.base + p.size }
func (p *PltGot) GotBase() uint64 { return p.gotBase }

func (p *PltGot) Contains(addr uint64) bool {
	return addr >= p.base && addr < p.base+p.size
}

// Entry returns the PLT stub for a symbol, creating one on first use.
// With bind-now configured the entry resolves immediately.
func (p *PltGot) Entry(symbol string) (*PltEntry, error) {
	if e, ok := p.entries[symbol]; ok {
		return e, nil
	}
	if p.nextPlt+pltSlotSize > p.size {
		return nil, errors.Wrap(ErrPltFull, symbol)
	}
	e := &PltEntry{
		Addr:   p.base + p.nextPlt,
		Symbol: symbol,
		State:  Unresolved,
	}
	p.nextPlt += pltSlotSize
	p.entries[symbol] = e
	p.byAddr[e.Addr] = e
	if p.bindNow {
		if _, err := p.resolve(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// GotEntry returns the GOT slot address for a symbol, creating and filling
// it on first use.
func (p *PltGot) GotEntry(symbol string) (uint64, error) {
	if slot, ok := p.gots[symbol]; ok {
		return slot, nil
	}
	if p.nextGot+gotSlotSize > p.gotSize {
		return 0, errors.Wrap(ErrPltFull, symbol)
	}
	slot := p.gotBase + p.nextGot
	p.nextGot += gotSlotSize
	p.gots[symbol] = slot
	target, err := p.ctx.Resolve(symbol)
	if err != nil {
		return 0, err
	}
	if err := p.writeWord(slot, target); err != nil {
		return 0, err
	}
	return slot, nil
}

// resolve transitions Unresolved -> Resolving -> Resolved exactly once.
func (p *PltGot) resolve(e *PltEntry) (uint64, error) {
	switch e.State {
	case Resolved:
		return e.Target, nil
	case Resolving:
		return 0, errors.Errorf("recursive bind of %s", e.Symbol)
	}
	e.State = Resolving
	target, err := p.ctx.Resolve(e.Symbol)
	if err != nil {
		e.State = Unresolved
		return 0, err
	}
	e.Target = target
	e.State = Resolved
	if e.gotSlot != 0 {
		if err := p.writeWord(e.gotSlot, target); err != nil {
			return 0, err
		}
	}
	p.logger.Log("event", "plt_bound", "symbol", e.Symbol, "target", target)
	return target, nil
}

// BindJmpSlot wires a JMP_SLOT relocation at slot. Bind-now writes the
// final target; lazy writes the stub address and patches slot on first call.
func (p *PltGot) BindJmpSlot(symbol string, slot uint64) error {
	e, err := p.Entry(symbol)
	if err != nil {
		return err
	}
	e.gotSlot = slot
	if e.State == Resolved {
		return p.writeWord(slot, e.Target)
	}
	return p.writeWord(slot, e.Addr)
}

// Step is called by the engine when execution enters the PLT window. It
// binds the entry on first call and returns the jump target.
func (p *PltGot) Step(addr uint64) (uint64, error) {
	e, ok := p.byAddr[addr]
	if !ok {
		return 0, errors.Errorf("execution at unassigned plt slot %#x", addr)
	}
	return p.resolve(e)
}

func (p *PltGot) writeWord(addr, val uint64) error {
	buf, err := cpu.PackUint(binary.LittleEndian, 4, nil, val)
	if err != nil {
		return err
	}
	return p.mem.MemWrite(addr, buf)
}

// Package emu ties the pieces together: it loads a program, links its
// libraries, wires the kernel to the interpreter's trap surface and runs
// guest code to completion.
package emu

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/userbe/userbe/arch/x86"
	"github.com/userbe/userbe/heap"
	"github.com/userbe/userbe/kernel/linux"
	"github.com/userbe/userbe/linker"
	"github.com/userbe/userbe/loader"
	"github.com/userbe/userbe/models"
	"github.com/userbe/userbe/models/cpu"
	"github.com/userbe/userbe/tlsman"
)

// guest address map; libraries get their windows from the linker
const (
	ExeBase = 0x08048000

	PltBase = 0x0F000000
	PltSize = 0x00100000

	HeapBase = 0x30000000

	MmapBase = 0x60000000

	StackTop = 0xC0000000
)

var ErrInstructionLimit = errors.New("instruction ceiling reached")

type Engine struct {
	config *models.Config
	logger log.Logger

	cpu *x86.X86Cpu
	ldr *loader.ElfLoader

	lctx   *linker.Context
	plt    *linker.PltGot
	images []*linker.LoadedImage

	guestHeap *heap.GuestHeap
	tls       *tlsman.Manager
	kernel    *linux.LinuxKernel

	entry    uint64
	exeBase  uint64
	brkBase  uint64
	brkCur   uint64
	brkMap   uint64
	mmapNext uint64

	exited       bool
	exitCode     int
	runErr       error
	insCount     uint64
	invalidCount uint64

	tasks  []*Task
	curTid int
}

func NewEngine(exePath string, config *models.Config, logger log.Logger) (*Engine, error) {
	return NewEngineStreams(exePath, config, logger, os.Stdout, os.Stderr)
}

func NewEngineStreams(exePath string, config *models.Config, logger log.Logger, stdout, stderr io.Writer) (*Engine, error) {
	if config == nil {
		config = &models.Config{}
	}
	config.Init()
	if logger == nil {
		logger = log.NewNopLogger()
	}

	l, err := loader.LoadFile(exePath)
	if err != nil {
		return nil, err
	}
	c, err := x86.NewCpu()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		config:   config,
		logger:   logger,
		cpu:      c,
		ldr:      l,
		mmapNext: MmapBase,
		curTid:   1,
	}
	if err := e.mapFixedRegions(); err != nil {
		return nil, err
	}

	e.exeBase = 0
	if l.Type() == models.DYN {
		e.exeBase = ExeBase
	}
	if err := linker.MapImage(c, l, e.exeBase, "exe"); err != nil {
		return nil, err
	}
	e.entry = e.exeBase + l.Entry()
	e.initBrk()

	e.lctx = linker.NewContext(logger)
	e.plt = linker.NewPltGot(c, e.lctx, logger, PltBase, PltSize, config.BindNow)
	e.guestHeap = heap.New(c, HeapBase, config.HeapSize)
	e.tls = tlsman.New(c, e.guestHeap, logger)

	if l.IsDynamic() || len(l.Needed()) > 0 {
		if err := e.link(); err != nil {
			return nil, err
		}
	}

	e.kernel = linux.NewKernel(e, stdout, stderr)
	if err := e.setupStack(); err != nil {
		return nil, err
	}
	if _, err := e.tls.InitThread(e.curTid); err != nil {
		return nil, err
	}
	e.tasks = []*Task{{ID: e.curTid}}
	e.addHooks()
	return e, nil
}

func (e *Engine) mapFixedRegions() error {
	maps := []struct {
		addr, size uint64
		prot, kind int
		desc       string
	}{
		{StackTop - e.config.StackSize, e.config.StackSize, cpu.PROT_READ | cpu.PROT_WRITE, cpu.KIND_STACK, "stack"},
		{HeapBase, e.config.HeapSize, cpu.PROT_READ | cpu.PROT_WRITE, cpu.KIND_HEAP, "heap"},
		{PltBase, PltSize, cpu.PROT_ALL, cpu.KIND_MAPPED, "plt"},
		{linker.StubBase, linker.StubSize, cpu.PROT_READ | cpu.PROT_EXEC, cpu.KIND_MAPPED, "stubs"},
	}
	for _, m := range maps {
		if err := e.cpu.MemMapKind(m.addr, m.size, m.prot, m.kind, m.desc); err != nil {
			return errors.Wrapf(err, "mapping %s", m.desc)
		}
	}
	return nil
}

// initBrk places the program break just past the highest loaded segment.
func (e *Engine) initBrk() {
	segs, err := e.ldr.Segments()
	if err != nil {
		return
	}
	var max uint64
	for _, seg := range segs {
		if end := e.exeBase + seg.Addr + seg.Size; end > max {
			max = end
		}
	}
	e.brkBase = (max + 0xfff) &^ 0xfff
	e.brkCur = e.brkBase
	e.brkMap = e.brkBase
}

// link walks DT_NEEDED, registers TLS templates and patches every image.
func (e *Engine) link() error {
	lnk := linker.NewLinker(e.cpu, e.lctx, e.config, e.logger)
	images, err := lnk.Link(e.ldr, e.exeBase)
	if err != nil {
		return err
	}
	e.images = images
	for _, img := range images {
		if img.Tls != nil {
			if err := e.tls.Register(img.Module, img.Tls); err != nil {
				return err
			}
		}
	}
	proc := linker.NewRelocationProcessor(e.cpu, e.lctx, e.plt, e.tls)
	for _, img := range images {
		if err := proc.Apply(img.Image, img.Relocs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Cpu() cpu.Cpu                  { return e.cpu }
func (e *Engine) Loader() *loader.ElfLoader     { return e.ldr }
func (e *Engine) Heap() *heap.GuestHeap         { return e.guestHeap }
func (e *Engine) Tls() *tlsman.Manager          { return e.tls }
func (e *Engine) Images() []*linker.LoadedImage { return e.images }
func (e *Engine) InstructionCount() uint64      { return e.insCount }

// linux.Machine implementation

func (e *Engine) Mem() *cpu.Mem { return e.cpu.Mem() }

func (e *Engine) StrucAt(addr uint64) *models.StrucStream {
	return &models.StrucStream{
		Stream: &models.MemCursor{M: e.cpu, Addr: addr},
		Order:  e.cpu.Mem().ByteOrder(),
	}
}

func (e *Engine) RegRead(enum int) (uint64, error)    { return e.cpu.RegRead(enum) }
func (e *Engine) RegWrite(enum int, val uint64) error { return e.cpu.RegWrite(enum, val) }

// Brk moves the program break. brk(0) reports the current break; growing
// it maps the new pages and returns 0; shrinking is refused by reporting
// the unchanged break.
func (e *Engine) Brk(addr uint64) uint64 {
	if addr == 0 || addr <= e.brkCur {
		return e.brkCur
	}
	mapped := (addr + 0xfff) &^ 0xfff
	if mapped > e.brkMap {
		if err := e.cpu.MemMapKind(e.brkMap, mapped-e.brkMap, cpu.PROT_READ|cpu.PROT_WRITE, cpu.KIND_HEAP, "brk"); err != nil {
			return e.brkCur
		}
		e.brkMap = mapped
	}
	e.brkCur = addr
	return 0
}

// Mmap hands out fresh pages from a bump region; hints are ignored.
func (e *Engine) Mmap(addr, size uint64, prot int) (uint64, error) {
	size = (size + 0xfff) &^ 0xfff
	if size == 0 {
		return 0, errors.New("zero length mapping")
	}
	ret := e.mmapNext
	if err := e.cpu.MemMapProt(ret, size, prot); err != nil {
		return 0, err
	}
	e.mmapNext += size
	return ret, nil
}

func (e *Engine) Munmap(addr, size uint64) error {
	return e.cpu.MemUnmap(addr, size)
}

func (e *Engine) Mprotect(addr, size uint64, prot int) error {
	return e.cpu.MemProt(addr, size, prot)
}

func (e *Engine) Exit(status int) {
	e.exited = true
	e.exitCode = status
	e.cpu.Stop()
}

func (e *Engine) SetTlsBase(base uint64) {
	e.cpu.RegWrite(x86.GS_BASE, base)
}

func (e *Engine) Config() *models.Config { return e.config }
func (e *Engine) Logger() log.Logger     { return e.logger }

// Run executes from the entry point until the guest exits or faults. The
// returned ExitStatus is the guest's, nil error means a clean exit 0.
func (e *Engine) Run() error {
	err := e.cpu.Start(e.entry, 0)
	if err != nil {
		return err
	}
	if e.runErr != nil {
		return e.runErr
	}
	if e.exited && e.exitCode != 0 {
		return models.ExitStatus(e.exitCode)
	}
	return nil
}

func (e *Engine) ExitCode() int { return e.exitCode }

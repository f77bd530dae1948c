package linker

import (
	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/userbe/userbe/loader"
	"github.com/userbe/userbe/models"
	"github.com/userbe/userbe/models/cpu"
)

const pageSize = 0x1000

// LoadedImage is one object mapped into the guest with its pending link work.
type LoadedImage struct {
	Image
	Loader *loader.ElfLoader
	Relocs []models.Reloc
	Tls    *models.TlsTemplate
}

// Linker walks the DT_NEEDED closure, maps each library into its window and
// feeds the link Context. Relocation happens afterwards, once every symbol
// has a home.
type Linker struct {
	cpu    cpu.Cpu
	ctx    *Context
	cfg    *models.Config
	logger log.Logger

	// open is swapped out by tests to avoid touching the host filesystem
	open func(path string) (*loader.ElfLoader, error)
}

func NewLinker(c cpu.Cpu, ctx *Context, cfg *models.Config, logger log.Logger) *Linker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Linker{
		cpu:    c,
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
		open:   loader.LoadFile,
	}
}

func align(n, to uint64) uint64 {
	mask := to - 1
	return (n + mask) &^ mask
}

// MapImage maps every PT_LOAD of l at base. Segment sizes round up to page
// granularity and file bytes are written on top of the zeroed mapping, so
// bss tails need no separate pass. After rounding, adjacent segments often
// share a page (rw data starting inside the text segment's last page); the
// shared page keeps the union of both protections instead of a second
// overlapping region.
func MapImage(c cpu.Cpu, l *loader.ElfLoader, base uint64, desc string) error {
	segs, err := l.Segments()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		addr := (base + seg.Addr) &^ (pageSize - 1)
		end := align(base+seg.Addr+seg.Size, pageSize)
		kind := cpu.KIND_DATA
		if seg.Prot&cpu.PROT_EXEC != 0 {
			kind = cpu.KIND_CODE
		}
		if err := mapPages(c, addr, end, seg.Prot, kind, desc); err != nil {
			return errors.Wrapf(err, "mapping %s at %#x", desc, addr)
		}
		data, err := seg.Data()
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := c.MemWrite(base+seg.Addr, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// mapPages maps [addr, end), widening the protection of any subrange an
// earlier mapping already owns and mapping only the gaps.
func mapPages(c cpu.Cpu, addr, end uint64, prot, kind int, desc string) error {
	for addr < end {
		var owner *cpu.Region
		for _, r := range c.MemRegions() {
			if r.Contains(addr) {
				owner = r
				break
			}
		}
		if owner != nil {
			stop := owner.Addr + owner.Size
			if stop > end {
				stop = end
			}
			if owner.Prot&prot != prot {
				if err := c.MemProt(addr, stop-addr, owner.Prot|prot); err != nil {
					return err
				}
			}
			addr = stop
			continue
		}
		stop := end
		for _, r := range c.MemRegions() {
			if r.Addr > addr && r.Addr < stop {
				stop = r.Addr
			}
		}
		if err := c.MemMapKind(addr, stop-addr, prot, kind, desc); err != nil {
			return err
		}
		addr = stop
	}
	return nil
}

// Link maps the executable's dependency closure breadth-first, registering
// each library's dynamic symbols as it lands. The executable is module 1;
// libraries take the next ids in discovery order. A missing library is
// logged and registered empty so its symbols fall through to stubs.
func (lk *Linker) Link(exe *loader.ElfLoader, exeBase uint64) ([]*LoadedImage, error) {
	img, err := lk.admit(exe, "exe", exeBase, 1)
	if err != nil {
		return nil, err
	}
	images := []*LoadedImage{img}

	queue := append([]string(nil), exe.Needed()...)
	seen := map[string]bool{}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		path := lk.cfg.PrefixPath(name, false)
		l, err := lk.open(path)
		if err != nil {
			lk.logger.Log("event", "missing_library", "name", name, "path", path)
			lk.ctx.Register(name, 0, nil)
			continue
		}
		base, err := lk.ctx.AssignBase(name)
		if err != nil {
			return nil, err
		}
		if err := MapImage(lk.cpu, l, base, name); err != nil {
			return nil, err
		}
		img, err := lk.admit(l, name, base, len(images)+1)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
		lk.logger.Log("event", "library_loaded", "name", name, "base", base)
		queue = append(queue, l.Needed()...)
	}
	return images, nil
}

// admit registers an already-mapped object's symbols and gathers its
// relocations and TLS template.
func (lk *Linker) admit(l *loader.ElfLoader, name string, base uint64, module int) (*LoadedImage, error) {
	syms, err := l.DynamicSymbols()
	if err != nil {
		syms = nil
	}
	rebased := make([]models.Symbol, len(syms))
	for i, sym := range syms {
		rebased[i] = sym.Relocated(base)
	}
	lk.ctx.Register(name, base, rebased)

	relocs, err := l.Relocs()
	if err != nil {
		return nil, errors.Wrapf(err, "relocations of %s", name)
	}
	tls, err := l.TlsTemplate()
	if err != nil {
		return nil, err
	}
	return &LoadedImage{
		Image:  Image{Name: name, Base: base, Module: module},
		Loader: l,
		Relocs: relocs,
		Tls:    tls,
	}, nil
}

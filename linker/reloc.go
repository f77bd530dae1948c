package linker

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/userbe/userbe/models"
	"github.com/userbe/userbe/models/cpu"
)

// i386 relocation types. REL format only: the addend is the word already
// stored at the relocated location.
const (
	R_386_NONE         = 0
	R_386_32           = 1
	R_386_PC32         = 2
	R_386_GOT32        = 3
	R_386_PLT32        = 4
	R_386_COPY         = 5
	R_386_GLOB_DAT     = 6
	R_386_JMP_SLOT     = 7
	R_386_RELATIVE     = 8
	R_386_GOTOFF       = 9
	R_386_GOTPC        = 10
	R_386_TLS_TPOFF    = 14
	R_386_TLS_LE       = 17
	R_386_TLS_DTPMOD32 = 35
	R_386_TLS_DTPOFF32 = 36
)

var ErrUnknownReloc = errors.New("unknown relocation type")

// TlsLayout answers where a module's TLS block sits relative to the thread
// pointer, for the static (initial-exec) relocation variants.
type TlsLayout interface {
	ThreadOffset(module int, off uint64) (uint64, error)
}

// Image is one mapped object being relocated.
type Image struct {
	Name   string
	Base   uint64
	Module int
}

// RelocationProcessor patches relocation targets in guest memory. Symbol
// addresses come from the link Context; JMP_SLOT entries route through the
// PltGot so lazy binding stays intact.
type RelocationProcessor struct {
	mem models.MemIO
	ctx *Context
	plt *PltGot
	tls TlsLayout
}

func NewRelocationProcessor(mem models.MemIO, ctx *Context, plt *PltGot, tls TlsLayout) *RelocationProcessor {
	return &RelocationProcessor{mem: mem, ctx: ctx, plt: plt, tls: tls}
}

func (r *RelocationProcessor) readWord(addr uint64) (uint64, error) {
	buf, err := r.mem.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return cpu.UnpackUint(binary.LittleEndian, 4, buf)
}

func (r *RelocationProcessor) writeWord(addr, val uint64) error {
	buf, err := cpu.PackUint(binary.LittleEndian, 4, nil, val)
	if err != nil {
		return err
	}
	return r.mem.MemWrite(addr, buf)
}

// symAddr resolves a relocation's symbol: a definition local to the image
// wins, otherwise the global table (with its stub fallback) decides.
func (r *RelocationProcessor) symAddr(img Image, rel models.Reloc) (uint64, error) {
	if rel.Sym == nil {
		return 0, nil
	}
	if rel.Sym.Addr != 0 {
		return img.Base + rel.Sym.Addr, nil
	}
	return r.ctx.Resolve(rel.Sym.Name)
}

// Apply patches every relocation of img. An unknown type is fatal: skipping
// one silently leaves a wild pointer in the guest image.
func (r *RelocationProcessor) Apply(img Image, relocs []models.Reloc) error {
	for _, rel := range relocs {
		if err := r.apply(img, rel); err != nil {
			return errors.Wrapf(err, "%s+%#x", img.Name, rel.Off)
		}
	}
	return nil
}

func (r *RelocationProcessor) apply(img Image, rel models.Reloc) error {
	if rel.Type == R_386_NONE {
		return nil
	}
	loc := img.Base + rel.Off
	addend, err := r.readWord(loc)
	if err != nil {
		return err
	}
	switch rel.Type {
	case R_386_32:
		s, err := r.symAddr(img, rel)
		if err != nil {
			return err
		}
		return r.writeWord(loc, s+addend)
	case R_386_PC32:
		s, err := r.symAddr(img, rel)
		if err != nil {
			return err
		}
		return r.writeWord(loc, s+addend-loc)
	case R_386_GOT32:
		slot, err := r.plt.GotEntry(rel.Sym.Name)
		if err != nil {
			return err
		}
		return r.writeWord(loc, slot-r.plt.GotBase()+addend)
	case R_386_PLT32:
		e, err := r.plt.Entry(rel.Sym.Name)
		if err != nil {
			return err
		}
		return r.writeWord(loc, e.Addr+addend-loc)
	case R_386_COPY:
		if rel.Sym == nil || rel.Sym.Size == 0 {
			return nil
		}
		src, err := r.ctx.ResolveOutside(rel.Sym.Name, img.Name)
		if err != nil {
			return err
		}
		data, err := r.mem.MemRead(src, rel.Sym.Size)
		if err != nil {
			return err
		}
		return r.mem.MemWrite(loc, data)
	case R_386_GLOB_DAT:
		s, err := r.symAddr(img, rel)
		if err != nil {
			return err
		}
		return r.writeWord(loc, s)
	case R_386_JMP_SLOT:
		return r.plt.BindJmpSlot(rel.Sym.Name, loc)
	case R_386_RELATIVE:
		return r.writeWord(loc, img.Base+addend)
	case R_386_GOTOFF:
		s, err := r.symAddr(img, rel)
		if err != nil {
			return err
		}
		return r.writeWord(loc, s+addend-r.plt.GotBase())
	case R_386_GOTPC:
		return r.writeWord(loc, r.plt.GotBase()+addend-loc)
	case R_386_TLS_TPOFF, R_386_TLS_LE:
		off := addend
		if rel.Sym != nil {
			off += rel.Sym.Addr
		}
		if r.tls == nil {
			return errors.Errorf("tls relocation %d without a tls layout", rel.Type)
		}
		tp, err := r.tls.ThreadOffset(img.Module, off)
		if err != nil {
			return err
		}
		if rel.Type == R_386_TLS_LE {
			tp = -tp & 0xffffffff
		}
		return r.writeWord(loc, tp)
	case R_386_TLS_DTPMOD32:
		return r.writeWord(loc, uint64(img.Module))
	case R_386_TLS_DTPOFF32:
		off := addend
		if rel.Sym != nil {
			off += rel.Sym.Addr
		}
		return r.writeWord(loc, off)
	}
	return errors.Wrapf(ErrUnknownReloc, "type %d", rel.Type)
}

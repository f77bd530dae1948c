package loader

import (
	"bytes"
	"debug/elf"
	"io"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"

	"github.com/userbe/userbe/models"
	"github.com/userbe/userbe/models/cpu"
)

var (
	ErrInvalidMagic       = errors.New("bad ELF magic")
	ErrTruncated          = errors.New("truncated ELF")
	ErrUnsupportedMachine = errors.New("unsupported machine")
)

var elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}

func MatchElf(r io.ReaderAt) bool {
	return bytes.Equal(getMagic(r), elfMagic)
}

// ElfLoader parses 32-bit little-endian x86 ELF images.
type ElfLoader struct {
	LoaderHeader
	file *elf.File
}

func NewElfLoader(r io.ReaderAt) (*ElfLoader, error) {
	if !MatchElf(r) {
		return nil, errors.WithStack(ErrInvalidMagic)
	}
	file, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(ErrTruncated, err.Error())
	}
	if file.Class != elf.ELFCLASS32 {
		return nil, errors.Wrapf(ErrUnsupportedMachine, "class %s", file.Class)
	}
	if file.Data != elf.ELFDATA2LSB {
		return nil, errors.Wrapf(ErrUnsupportedMachine, "byte order %s", file.Data)
	}
	if file.Machine != elf.EM_386 {
		return nil, errors.Wrapf(ErrUnsupportedMachine, "%s", file.Machine)
	}
	return &ElfLoader{
		LoaderHeader: LoaderHeader{
			arch:  "x86",
			bits:  32,
			os:    "linux",
			entry: file.Entry,
		},
		file: file,
	}, nil
}

func (e *ElfLoader) Type() int {
	switch e.file.Type {
	case elf.ET_EXEC:
		return models.EXEC
	case elf.ET_DYN:
		return models.DYN
	default:
		return models.UNKNOWN
	}
}

func (e *ElfLoader) Interp() string {
	for _, prog := range e.file.Progs {
		if prog.Type == elf.PT_INTERP {
			data, _ := ioutil.ReadAll(prog.Open())
			return strings.TrimRight(string(data), "\x00")
		}
	}
	return ""
}

func (e *ElfLoader) IsDynamic() bool {
	if e.Interp() != "" {
		return true
	}
	for _, prog := range e.file.Progs {
		if prog.Type == elf.PT_DYNAMIC {
			return true
		}
	}
	return false
}

func segmentProt(flags elf.ProgFlag) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= cpu.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= cpu.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= cpu.PROT_EXEC
	}
	return prot
}

// Segments returns each PT_LOAD with its memory image: file bytes at the
// front, the [filesz, memsz) tail zeroed for bss.
func (e *ElfLoader) Segments() ([]models.SegmentData, error) {
	ret := make([]models.SegmentData, 0, len(e.file.Progs))
	for _, prog := range e.file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		prog := prog
		ret = append(ret, models.SegmentData{
			Off:  prog.Off,
			Addr: prog.Vaddr,
			Size: prog.Memsz,
			Prot: segmentProt(prog.Flags),
			DataFunc: func() ([]byte, error) {
				data := make([]byte, prog.Filesz)
				if _, err := io.ReadFull(prog.Open(), data); err != nil {
					return nil, errors.Wrap(ErrTruncated, err.Error())
				}
				return data, nil
			},
		})
	}
	return ret, nil
}

func (e *ElfLoader) DataSegment() (start, end uint64) {
	sec := e.file.Section(".data")
	if sec != nil {
		return sec.Addr, sec.Addr + sec.Size
	}
	return 0, 0
}

func convertSym(sym elf.Symbol, dynamic bool) models.Symbol {
	bind := models.SymBindLocal
	switch elf.ST_BIND(sym.Info) {
	case elf.STB_GLOBAL:
		bind = models.SymBindGlobal
	case elf.STB_WEAK:
		bind = models.SymBindWeak
	}
	kind := models.SymKindNone
	switch elf.ST_TYPE(sym.Info) {
	case elf.STT_FUNC:
		kind = models.SymKindFunc
	case elf.STT_OBJECT:
		kind = models.SymKindObject
	case elf.STT_TLS:
		kind = models.SymKindTLS
	}
	return models.Symbol{
		Name:    sym.Name,
		Addr:    sym.Value,
		Size:    sym.Size,
		Bind:    bind,
		Kind:    kind,
		Dynamic: dynamic,
	}
}

func (e *ElfLoader) Symbols() ([]models.Symbol, error) {
	var err error
	if e.symCache == nil {
		syms, err2 := e.file.Symbols()
		if err2 != nil {
			return nil, err2
		}
		ret := make([]models.Symbol, len(syms))
		for i, sym := range syms {
			ret[i] = convertSym(sym, false)
		}
		e.symCache, err = ret, nil
	}
	return e.symCache, err
}

// DynamicSymbols preserves dynsym order: index i here is dynsym index i+1
// (debug/elf strips the leading STN_UNDEF entry).
func (e *ElfLoader) DynamicSymbols() ([]models.Symbol, error) {
	syms, err := e.file.DynamicSymbols()
	if err != nil {
		return nil, err
	}
	ret := make([]models.Symbol, len(syms))
	for i, sym := range syms {
		ret[i] = convertSym(sym, true)
	}
	return ret, nil
}

func (e *ElfLoader) Needed() []string {
	libs, _ := e.file.ImportedLibraries()
	return libs
}

// Relocs parses SHT_REL sections (.rel.dyn, .rel.plt). i386 has no RELA.
func (e *ElfLoader) Relocs() ([]models.Reloc, error) {
	syms, err := e.DynamicSymbols()
	if err != nil {
		syms = nil
	}
	var ret []models.Reloc
	for _, sec := range e.file.Sections {
		if sec.Type != elf.SHT_REL {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, errors.Wrap(ErrTruncated, err.Error())
		}
		order := e.ByteOrder()
		for off := 0; off+8 <= len(data); off += 8 {
			rOff := order.Uint32(data[off:])
			rInfo := order.Uint32(data[off+4:])
			rel := models.Reloc{
				Off:      uint64(rOff),
				Type:     int(rInfo & 0xff),
				SymIndex: int(rInfo >> 8),
			}
			if i := rel.SymIndex; i > 0 && i <= len(syms) {
				rel.Sym = &syms[i-1]
			}
			ret = append(ret, rel)
		}
	}
	return ret, nil
}

// TlsTemplate returns the PT_TLS initialization image, or nil.
func (e *ElfLoader) TlsTemplate() (*models.TlsTemplate, error) {
	for _, prog := range e.file.Progs {
		if prog.Type != elf.PT_TLS {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, errors.Wrap(ErrTruncated, err.Error())
		}
		align := prog.Align
		if align == 0 {
			align = 4
		}
		return &models.TlsTemplate{
			Data:  data,
			Size:  prog.Memsz,
			Align: align,
		}, nil
	}
	return nil, nil
}

package models

type SymBind int

const (
	SymBindLocal SymBind = iota
	SymBindGlobal
	SymBindWeak
)

type SymKind int

const (
	SymKindNone SymKind = iota
	SymKindFunc
	SymKindObject
	SymKindTLS
)

type Symbol struct {
	Name    string
	Addr    uint64
	Size    uint64
	Bind    SymBind
	Kind    SymKind
	Dynamic bool
}

func (s Symbol) Contains(addr uint64) bool {
	return s.Addr <= addr && (s.Addr+s.Size > addr || s.Size == 0)
}

// Relocated returns a copy of the symbol rebased against a library load address.
func (s Symbol) Relocated(base uint64) Symbol {
	s.Addr += base
	return s
}

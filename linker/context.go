// Package linker resolves symbols across loaded libraries and patches
// relocations. All mutable link state lives in a Context owned by the
// engine; there are no package-level tables.
package linker

import (
	"hash/fnv"
	"strings"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/userbe/userbe/models"
)

const (
	// each distinct library name gets its own 256 MB window so relocated
	// addresses are reproducible across runs
	LibraryBase   = 0x10000000
	LibraryWindow = 0x10000000

	// windows at or above this would collide with the mmap and stack areas
	LibraryCeiling = 0xB0000000

	// unresolved mangled symbols land here, keyed by a hash of the name
	StubBase = 0xCAFE0000
	StubSize = 0x10000
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrWindowsFull    = errors.New("library address windows exhausted")
)

type Library struct {
	Name    string
	Base    uint64
	Symbols []models.Symbol
}

type Context struct {
	logger   log.Logger
	libs     map[string]*Library
	order    []string
	symbols  map[string]models.Symbol
	nextBase uint64
}

func NewContext(logger log.Logger) *Context {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Context{
		logger:   logger,
		libs:     make(map[string]*Library),
		symbols:  make(map[string]models.Symbol),
		nextBase: LibraryBase,
	}
}

// AssignBase reserves the next unused window for name. Asking again for a
// known name returns its existing base, so layouts are deterministic in
// load order.
func (c *Context) AssignBase(name string) (uint64, error) {
	if lib, ok := c.libs[name]; ok {
		return lib.Base, nil
	}
	if c.nextBase >= LibraryCeiling {
		return 0, errors.Wrap(ErrWindowsFull, name)
	}
	base := c.nextBase
	c.nextBase += LibraryWindow
	c.libs[name] = &Library{Name: name, Base: base}
	c.order = append(c.order, name)
	return base, nil
}

// Register records a library's symbols, already rebased to its window.
func (c *Context) Register(name string, base uint64, syms []models.Symbol) *Library {
	lib, ok := c.libs[name]
	if !ok {
		lib = &Library{Name: name, Base: base}
		c.libs[name] = lib
		c.order = append(c.order, name)
	}
	lib.Base = base
	lib.Symbols = syms
	for _, sym := range syms {
		c.AddSymbol(sym)
	}
	return lib
}

// AddSymbol applies the override rule: a global definition replaces a weak
// one, never the reverse, and locals stay out of the global table.
func (c *Context) AddSymbol(sym models.Symbol) {
	if sym.Name == "" || sym.Bind == models.SymBindLocal || sym.Addr == 0 {
		return
	}
	if old, ok := c.symbols[sym.Name]; ok {
		if sym.Bind == models.SymBindWeak || old.Bind == models.SymBindGlobal {
			return
		}
	}
	c.symbols[sym.Name] = sym
}

func (c *Context) Library(name string) *Library {
	return c.libs[name]
}

func (c *Context) Libraries() []*Library {
	ret := make([]*Library, len(c.order))
	for i, name := range c.order {
		ret[i] = c.libs[name]
	}
	return ret
}

func (c *Context) Lookup(name string) (models.Symbol, bool) {
	sym, ok := c.symbols[name]
	return sym, ok
}

// ResolveOutside resolves name against every registered library except
// skip. COPY relocations need it: the requesting executable's own dynsym
// for a copied object names the copy destination, so resolving through the
// global table would hand back the destination as the source.
func (c *Context) ResolveOutside(name, skip string) (uint64, error) {
	var weak uint64
	found := false
	for _, lname := range c.order {
		if lname == skip {
			continue
		}
		for _, sym := range c.libs[lname].Symbols {
			if sym.Name != name || sym.Addr == 0 || sym.Bind == models.SymBindLocal {
				continue
			}
			if sym.Bind == models.SymBindGlobal {
				return sym.Addr, nil
			}
			if !found {
				weak, found = sym.Addr, true
			}
		}
	}
	if found {
		return weak, nil
	}
	return c.Resolve(name)
}

func mangled(name string) bool {
	return strings.HasPrefix(name, "_Z") || strings.HasPrefix(name, "__Z")
}

// StubAddr maps a symbol name to a deterministic address in the stub
// window, so unresolved C++ symbols relocate identically on every run.
func StubAddr(name string) uint64 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return StubBase + uint64(h.Sum32()%(StubSize-4))&^3
}

// Resolve returns the address for a symbol name. Unresolved mangled names
// degrade to a stub address and are logged; unresolved C names fail.
func (c *Context) Resolve(name string) (uint64, error) {
	if sym, ok := c.symbols[name]; ok {
		return sym.Addr, nil
	}
	if mangled(name) {
		addr := StubAddr(name)
		c.logger.Log("event", "stub_resolved", "symbol", name, "addr", addr)
		return addr, nil
	}
	return 0, errors.Wrap(ErrSymbolNotFound, name)
}

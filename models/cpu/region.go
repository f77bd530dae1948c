package cpu

import (
	"bytes"
	"fmt"
	"strings"
)

type Region struct {
	Addr uint64
	Size uint64
	Prot int
	Kind int
	Data []byte

	Desc string
}

func kindName(kind int) string {
	switch kind {
	case KIND_CODE:
		return "code"
	case KIND_DATA:
		return "data"
	case KIND_STACK:
		return "stack"
	case KIND_HEAP:
		return "heap"
	case KIND_GUARD:
		return "guard"
	}
	return "mapped"
}

func (r *Region) String() string {
	prots := []int{PROT_READ, PROT_WRITE, PROT_EXEC}
	chars := []string{"r", "w", "x"}
	prot := ""
	for i := range prots {
		if r.Prot&prots[i] != 0 {
			prot += chars[i]
		} else {
			prot += "-"
		}
	}
	desc := fmt.Sprintf("0x%x-0x%x %s %s", r.Addr, r.Addr+r.Size, prot, kindName(r.Kind))
	if r.Desc != "" {
		desc += fmt.Sprintf(" [%s]", r.Desc)
	}
	return desc
}

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.Addr+r.Size
}

// start = max(s1, s2), end = min(e1, e2), ok = end > start
func (r *Region) Intersect(addr, size uint64) (uint64, uint64, bool) {
	start := r.Addr
	end := r.Addr + r.Size
	e2 := addr + size
	if end > e2 {
		end = e2
	}
	if start < addr {
		start = addr
	}
	return start, end - start, end > start
}

func (r *Region) Overlaps(addr, size uint64) bool {
	_, _, ok := r.Intersect(addr, size)
	return ok
}

func (r *Region) slice(addr, size uint64) *Region {
	o := addr - r.Addr
	return &Region{Addr: addr, Size: size, Prot: r.Prot, Kind: r.Kind, Data: r.Data[o : o+size], Desc: r.Desc}
}

// Split cuts [addr, addr+size) out of the region, returning the remainders
// on either side. The receiver is narrowed (or padded) to the cut range.
func (r *Region) Split(addr, size uint64) (left, right *Region) {
	if addr+size < r.Addr+r.Size {
		ra := addr + size
		rs := (r.Addr + r.Size) - ra
		right = r.slice(ra, rs)
		r.Data = r.Data[:ra-r.Addr]
	}
	if addr > r.Addr {
		ls := addr - r.Addr
		left = r.slice(r.Addr, ls)
		r.Data = r.Data[ls:]
	}
	if addr < r.Addr {
		extra := bytes.Repeat([]byte{0}, int(r.Addr-addr))
		r.Data = append(extra, r.Data...)
	}
	raddr, nraddr := r.Addr+r.Size, addr+size
	if nraddr > raddr {
		extra := bytes.Repeat([]byte{0}, int(nraddr-raddr))
		r.Data = append(r.Data, extra...)
	}
	r.Addr, r.Size = addr, size
	return left, right
}

func (r *Region) Write(addr uint64, p []byte) {
	copy(r.Data[addr-r.Addr:], p)
}

type Regions []*Region

func (r Regions) Len() int           { return len(r) }
func (r Regions) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r Regions) Less(i, j int) bool { return r[i].Addr < r[j].Addr }

func (r Regions) String() string {
	s := make([]string, len(r))
	for i, v := range r {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// binary search to find index of first region containing addr, if any, else -1
func (r Regions) bsearch(addr uint64) int {
	l := 0
	h := len(r) - 1
	for l <= h {
		mid := (l + h) / 2
		e := r[mid]
		if addr >= e.Addr {
			if addr < e.Addr+e.Size {
				return mid
			}
			l = mid + 1
		} else {
			h = mid - 1
		}
	}
	return -1
}

func (r Regions) Find(addr uint64) *Region {
	i := r.bsearch(addr)
	if i >= 0 {
		return r[i]
	}
	return nil
}

package models

import (
	"sort"

	"github.com/userbe/userbe/models/cpu"
)

type Reg struct {
	Enum int
	Name string
}

type RegVal struct {
	Reg
	Val uint64
}

type regList []Reg

func (r regList) Len() int           { return len(r) }
func (r regList) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r regList) Less(i, j int) bool { return r[i].Name < r[j].Name }

type regMap map[string]int

func (r regMap) Items() regList {
	ret := make(regList, 0, len(r))
	for n, e := range r {
		ret = append(ret, Reg{e, n})
	}
	return ret
}

// CpuBuilder constructs a fresh interpreter instance for an Arch.
type CpuBuilder interface {
	New() (cpu.Cpu, error)
}

type Arch struct {
	Name string
	Bits uint

	PC int
	SP int

	Cpu CpuBuilder

	Regs        regMap
	DefaultRegs []string

	// sorted for RegDump
	regList regList
}

func (a *Arch) RegNames() map[string]int {
	return a.Regs
}

func (a *Arch) RegDump(c cpu.Cpu) ([]RegVal, error) {
	if a.regList == nil {
		rl := a.Regs.Items()
		sort.Sort(rl)
		a.regList = rl
	}
	ret := make([]RegVal, len(a.regList))
	for i, r := range a.regList {
		val, err := c.RegRead(r.Enum)
		if err != nil {
			return nil, err
		}
		ret[i] = RegVal{r, val}
	}
	return ret, nil
}

package x86

import (
	"github.com/userbe/userbe/models"
	"github.com/userbe/userbe/models/cpu"
)

// AbiRegs is the int 0x80 argument order; the number rides in eax and the
// result comes back there too.
var AbiRegs = []int{EBX, ECX, EDX, ESI, EDI, EBP}

const AbiRet = EAX

var StaticUname = models.Uname{
	Sysname:  "Linux",
	Nodename: "userbe",
	Release:  "3.13.0-24-generic",
	Version:  "normal copy of Linux minding my business",
	Machine:  "i686",
}

// RegArgs reads the syscall argument registers in ABI order.
func RegArgs(c cpu.Cpu) []uint64 {
	ret := make([]uint64, len(AbiRegs))
	for i, reg := range AbiRegs {
		ret[i], _ = c.RegRead(reg)
	}
	return ret
}

// Package x86 interprets 32-bit x86 machine code. Only the user-mode
// instruction subset compilers emit for plain C and C++ code is
// implemented; anything else raises the invalid-instruction hook.
package x86

import (
	"encoding/binary"

	"github.com/userbe/userbe/models"
	"github.com/userbe/userbe/models/cpu"
)

// register enums; the first eight match ModRM register numbering
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	EIP
	EFLAGS
	GS_BASE
)

var regEnums = []int{EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI, EIP, EFLAGS, GS_BASE}

type Builder struct{}

func (b *Builder) New() (cpu.Cpu, error) {
	return NewCpu()
}

var Arch = &models.Arch{
	Name: "x86",
	Bits: 32,
	PC:   EIP,
	SP:   ESP,
	Cpu:  &Builder{},
	Regs: map[string]int{
		"eax": EAX, "ecx": ECX, "edx": EDX, "ebx": EBX,
		"esp": ESP, "ebp": EBP, "esi": ESI, "edi": EDI,
		"eip": EIP, "eflags": EFLAGS, "gs_base": GS_BASE,
	},
	DefaultRegs: []string{
		"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp",
	},
}

var byteOrder = binary.LittleEndian

package x86

import (
	"github.com/userbe/userbe/models/cpu"
)

// operand is a decoded ModRM target: a register number or an effective
// address.
type operand struct {
	reg  int
	addr uint64
	mem  bool
}

func regOp(reg int) operand {
	return operand{reg: reg}
}

func memOp(addr uint64) operand {
	return operand{addr: addr, mem: true}
}

// insn carries the state of one instruction decode: prefixes, the fetch
// cursor and the start address for relative jumps.
type insn struct {
	c      *X86Cpu
	start  uint64
	pc     uint64
	opsize uint
	seg    int // -1 or a segment base register enum
	rep    byte

	// set when the instruction wrote eip itself
	jumped bool
}

func (i *insn) fetch8() (byte, error) {
	v, err := i.c.mem.ReadUint(i.pc, 1, cpu.PROT_EXEC)
	if err != nil {
		return 0, err
	}
	i.pc++
	return byte(v), nil
}

func (i *insn) fetch16() (uint16, error) {
	v, err := i.c.mem.ReadUint(i.pc, 2, cpu.PROT_EXEC)
	if err != nil {
		return 0, err
	}
	i.pc += 2
	return uint16(v), nil
}

func (i *insn) fetch32() (uint32, error) {
	v, err := i.c.mem.ReadUint(i.pc, 4, cpu.PROT_EXEC)
	if err != nil {
		return 0, err
	}
	i.pc += 4
	return uint32(v), nil
}

// fetchImm reads an operand-sized immediate; 16-bit mode still encodes
// imm16, everything else imm32.
func (i *insn) fetchImm() (uint64, error) {
	if i.opsize == 2 {
		v, err := i.fetch16()
		return uint64(v), err
	}
	v, err := i.fetch32()
	return uint64(v), err
}

// segBase applies an active segment override to an effective address.
func (i *insn) segBase(addr uint64) uint64 {
	if i.seg >= 0 {
		base, _ := i.c.RegRead(i.seg)
		addr += base
	}
	return addr & 0xffffffff
}

// modrm decodes one ModRM byte (plus SIB and displacement) into the reg
// field and an rm operand.
func (i *insn) modrm() (int, operand, error) {
	b, err := i.fetch8()
	if err != nil {
		return 0, operand{}, err
	}
	mod := int(b >> 6)
	reg := int(b >> 3 & 7)
	rm := int(b & 7)

	if mod == 3 {
		return reg, regOp(rm), nil
	}

	var addr uint64
	switch {
	case rm == 4:
		sib, err := i.fetch8()
		if err != nil {
			return 0, operand{}, err
		}
		scale := uint(sib >> 6)
		index := int(sib >> 3 & 7)
		base := int(sib & 7)
		if index != 4 {
			v, _ := i.c.RegRead(index)
			addr += v << scale
		}
		if base == 5 && mod == 0 {
			disp, err := i.fetch32()
			if err != nil {
				return 0, operand{}, err
			}
			addr += uint64(disp)
		} else {
			v, _ := i.c.RegRead(base)
			addr += v
		}
	case rm == 5 && mod == 0:
		disp, err := i.fetch32()
		if err != nil {
			return 0, operand{}, err
		}
		addr = uint64(disp)
	default:
		addr, _ = i.c.RegRead(rm)
	}

	switch mod {
	case 1:
		disp, err := i.fetch8()
		if err != nil {
			return 0, operand{}, err
		}
		addr += uint64(int64(int8(disp)))
	case 2:
		disp, err := i.fetch32()
		if err != nil {
			return 0, operand{}, err
		}
		addr += uint64(disp)
	}
	return reg, memOp(i.segBase(addr)), nil
}

// readReg handles the 8-bit register split: numbers 4-7 address the high
// byte of eax-ebx.
func (i *insn) readReg(reg int, size uint) uint64 {
	if size == 1 && reg >= 4 {
		v, _ := i.c.RegRead(reg - 4)
		return v >> 8 & 0xff
	}
	v, _ := i.c.RegRead(reg)
	return v & sizeMask(size)
}

func (i *insn) writeReg(reg int, size uint, val uint64) {
	if size == 4 {
		i.c.RegWrite(reg, val&0xffffffff)
		return
	}
	if size == 1 && reg >= 4 {
		reg -= 4
		old, _ := i.c.RegRead(reg)
		i.c.RegWrite(reg, old&^uint64(0xff00)|(val&0xff)<<8)
		return
	}
	old, _ := i.c.RegRead(reg)
	mask := sizeMask(size)
	i.c.RegWrite(reg, old&^mask|val&mask)
}

func (i *insn) readOp(op operand, size uint) (uint64, error) {
	if op.mem {
		return i.c.mem.ReadUint(op.addr, int(size), cpu.PROT_READ)
	}
	return i.readReg(op.reg, size), nil
}

func (i *insn) writeOp(op operand, size uint, val uint64) error {
	if op.mem {
		return i.c.mem.WriteUint(op.addr, int(size), cpu.PROT_WRITE, val&sizeMask(size))
	}
	i.writeReg(op.reg, size, val)
	return nil
}

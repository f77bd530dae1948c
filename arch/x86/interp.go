package x86

import (
	"github.com/pkg/errors"

	"github.com/userbe/userbe/models/cpu"
)

var (
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrDivideByZero       = errors.New("divide error")
)

// X86Cpu is a straight fetch/decode/execute interpreter over the memory
// simulator. It has no pipeline or timing model; one loop iteration is one
// retired instruction.
type X86Cpu struct {
	*cpu.Regs
	mem   *cpu.Mem
	hooks *cpu.Hooks

	stopped bool
}

func NewCpu() (*X86Cpu, error) {
	c := &X86Cpu{
		Regs: cpu.NewRegs(32, regEnums),
		mem:  cpu.NewMem(32, byteOrder),
	}
	c.hooks = cpu.NewHooks(c, c.mem)
	return c, nil
}

// memory interface delegates

func (c *X86Cpu) MemMapProt(addr, size uint64, prot int) error {
	return c.mem.MemMapProt(addr, size, prot)
}

func (c *X86Cpu) MemMapKind(addr, size uint64, prot, kind int, desc string) error {
	return c.mem.MemMapKind(addr, size, prot, kind, desc)
}

func (c *X86Cpu) MemProt(addr, size uint64, prot int) error {
	return c.mem.MemProt(addr, size, prot)
}

func (c *X86Cpu) MemUnmap(addr, size uint64) error {
	return c.mem.MemUnmap(addr, size)
}

func (c *X86Cpu) MemRegions() []*cpu.Region {
	return c.mem.Regions()
}

func (c *X86Cpu) MemRead(addr, size uint64) ([]byte, error) {
	return c.mem.MemRead(addr, size)
}

func (c *X86Cpu) MemReadInto(p []byte, addr uint64) error {
	return c.mem.MemReadInto(p, addr)
}

func (c *X86Cpu) MemWrite(addr uint64, p []byte) error {
	return c.mem.MemWrite(addr, p)
}

func (c *X86Cpu) Mem() *cpu.Mem {
	return c.mem
}

func (c *X86Cpu) HookAdd(htype int, cb interface{}, begin, end uint64) (cpu.Hook, error) {
	return c.hooks.HookAdd(htype, cb, begin, end)
}

func (c *X86Cpu) HookDel(hook cpu.Hook) error {
	return c.hooks.HookDel(hook)
}

func (c *X86Cpu) Stop() error {
	c.stopped = true
	return nil
}

func (c *X86Cpu) Close() error {
	return nil
}

// Start runs from begin until Stop is called, execution reaches until, or
// an instruction faults. Code hooks fire before each decode and may
// redirect eip.
func (c *X86Cpu) Start(begin, until uint64) error {
	c.stopped = false
	if err := c.RegWrite(EIP, begin); err != nil {
		return err
	}
	for !c.stopped {
		pc, _ := c.RegRead(EIP)
		if pc == until {
			break
		}
		c.hooks.OnCode(pc, 1)
		if c.stopped {
			break
		}
		pc, _ = c.RegRead(EIP)
		if pc == until {
			break
		}
		if err := c.step(pc); err != nil {
			return errors.Wrapf(err, "eip=%#x", pc)
		}
	}
	return nil
}

func (c *X86Cpu) step(pc uint64) error {
	i := &insn{c: c, start: pc, pc: pc, opsize: 4, seg: -1}
	var op byte
prefixes:
	for {
		b, err := i.fetch8()
		if err != nil {
			return err
		}
		switch b {
		case 0x66:
			i.opsize = 2
		case 0x26, 0x2E, 0x36, 0x3E, 0x64:
			// es/cs/ss/ds/fs are flat zero-base
		case 0x65:
			i.seg = GS_BASE
		case 0xF0:
			// lock is a no-op under cooperative threading
		case 0xF2, 0xF3:
			i.rep = b
		default:
			op = b
			break prefixes
		}
	}
	err := c.exec(i, op)
	if errors.Cause(err) == ErrInvalidInstruction {
		if c.hooks.OnInvalid(pc, op) {
			// skip the whole consumed encoding; resuming one byte in
			// would decode the tail of this instruction as a new one
			c.RegWrite(EIP, i.pc)
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	if !i.jumped {
		c.RegWrite(EIP, i.pc)
	}
	return nil
}

// flag plumbing

func (c *X86Cpu) flags() uint64 {
	fl, _ := c.RegRead(EFLAGS)
	return fl
}

const arithMask = CF | PF | AF | ZF | SF | OF

func (c *X86Cpu) setArith(nf uint64) {
	fl := c.flags()
	c.RegWrite(EFLAGS, fl&^uint64(arithMask)|nf)
}

func (c *X86Cpu) setFlag(flag uint64, on bool) {
	fl := c.flags()
	if on {
		fl |= flag
	} else {
		fl &^= flag
	}
	c.RegWrite(EFLAGS, fl)
}

// cond evaluates the low nibble of a Jcc/SETcc opcode.
func (c *X86Cpu) cond(n byte) bool {
	fl := c.flags()
	var r bool
	switch n >> 1 {
	case 0:
		r = fl&OF != 0
	case 1:
		r = fl&CF != 0
	case 2:
		r = fl&ZF != 0
	case 3:
		r = fl&(CF|ZF) != 0
	case 4:
		r = fl&SF != 0
	case 5:
		r = fl&PF != 0
	case 6:
		r = (fl&SF != 0) != (fl&OF != 0)
	case 7:
		r = fl&ZF != 0 || (fl&SF != 0) != (fl&OF != 0)
	}
	if n&1 != 0 {
		return !r
	}
	return r
}

// stack

func (c *X86Cpu) push(val uint64) error {
	sp, _ := c.RegRead(ESP)
	sp = (sp - 4) & 0xffffffff
	if err := c.mem.WriteUint(sp, 4, cpu.PROT_WRITE, val); err != nil {
		return err
	}
	return c.RegWrite(ESP, sp)
}

func (c *X86Cpu) pop() (uint64, error) {
	sp, _ := c.RegRead(ESP)
	val, err := c.mem.ReadUint(sp, 4, cpu.PROT_READ)
	if err != nil {
		return 0, err
	}
	return val, c.RegWrite(ESP, (sp+4)&0xffffffff)
}

// aluOp applies one of the eight classic ALU operations and updates the
// arithmetic flags. The bool reports whether the result writes back (cmp
// and test do not).
func (c *X86Cpu) aluOp(op int, a, b uint64, size uint) (uint64, bool) {
	mask := sizeMask(size)
	am, bm := a&mask, b&mask
	carry := uint64(0)
	if c.flags()&CF != 0 {
		carry = 1
	}
	var res, nf uint64
	write := true
	switch op {
	case 0, 2: // add, adc
		if op == 0 {
			carry = 0
		}
		full := am + bm + carry
		res = full & mask
		nf = szp(res, size)
		if full > mask {
			nf |= CF
		}
		if (am^bm^res)&0x10 != 0 {
			nf |= AF
		}
		if (am^res)&(bm^res)&signBit(size) != 0 {
			nf |= OF
		}
	case 3, 5, 7: // sbb, sub, cmp
		if op != 3 {
			carry = 0
		}
		res = (am - bm - carry) & mask
		nf = szp(res, size)
		if bm+carry > am {
			nf |= CF
		}
		if (am^bm^res)&0x10 != 0 {
			nf |= AF
		}
		if (am^bm)&(am^res)&signBit(size) != 0 {
			nf |= OF
		}
		if op == 7 {
			write = false
		}
	case 1: // or
		res = am | bm
		nf = logicFlags(res, size)
	case 4: // and
		res = am & bm
		nf = logicFlags(res, size)
	case 6: // xor
		res = am ^ bm
		nf = logicFlags(res, size)
	}
	c.setArith(nf)
	return res, write
}

func signExtend(v uint64, size uint) uint64 {
	shift := 64 - size*8
	return uint64(int64(v<<shift) >> shift)
}

func (i *insn) jump(target uint64) {
	i.c.RegWrite(EIP, target&0xffffffff)
	i.jumped = true
}

func (c *X86Cpu) exec(i *insn, op byte) error {
	switch {
	// the classic ALU block: the high bits pick the operation, the low
	// three bits pick the encoding form
	case op < 0x40 && op&7 < 6:
		alu := int(op >> 3 & 7)
		size := i.opsize
		if op&1 == 0 {
			size = 1
		}
		switch op & 7 {
		case 0, 1: // rm, reg
			reg, rm, err := i.modrm()
			if err != nil {
				return err
			}
			a, err := i.readOp(rm, size)
			if err != nil {
				return err
			}
			res, write := c.aluOp(alu, a, i.readReg(reg, size), size)
			if write {
				return i.writeOp(rm, size, res)
			}
		case 2, 3: // reg, rm
			reg, rm, err := i.modrm()
			if err != nil {
				return err
			}
			b, err := i.readOp(rm, size)
			if err != nil {
				return err
			}
			res, write := c.aluOp(alu, i.readReg(reg, size), b, size)
			if write {
				i.writeReg(reg, size, res)
			}
		case 4: // al, imm8
			imm, err := i.fetch8()
			if err != nil {
				return err
			}
			res, write := c.aluOp(alu, i.readReg(EAX, 1), uint64(imm), 1)
			if write {
				i.writeReg(EAX, 1, res)
			}
		case 5: // eax, imm
			imm, err := i.fetchImm()
			if err != nil {
				return err
			}
			res, write := c.aluOp(alu, i.readReg(EAX, size), imm, size)
			if write {
				i.writeReg(EAX, size, res)
			}
		}
		return nil

	case op >= 0x40 && op <= 0x4F: // inc/dec r32
		reg := int(op & 7)
		size := i.opsize
		a := i.readReg(reg, size)
		var res, nf uint64
		if op < 0x48 {
			res = (a + 1) & sizeMask(size)
			nf = addFlags(a, 1, res, size)
		} else {
			res = (a - 1) & sizeMask(size)
			nf = subFlags(a, 1, res, size)
		}
		// inc and dec leave CF alone
		c.setArith(nf&^uint64(CF) | c.flags()&CF)
		i.writeReg(reg, size, res)
		return nil

	case op >= 0x50 && op <= 0x57: // push r32
		return c.push(i.readReg(int(op&7), 4))

	case op >= 0x58 && op <= 0x5F: // pop r32
		val, err := c.pop()
		if err != nil {
			return err
		}
		i.writeReg(int(op&7), 4, val)
		return nil

	case op >= 0x70 && op <= 0x7F: // jcc rel8
		rel, err := i.fetch8()
		if err != nil {
			return err
		}
		if c.cond(op & 0xf) {
			i.jump(i.pc + signExtend(uint64(rel), 1))
		}
		return nil

	case op >= 0x91 && op <= 0x97: // xchg eax, r32
		reg := int(op & 7)
		a := i.readReg(EAX, 4)
		i.writeReg(EAX, 4, i.readReg(reg, 4))
		i.writeReg(reg, 4, a)
		return nil

	case op >= 0xB0 && op <= 0xB7: // mov r8, imm8
		imm, err := i.fetch8()
		if err != nil {
			return err
		}
		i.writeReg(int(op&7), 1, uint64(imm))
		return nil

	case op >= 0xB8 && op <= 0xBF: // mov r32, imm32
		imm, err := i.fetchImm()
		if err != nil {
			return err
		}
		i.writeReg(int(op&7), i.opsize, imm)
		return nil
	}

	switch op {
	case 0x0F:
		return c.exec0F(i)

	case 0x60: // pushad
		sp, _ := c.RegRead(ESP)
		for _, reg := range []int{EAX, ECX, EDX, EBX} {
			if err := c.push(i.readReg(reg, 4)); err != nil {
				return err
			}
		}
		if err := c.push(sp); err != nil {
			return err
		}
		for _, reg := range []int{EBP, ESI, EDI} {
			if err := c.push(i.readReg(reg, 4)); err != nil {
				return err
			}
		}
		return nil

	case 0x61: // popad
		for _, reg := range []int{EDI, ESI, EBP} {
			val, err := c.pop()
			if err != nil {
				return err
			}
			i.writeReg(reg, 4, val)
		}
		if _, err := c.pop(); err != nil { // skip saved esp
			return err
		}
		for _, reg := range []int{EBX, EDX, ECX, EAX} {
			val, err := c.pop()
			if err != nil {
				return err
			}
			i.writeReg(reg, 4, val)
		}
		return nil

	case 0x68: // push imm32
		imm, err := i.fetch32()
		if err != nil {
			return err
		}
		return c.push(uint64(imm))

	case 0x6A: // push imm8 sign-extended
		imm, err := i.fetch8()
		if err != nil {
			return err
		}
		return c.push(signExtend(uint64(imm), 1) & 0xffffffff)

	case 0x69, 0x6B: // imul r, rm, imm
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		a, err := i.readOp(rm, i.opsize)
		if err != nil {
			return err
		}
		var imm uint64
		if op == 0x69 {
			imm, err = i.fetchImm()
		} else {
			var b byte
			b, err = i.fetch8()
			imm = signExtend(uint64(b), 1)
		}
		if err != nil {
			return err
		}
		c.imul(i, reg, a, imm)
		return nil

	case 0x84, 0x85: // test rm, reg
		size := i.opsize
		if op == 0x84 {
			size = 1
		}
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		a, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		c.setArith(logicFlags(a&i.readReg(reg, size), size))
		return nil

	case 0x86, 0x87: // xchg rm, reg
		size := i.opsize
		if op == 0x86 {
			size = 1
		}
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		a, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		if err := i.writeOp(rm, size, i.readReg(reg, size)); err != nil {
			return err
		}
		i.writeReg(reg, size, a)
		return nil

	case 0x88, 0x89: // mov rm, reg
		size := i.opsize
		if op == 0x88 {
			size = 1
		}
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		return i.writeOp(rm, size, i.readReg(reg, size))

	case 0x8A, 0x8B: // mov reg, rm
		size := i.opsize
		if op == 0x8A {
			size = 1
		}
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		val, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		i.writeReg(reg, size, val)
		return nil

	case 0x8C: // mov rm, seg: segments are flat, store zero
		_, rm, err := i.modrm()
		if err != nil {
			return err
		}
		return i.writeOp(rm, 2, 0)

	case 0x8D: // lea
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		if !rm.mem {
			return errors.WithStack(ErrInvalidInstruction)
		}
		i.writeReg(reg, i.opsize, rm.addr)
		return nil

	case 0x8E: // mov seg, rm: selector loads are no-ops here
		_, rm, err := i.modrm()
		if err != nil {
			return err
		}
		_, err = i.readOp(rm, 2)
		return err

	case 0x8F: // pop rm
		_, rm, err := i.modrm()
		if err != nil {
			return err
		}
		val, err := c.pop()
		if err != nil {
			return err
		}
		return i.writeOp(rm, 4, val)

	case 0x90: // nop
		return nil

	case 0x98: // cwde
		i.writeReg(EAX, 4, signExtend(i.readReg(EAX, 2), 2)&0xffffffff)
		return nil

	case 0x99: // cdq
		if i.readReg(EAX, 4)&signBit(4) != 0 {
			i.writeReg(EDX, 4, 0xffffffff)
		} else {
			i.writeReg(EDX, 4, 0)
		}
		return nil

	case 0x9C: // pushf
		return c.push(c.flags())

	case 0x9D: // popf
		fl, err := c.pop()
		if err != nil {
			return err
		}
		return c.RegWrite(EFLAGS, fl)

	case 0xA0, 0xA1: // mov al/eax, moffs
		size := i.opsize
		if op == 0xA0 {
			size = 1
		}
		addr, err := i.fetch32()
		if err != nil {
			return err
		}
		val, err := c.mem.ReadUint(i.segBase(uint64(addr)), int(size), cpu.PROT_READ)
		if err != nil {
			return err
		}
		i.writeReg(EAX, size, val)
		return nil

	case 0xA2, 0xA3: // mov moffs, al/eax
		size := i.opsize
		if op == 0xA2 {
			size = 1
		}
		addr, err := i.fetch32()
		if err != nil {
			return err
		}
		return c.mem.WriteUint(i.segBase(uint64(addr)), int(size), cpu.PROT_WRITE, i.readReg(EAX, size))

	case 0xA4, 0xA5, 0xAA, 0xAB, 0xAC, 0xAD, 0xA6, 0xA7, 0xAE, 0xAF:
		return c.stringOp(i, op)

	case 0xA8, 0xA9: // test al/eax, imm
		size := i.opsize
		var imm uint64
		var err error
		if op == 0xA8 {
			size = 1
			var b byte
			b, err = i.fetch8()
			imm = uint64(b)
		} else {
			imm, err = i.fetchImm()
		}
		if err != nil {
			return err
		}
		c.setArith(logicFlags(i.readReg(EAX, size)&imm, size))
		return nil

	case 0xC0, 0xC1, 0xD0, 0xD1, 0xD2, 0xD3: // shift group
		size := i.opsize
		if op&1 == 0 {
			size = 1
		}
		sub, rm, err := i.modrm()
		if err != nil {
			return err
		}
		var count uint64
		switch op {
		case 0xC0, 0xC1:
			b, err := i.fetch8()
			if err != nil {
				return err
			}
			count = uint64(b)
		case 0xD0, 0xD1:
			count = 1
		case 0xD2, 0xD3:
			count = i.readReg(ECX, 1)
		}
		return c.shiftOp(i, sub, rm, size, count&31)

	case 0xC2: // ret imm16
		imm, err := i.fetch16()
		if err != nil {
			return err
		}
		target, err := c.pop()
		if err != nil {
			return err
		}
		sp, _ := c.RegRead(ESP)
		c.RegWrite(ESP, (sp+uint64(imm))&0xffffffff)
		i.jump(target)
		return nil

	case 0xC3: // ret
		target, err := c.pop()
		if err != nil {
			return err
		}
		i.jump(target)
		return nil

	case 0xC6, 0xC7: // mov rm, imm
		size := i.opsize
		if op == 0xC6 {
			size = 1
		}
		_, rm, err := i.modrm()
		if err != nil {
			return err
		}
		var imm uint64
		if size == 1 {
			b, err := i.fetch8()
			if err != nil {
				return err
			}
			imm = uint64(b)
		} else {
			imm, err = i.fetchImm()
			if err != nil {
				return err
			}
		}
		return i.writeOp(rm, size, imm)

	case 0xC9: // leave
		bp, _ := c.RegRead(EBP)
		c.RegWrite(ESP, bp)
		val, err := c.pop()
		if err != nil {
			return err
		}
		return c.RegWrite(EBP, val)

	case 0xCC: // int3
		c.RegWrite(EIP, i.pc)
		i.jumped = true
		c.hooks.OnIntr(3)
		return nil

	case 0xCD: // int imm8
		imm, err := i.fetch8()
		if err != nil {
			return err
		}
		c.RegWrite(EIP, i.pc)
		i.jumped = true
		c.hooks.OnIntr(uint32(imm))
		return nil

	case 0x80, 0x81, 0x83: // ALU group 1, imm forms
		size := i.opsize
		if op == 0x80 {
			size = 1
		}
		alu, rm, err := i.modrm()
		if err != nil {
			return err
		}
		var imm uint64
		switch op {
		case 0x81:
			imm, err = i.fetchImm()
		default:
			var b byte
			b, err = i.fetch8()
			imm = uint64(b)
			if op == 0x83 {
				imm = signExtend(imm, 1) & sizeMask(size)
			}
		}
		if err != nil {
			return err
		}
		a, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		res, write := c.aluOp(alu, a, imm, size)
		if write {
			return i.writeOp(rm, size, res)
		}
		return nil

	case 0xE8: // call rel32
		rel, err := i.fetch32()
		if err != nil {
			return err
		}
		if err := c.push(i.pc); err != nil {
			return err
		}
		i.jump(i.pc + signExtend(uint64(rel), 4))
		return nil

	case 0xE9: // jmp rel32
		rel, err := i.fetch32()
		if err != nil {
			return err
		}
		i.jump(i.pc + signExtend(uint64(rel), 4))
		return nil

	case 0xEB: // jmp rel8
		rel, err := i.fetch8()
		if err != nil {
			return err
		}
		i.jump(i.pc + signExtend(uint64(rel), 1))
		return nil

	case 0xF4: // hlt
		return c.Stop()

	case 0xF5: // cmc
		c.setFlag(CF, c.flags()&CF == 0)
		return nil

	case 0xF6, 0xF7:
		return c.group3(i, op)

	case 0xF8: // clc
		c.setFlag(CF, false)
		return nil

	case 0xF9: // stc
		c.setFlag(CF, true)
		return nil

	case 0xFC: // cld
		c.setFlag(DF, false)
		return nil

	case 0xFD: // std
		c.setFlag(DF, true)
		return nil

	case 0xFE: // inc/dec rm8
		sub, rm, err := i.modrm()
		if err != nil {
			return err
		}
		a, err := i.readOp(rm, 1)
		if err != nil {
			return err
		}
		var res, nf uint64
		if sub == 0 {
			res = (a + 1) & 0xff
			nf = addFlags(a, 1, res, 1)
		} else {
			res = (a - 1) & 0xff
			nf = subFlags(a, 1, res, 1)
		}
		c.setArith(nf&^uint64(CF) | c.flags()&CF)
		return i.writeOp(rm, 1, res)

	case 0xFF:
		return c.group5(i)
	}
	return errors.WithStack(ErrInvalidInstruction)
}

func (c *X86Cpu) exec0F(i *insn) error {
	op, err := i.fetch8()
	if err != nil {
		return err
	}
	switch {
	case op >= 0x80 && op <= 0x8F: // jcc rel32
		rel, err := i.fetch32()
		if err != nil {
			return err
		}
		if c.cond(op & 0xf) {
			i.jump(i.pc + signExtend(uint64(rel), 4))
		}
		return nil

	case op >= 0x90 && op <= 0x9F: // setcc rm8
		_, rm, err := i.modrm()
		if err != nil {
			return err
		}
		var val uint64
		if c.cond(op & 0xf) {
			val = 1
		}
		return i.writeOp(rm, 1, val)
	}

	switch op {
	case 0x05: // syscall is 64-bit only
		return errors.WithStack(ErrInvalidInstruction)

	case 0x1F: // multi-byte nop
		_, _, err := i.modrm()
		return err

	case 0x31: // rdtsc: no cycle counter, return zero
		i.writeReg(EAX, 4, 0)
		i.writeReg(EDX, 4, 0)
		return nil

	case 0xA2: // cpuid: report nothing
		for _, reg := range []int{EAX, EBX, ECX, EDX} {
			i.writeReg(reg, 4, 0)
		}
		return nil

	case 0xAF: // imul reg, rm
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		a, err := i.readOp(rm, i.opsize)
		if err != nil {
			return err
		}
		c.imul(i, reg, i.readReg(reg, i.opsize), a)
		return nil

	case 0xB0, 0xB1: // cmpxchg
		size := i.opsize
		if op == 0xB0 {
			size = 1
		}
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		dest, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		acc := i.readReg(EAX, size)
		_, _ = c.aluOp(7, acc, dest, size)
		if acc == dest {
			return i.writeOp(rm, size, i.readReg(reg, size))
		}
		i.writeReg(EAX, size, dest)
		return nil

	case 0xC0, 0xC1: // xadd
		size := i.opsize
		if op == 0xC0 {
			size = 1
		}
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		dest, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		src := i.readReg(reg, size)
		res, _ := c.aluOp(0, dest, src, size)
		i.writeReg(reg, size, dest)
		return i.writeOp(rm, size, res)

	case 0xB6, 0xB7: // movzx
		size := uint(1)
		if op == 0xB7 {
			size = 2
		}
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		val, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		i.writeReg(reg, i.opsize, val)
		return nil

	case 0xBE, 0xBF: // movsx
		size := uint(1)
		if op == 0xBF {
			size = 2
		}
		reg, rm, err := i.modrm()
		if err != nil {
			return err
		}
		val, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		i.writeReg(reg, i.opsize, signExtend(val, size))
		return nil
	}
	return errors.WithStack(ErrInvalidInstruction)
}

func (c *X86Cpu) imul(i *insn, reg int, a, b uint64) {
	size := i.opsize
	sa := int64(signExtend(a, size))
	sb := int64(signExtend(b, size))
	full := sa * sb
	res := uint64(full) & sizeMask(size)
	i.writeReg(reg, size, res)
	over := full != int64(signExtend(res, size))
	nf := szp(res, size)
	if over {
		nf |= CF | OF
	}
	c.setArith(nf)
}

func (c *X86Cpu) shiftOp(i *insn, sub int, rm operand, size uint, count uint64) error {
	a, err := i.readOp(rm, size)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	bits := size * 8
	var res uint64
	var cf bool
	switch sub {
	case 0: // rol
		count %= uint64(bits)
		res = (a<<count | a>>(uint64(bits)-count)) & sizeMask(size)
		cf = res&1 != 0
	case 1: // ror
		count %= uint64(bits)
		res = (a>>count | a<<(uint64(bits)-count)) & sizeMask(size)
		cf = res&signBit(size) != 0
	case 4, 6: // shl
		res = a << count & sizeMask(size)
		cf = count <= uint64(bits) && a<<(count-1)&signBit(size) != 0
	case 5: // shr
		res = (a & sizeMask(size)) >> count
		cf = a>>(count-1)&1 != 0
	case 7: // sar
		res = uint64(int64(signExtend(a, size))>>count) & sizeMask(size)
		cf = signExtend(a, size)>>(count-1)&1 != 0
	default: // rcl/rcr
		return errors.WithStack(ErrInvalidInstruction)
	}
	nf := szp(res, size)
	if cf {
		nf |= CF
	}
	switch sub {
	case 4, 6:
		if (res&signBit(size) != 0) != cf {
			nf |= OF
		}
	case 5:
		if a&signBit(size) != 0 {
			nf |= OF
		}
	}
	c.setArith(nf)
	return i.writeOp(rm, size, res)
}

func (c *X86Cpu) group3(i *insn, op byte) error {
	size := i.opsize
	if op == 0xF6 {
		size = 1
	}
	sub, rm, err := i.modrm()
	if err != nil {
		return err
	}
	switch sub {
	case 0, 1: // test rm, imm
		var imm uint64
		if size == 1 {
			b, err := i.fetch8()
			if err != nil {
				return err
			}
			imm = uint64(b)
		} else {
			imm, err = i.fetchImm()
			if err != nil {
				return err
			}
		}
		a, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		c.setArith(logicFlags(a&imm, size))
		return nil

	case 2: // not
		a, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		return i.writeOp(rm, size, ^a&sizeMask(size))

	case 3: // neg
		a, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		res := -a & sizeMask(size)
		nf := subFlags(0, a, res, size)
		if a&sizeMask(size) != 0 {
			nf |= CF
		} else {
			nf &^= uint64(CF)
		}
		c.setArith(nf)
		return i.writeOp(rm, size, res)

	case 4: // mul
		a, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		full := (a & sizeMask(size)) * i.readReg(EAX, size)
		if size == 1 {
			i.writeReg(EAX, 2, full&0xffff)
		} else {
			i.writeReg(EAX, size, full&sizeMask(size))
			i.writeReg(EDX, size, full>>(size*8))
		}
		hi := full >> (size * 8)
		var nf uint64
		if hi != 0 {
			nf = CF | OF
		}
		c.setArith(nf)
		return nil

	case 5: // imul
		a, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		full := int64(signExtend(a, size)) * int64(signExtend(i.readReg(EAX, size), size))
		if size == 1 {
			i.writeReg(EAX, 2, uint64(full)&0xffff)
		} else {
			i.writeReg(EAX, size, uint64(full)&sizeMask(size))
			i.writeReg(EDX, size, uint64(full)>>(size*8)&sizeMask(size))
		}
		res := uint64(full) & sizeMask(size)
		var nf uint64
		if full != int64(signExtend(res, size)) {
			nf = CF | OF
		}
		c.setArith(nf)
		return nil

	case 6: // div
		b, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		b &= sizeMask(size)
		if b == 0 {
			return errors.WithStack(ErrDivideByZero)
		}
		var num uint64
		if size == 1 {
			num = i.readReg(EAX, 2)
		} else {
			num = i.readReg(EDX, size)<<(size*8) | i.readReg(EAX, size)
		}
		q, r := num/b, num%b
		if q > sizeMask(size) {
			return errors.WithStack(ErrDivideByZero)
		}
		if size == 1 {
			i.writeReg(EAX, 2, r<<8|q)
		} else {
			i.writeReg(EAX, size, q)
			i.writeReg(EDX, size, r)
		}
		return nil

	case 7: // idiv
		b, err := i.readOp(rm, size)
		if err != nil {
			return err
		}
		sb := int64(signExtend(b, size))
		if sb == 0 {
			return errors.WithStack(ErrDivideByZero)
		}
		var num int64
		if size == 1 {
			num = int64(signExtend(i.readReg(EAX, 2), 2))
		} else {
			num = int64(i.readReg(EDX, size)<<(size*8) | i.readReg(EAX, size))
		}
		q, r := num/sb, num%sb
		if size == 1 {
			i.writeReg(EAX, 2, uint64(r)&0xff<<8|uint64(q)&0xff)
		} else {
			i.writeReg(EAX, size, uint64(q)&sizeMask(size))
			i.writeReg(EDX, size, uint64(r)&sizeMask(size))
		}
		return nil
	}
	return errors.WithStack(ErrInvalidInstruction)
}

func (c *X86Cpu) group5(i *insn) error {
	sub, rm, err := i.modrm()
	if err != nil {
		return err
	}
	switch sub {
	case 0, 1: // inc/dec rm32
		a, err := i.readOp(rm, i.opsize)
		if err != nil {
			return err
		}
		var res, nf uint64
		if sub == 0 {
			res = (a + 1) & sizeMask(i.opsize)
			nf = addFlags(a, 1, res, i.opsize)
		} else {
			res = (a - 1) & sizeMask(i.opsize)
			nf = subFlags(a, 1, res, i.opsize)
		}
		c.setArith(nf&^uint64(CF) | c.flags()&CF)
		return i.writeOp(rm, i.opsize, res)

	case 2: // call rm
		target, err := i.readOp(rm, 4)
		if err != nil {
			return err
		}
		if err := c.push(i.pc); err != nil {
			return err
		}
		i.jump(target)
		return nil

	case 4: // jmp rm
		target, err := i.readOp(rm, 4)
		if err != nil {
			return err
		}
		i.jump(target)
		return nil

	case 6: // push rm
		val, err := i.readOp(rm, 4)
		if err != nil {
			return err
		}
		return c.push(val)
	}
	return errors.WithStack(ErrInvalidInstruction)
}

// stringOp runs one string instruction, honoring rep prefixes and DF.
func (c *X86Cpu) stringOp(i *insn, op byte) error {
	size := i.opsize
	if op&1 == 0 {
		size = 1
	}
	delta := int64(size)
	if c.flags()&DF != 0 {
		delta = -delta
	}
	step := func() error {
		si, _ := c.RegRead(ESI)
		di, _ := c.RegRead(EDI)
		switch op &^ 1 {
		case 0xA4: // movs
			val, err := c.mem.ReadUint(i.segBase(si), int(size), cpu.PROT_READ)
			if err != nil {
				return err
			}
			if err := c.mem.WriteUint(di, int(size), cpu.PROT_WRITE, val); err != nil {
				return err
			}
			c.RegWrite(ESI, uint64(int64(si)+delta))
			c.RegWrite(EDI, uint64(int64(di)+delta))
		case 0xA6: // cmps
			a, err := c.mem.ReadUint(i.segBase(si), int(size), cpu.PROT_READ)
			if err != nil {
				return err
			}
			b, err := c.mem.ReadUint(di, int(size), cpu.PROT_READ)
			if err != nil {
				return err
			}
			c.aluOp(7, a, b, size)
			c.RegWrite(ESI, uint64(int64(si)+delta))
			c.RegWrite(EDI, uint64(int64(di)+delta))
		case 0xAA: // stos
			if err := c.mem.WriteUint(di, int(size), cpu.PROT_WRITE, i.readReg(EAX, size)); err != nil {
				return err
			}
			c.RegWrite(EDI, uint64(int64(di)+delta))
		case 0xAC: // lods
			val, err := c.mem.ReadUint(i.segBase(si), int(size), cpu.PROT_READ)
			if err != nil {
				return err
			}
			i.writeReg(EAX, size, val)
			c.RegWrite(ESI, uint64(int64(si)+delta))
		case 0xAE: // scas
			b, err := c.mem.ReadUint(di, int(size), cpu.PROT_READ)
			if err != nil {
				return err
			}
			c.aluOp(7, i.readReg(EAX, size), b, size)
			c.RegWrite(EDI, uint64(int64(di)+delta))
		}
		return nil
	}

	if i.rep == 0 {
		return step()
	}
	conditional := op&^1 == 0xA6 || op&^1 == 0xAE
	for {
		count, _ := c.RegRead(ECX)
		if count == 0 {
			return nil
		}
		if err := step(); err != nil {
			return err
		}
		c.RegWrite(ECX, count-1)
		if conditional {
			z := c.flags()&ZF != 0
			if i.rep == 0xF3 && !z || i.rep == 0xF2 && z {
				return nil
			}
		}
	}
}

package emu

import (
	"github.com/lunixbochs/ghostrace/ghost/sys/num"
	"github.com/pkg/errors"

	"github.com/userbe/userbe/arch/x86"
	co "github.com/userbe/userbe/kernel/common"
	"github.com/userbe/userbe/kernel/linux"
	"github.com/userbe/userbe/linker"
	"github.com/userbe/userbe/models/cpu"
)

func (e *Engine) addHooks() {
	e.cpu.HookAdd(cpu.HOOK_INTR, func(_ cpu.Cpu, intno uint32) {
		if intno == 0x80 {
			e.syscall()
		}
	}, 1, 0)
	e.cpu.HookAdd(cpu.HOOK_CODE, func(_ cpu.Cpu, addr uint64, _ uint32) {
		e.onCode(addr)
	}, 1, 0)
	e.cpu.HookAdd(cpu.HOOK_INSN_INVALID, func(_ cpu.Cpu, addr uint64, op byte) bool {
		// degraded mode: log, count, keep going
		e.invalidCount++
		e.logger.Log("event", "invalid_insn", "addr", addr, "op", op)
		return true
	}, 1, 0)
}

// onCode counts retired instructions and services the two synthetic code
// windows: PLT slots bind and jump, stub slots return zero.
func (e *Engine) onCode(addr uint64) {
	e.insCount++
	if max := e.config.MaxInstructions; max > 0 && e.insCount > max {
		e.runErr = errors.WithStack(ErrInstructionLimit)
		e.cpu.Stop()
		return
	}
	switch {
	case e.plt.Contains(addr):
		target, err := e.plt.Step(addr)
		if err != nil {
			e.runErr = err
			e.cpu.Stop()
			return
		}
		e.cpu.RegWrite(x86.EIP, target)

	case addr >= linker.StubBase && addr < linker.StubBase+linker.StubSize:
		// call into an unresolved C++ stub: behave as if it returned 0
		sp, _ := e.cpu.RegRead(x86.ESP)
		ret, err := e.cpu.Mem().ReadUint(sp, 4, cpu.PROT_READ)
		if err != nil {
			e.runErr = err
			e.cpu.Stop()
			return
		}
		e.cpu.RegWrite(x86.ESP, sp+4)
		e.cpu.RegWrite(x86.EAX, 0)
		e.cpu.RegWrite(x86.EIP, ret)
		e.logger.Log("event", "stub_called", "addr", addr)
	}
}

// syscall dispatches an int 0x80 trap: number in eax, args in the fixed
// register order, result back in eax.
func (e *Engine) syscall() {
	eax, _ := e.cpu.RegRead(x86.EAX)
	name := num.Linux_x86[int(eax)]
	var ret uint64
	if sys := co.Lookup(e, e.kernel, name); sys != nil {
		args := x86.RegArgs(e.cpu)
		ret = sys.Call(args)
		if e.config.Verbose {
			e.logger.Log("event", "syscall", "num", eax, "name", name, "ret", ret)
		}
	} else {
		e.logger.Log("event", "enosys", "num", eax, "name", name)
		ret = linux.Errno(linux.ENOSYS)
	}
	e.cpu.RegWrite(x86.EAX, ret)
}

package emu

import (
	"crypto/rand"

	"github.com/userbe/userbe/arch/x86"
	"github.com/userbe/userbe/models/cpu"
)

// auxv keys the startup code reads
const (
	AT_NULL   = 0
	AT_PAGESZ = 6
	AT_BASE   = 7
	AT_FLAGS  = 8
	AT_ENTRY  = 9
	AT_UID    = 11
	AT_EUID   = 12
	AT_GID    = 13
	AT_EGID   = 14
	AT_RANDOM = 25
)

func (e *Engine) pushBytes(sp uint64, p []byte) (uint64, error) {
	sp -= uint64(len(p))
	return sp, e.cpu.MemWrite(sp, p)
}

func (e *Engine) pushStr(sp uint64, s string) (uint64, error) {
	return e.pushBytes(sp, append([]byte(s), 0))
}

// setupStack builds the SysV i386 process image: strings high, then the
// auxv/envp/argv vectors with argc at the final stack pointer.
func (e *Engine) setupStack() error {
	args := e.config.Args
	if len(args) == 0 {
		args = []string{"a.out"}
	}
	env := e.config.Env

	sp := uint64(StackTop)
	var err error

	seed := make([]byte, 16)
	rand.Read(seed)
	if sp, err = e.pushBytes(sp, seed); err != nil {
		return err
	}
	randomAddr := sp

	argvAddrs := make([]uint64, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		if sp, err = e.pushStr(sp, args[i]); err != nil {
			return err
		}
		argvAddrs[i] = sp
	}
	envAddrs := make([]uint64, len(env))
	for i := len(env) - 1; i >= 0; i-- {
		if sp, err = e.pushStr(sp, env[i]); err != nil {
			return err
		}
		envAddrs[i] = sp
	}

	auxv := [][2]uint64{
		{AT_PAGESZ, 0x1000},
		{AT_BASE, 0},
		{AT_FLAGS, 0},
		{AT_ENTRY, e.entry},
		{AT_UID, 0},
		{AT_EUID, 0},
		{AT_GID, 0},
		{AT_EGID, 0},
		{AT_RANDOM, randomAddr},
		{AT_NULL, 0},
	}

	words := 1 + len(argvAddrs) + 1 + len(envAddrs) + 1 + len(auxv)*2
	sp = (sp - uint64(words*4)) &^ 15

	addr := sp
	put := func(val uint64) error {
		err := e.cpu.Mem().WriteUint(addr, 4, cpu.PROT_WRITE, val)
		addr += 4
		return err
	}
	if err := put(uint64(len(args))); err != nil {
		return err
	}
	for _, a := range argvAddrs {
		if err := put(a); err != nil {
			return err
		}
	}
	if err := put(0); err != nil {
		return err
	}
	for _, a := range envAddrs {
		if err := put(a); err != nil {
			return err
		}
	}
	if err := put(0); err != nil {
		return err
	}
	for _, kv := range auxv {
		if err := put(kv[0]); err != nil {
			return err
		}
		if err := put(kv[1]); err != nil {
			return err
		}
	}
	return e.cpu.RegWrite(x86.ESP, sp)
}

// Package linux implements the int 0x80 syscall surface the engine exposes
// to guests. File descriptors past stdio are purely virtual: open never
// touches the host filesystem.
package linux

import (
	"io"

	"github.com/go-kit/log"

	co "github.com/userbe/userbe/kernel/common"
	"github.com/userbe/userbe/models"
)

// Machine is what the kernel needs from the engine beyond basic memory and
// register access.
type Machine interface {
	co.Engine
	Brk(addr uint64) uint64
	Mmap(addr, size uint64, prot int) (uint64, error)
	Munmap(addr, size uint64) error
	Mprotect(addr, size uint64, prot int) error
	Exit(status int)
	SetTlsBase(base uint64)
	Config() *models.Config
	Logger() log.Logger
}

type LinuxKernel struct {
	co.KernelBase
	M Machine

	Stdout io.Writer
	Stderr io.Writer

	fds    map[co.Fd]bool
	nextFd co.Fd
}

func NewKernel(m Machine, stdout, stderr io.Writer) *LinuxKernel {
	k := &LinuxKernel{
		M:      m,
		Stdout: stdout,
		Stderr: stderr,
		fds:    make(map[co.Fd]bool),
		nextFd: 3,
	}
	k.KernelBase.E = m
	return k
}

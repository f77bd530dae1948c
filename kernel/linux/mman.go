package linux

import (
	co "github.com/userbe/userbe/kernel/common"
	"github.com/userbe/userbe/models/cpu"
)

// guest mmap prot bits
const (
	mmapProtRead  = 1
	mmapProtWrite = 2
	mmapProtExec  = 4
)

func hostProt(prot uint64) int {
	ret := 0
	if prot&mmapProtRead != 0 {
		ret |= cpu.PROT_READ
	}
	if prot&mmapProtWrite != 0 {
		ret |= cpu.PROT_WRITE
	}
	if prot&mmapProtExec != 0 {
		ret |= cpu.PROT_EXEC
	}
	return ret
}

func (k *LinuxKernel) Brk(addr uint64) uint64 {
	return k.M.Brk(addr)
}

func (k *LinuxKernel) Mmap(addr, size, prot, flags uint64, fd co.Fd, off co.Off) uint64 {
	if fd >= 0 {
		// file mappings need a real filesystem
		return Errno(EBADF)
	}
	ret, err := k.M.Mmap(addr, size, hostProt(prot))
	if err != nil {
		return Errno(ENOMEM)
	}
	return ret
}

// Mmap2 is the i386 entry point; the offset argument is in pages.
func (k *LinuxKernel) Mmap2(addr, size, prot, flags uint64, fd co.Fd, off co.Off) uint64 {
	return k.Mmap(addr, size, prot, flags, fd, off*0x1000)
}

func (k *LinuxKernel) Munmap(addr, size uint64) uint64 {
	if err := k.M.Munmap(addr, size); err != nil {
		return Errno(EINVAL)
	}
	return 0
}

func (k *LinuxKernel) Mprotect(addr, size, prot uint64) uint64 {
	if err := k.M.Mprotect(addr, size, hostProt(prot)); err != nil {
		return Errno(EINVAL)
	}
	return 0
}

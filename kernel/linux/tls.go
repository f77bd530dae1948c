package linux

import (
	co "github.com/userbe/userbe/kernel/common"
)

type userDesc struct {
	EntryNumber uint32
	BaseAddr    uint32
	Limit       uint32
	Flags       uint32
}

// SetThreadArea reads the user_desc the guest passes and points the thread
// register at its base. Entry number -1 asks the kernel to pick; we always
// report entry 6, the first GDT TLS slot.
func (k *LinuxKernel) SetThreadArea(buf co.Buf) uint64 {
	var desc userDesc
	if err := buf.Unpack(&desc); err != nil {
		return Errno(EFAULT)
	}
	k.M.SetTlsBase(uint64(desc.BaseAddr))
	if int32(desc.EntryNumber) == -1 {
		desc.EntryNumber = 6
		if err := buf.Pack(&desc); err != nil {
			return Errno(EFAULT)
		}
	}
	return 0
}

// SetTidAddress is accepted and ignored; there is no futex wakeup to arm.
func (k *LinuxKernel) SetTidAddress(tidptr co.Ptr) uint64 {
	return 2
}

package linux

import (
	"github.com/userbe/userbe/arch/x86"
	co "github.com/userbe/userbe/kernel/common"
)

// Uname reports a fixed identity; guests only ever look at sysname and
// machine.
func (k *LinuxKernel) Uname(buf co.Buf) uint64 {
	u := x86.StaticUname
	u.Pad(65)
	out := []byte(u.Sysname + u.Nodename + u.Release + u.Version + u.Machine)
	if err := k.M.Mem().MemWrite(buf.Addr, out); err != nil {
		return Errno(EFAULT)
	}
	return 0
}

package linux

import (
	"time"

	co "github.com/userbe/userbe/kernel/common"
)

// quiet stubs: syscalls guests issue during startup that need a sane
// answer but no real behavior here

func (k *LinuxKernel) RtSigaction(signum uint64, act, oldact co.Buf) uint64 {
	return 0
}

func (k *LinuxKernel) RtSigprocmask(how uint64, set, oldset co.Buf) uint64 {
	return 0
}

func (k *LinuxKernel) Sigaltstack(ss, oldss co.Buf) uint64 {
	return 0
}

func (k *LinuxKernel) Futex(addr co.Ptr, op, val uint64) uint64 {
	// single runnable thread; a wait here would deadlock
	return 0
}

func (k *LinuxKernel) Ugetrlimit(resource uint64, buf co.Obuf) uint64 {
	var rlim struct {
		Cur uint32
		Max uint32
	}
	rlim.Cur = 0xffffffff
	rlim.Max = 0xffffffff
	if err := buf.Pack(&rlim); err != nil {
		return Errno(EFAULT)
	}
	return 0
}

func (k *LinuxKernel) Time(buf co.Buf) uint64 {
	now := uint64(time.Now().Unix())
	if buf.Addr != 0 {
		t := uint32(now)
		if err := buf.Pack(&t); err != nil {
			return Errno(EFAULT)
		}
	}
	return now
}

func (k *LinuxKernel) Gettimeofday(tv, tz co.Obuf) uint64 {
	now := time.Now()
	out := struct {
		Sec  uint32
		Usec uint32
	}{uint32(now.Unix()), uint32(now.Nanosecond() / 1000)}
	if tv.Addr != 0 {
		if err := tv.Pack(&out); err != nil {
			return Errno(EFAULT)
		}
	}
	return 0
}

func (k *LinuxKernel) Nanosleep(req, rem co.Buf) uint64 {
	return 0
}

func (k *LinuxKernel) Ioctl(fd co.Fd, req uint64) uint64 {
	if fd > 2 && !k.fds[fd] {
		return Errno(EBADF)
	}
	return 0
}

func (k *LinuxKernel) Fcntl64(fd co.Fd, cmd, arg uint64) uint64 {
	if fd > 2 && !k.fds[fd] {
		return Errno(EBADF)
	}
	return 0
}

package linux

import (
	co "github.com/userbe/userbe/kernel/common"
)

const maxFds = 256

// Read returns EOF on stdin; virtual fds hold no data to read.
func (k *LinuxKernel) Read(fd co.Fd, buf co.Obuf, size co.Len) uint64 {
	switch {
	case fd == 0:
		return 0
	case k.fds[fd]:
		return 0
	}
	return Errno(EBADF)
}

// Write copies guest bytes to the host stdout or stderr stream. Virtual
// fds are not writable.
func (k *LinuxKernel) Write(fd co.Fd, buf co.Buf, size co.Len) uint64 {
	if fd != 1 && fd != 2 {
		return Errno(EBADF)
	}
	tmp := make([]byte, size)
	if err := buf.Unpack(tmp); err != nil {
		return Errno(EFAULT)
	}
	w := k.Stdout
	if fd == 2 {
		w = k.Stderr
	}
	if w == nil {
		return uint64(size)
	}
	n, err := w.Write(tmp)
	if err != nil {
		return Errno(EBADF)
	}
	return uint64(n)
}

// Open hands out a slot in the guest descriptor table without touching the
// host filesystem.
func (k *LinuxKernel) Open(path string, flags uint64, mode uint64) uint64 {
	if len(k.fds) >= maxFds {
		return Errno(EMFILE)
	}
	fd := k.nextFd
	k.nextFd++
	k.fds[fd] = true
	k.M.Logger().Log("event", "open", "path", path, "fd", fd)
	return uint64(fd)
}

func (k *LinuxKernel) Close(fd co.Fd) uint64 {
	if fd >= 0 && fd <= 2 {
		return 0
	}
	if !k.fds[fd] {
		return Errno(EBADF)
	}
	delete(k.fds, fd)
	return 0
}

func (k *LinuxKernel) Writev(fd co.Fd, iov co.Buf, count uint64) uint64 {
	if fd != 1 && fd != 2 {
		return Errno(EBADF)
	}
	var total uint64
	st := iov.Struc()
	for n := uint64(0); n < count; n++ {
		var vec struct {
			Base uint32
			Len  uint32
		}
		if err := st.Unpack(&vec); err != nil {
			return Errno(EFAULT)
		}
		data, err := k.M.Mem().MemRead(uint64(vec.Base), uint64(vec.Len))
		if err != nil {
			return Errno(EFAULT)
		}
		w := k.Stdout
		if fd == 2 {
			w = k.Stderr
		}
		if w != nil {
			if _, err := w.Write(data); err != nil {
				return Errno(EBADF)
			}
		}
		total += uint64(vec.Len)
	}
	return total
}

package linux

const (
	EPERM  = 1
	ENOENT = 2
	EBADF  = 9
	EAGAIN = 11
	ENOMEM = 12
	EACCES = 13
	EFAULT = 14
	EINVAL = 22
	EMFILE = 24
	ENOSYS = 38
)

const UINT64_MAX = 0xFFFFFFFFFFFFFFFF

// Errno encodes a failure the i386 way: the negated errno rides back in eax.
func Errno(err int) uint64 {
	return uint64(-int64(err))
}

package linux

func (k *LinuxKernel) Exit(code uint64) {
	k.M.Exit(int(int32(code)))
}

func (k *LinuxKernel) ExitGroup(code uint64) {
	k.Exit(code)
}

func (k *LinuxKernel) Getpid() uint64 {
	return 2
}

func (k *LinuxKernel) Gettid() uint64 {
	return 2
}

func (k *LinuxKernel) Getuid() uint64   { return 0 }
func (k *LinuxKernel) Getgid() uint64   { return 0 }
func (k *LinuxKernel) Geteuid() uint64  { return 0 }
func (k *LinuxKernel) Getegid() uint64  { return 0 }
func (k *LinuxKernel) Getuid32() uint64 { return 0 }
func (k *LinuxKernel) Getgid32() uint64 { return 0 }

// SchedYield is a no-op under the cooperative thread model.
func (k *LinuxKernel) SchedYield() uint64 {
	return 0
}

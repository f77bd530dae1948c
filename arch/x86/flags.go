package x86

import "math/bits"

const (
	CF = 1 << 0
	PF = 1 << 2
	AF = 1 << 4
	ZF = 1 << 6
	SF = 1 << 7
	DF = 1 << 10
	OF = 1 << 11
)

func signBit(size uint) uint64 {
	return 1 << (size*8 - 1)
}

func sizeMask(size uint) uint64 {
	return 1<<(size*8) - 1
}

// szp computes SF, ZF and PF from a result; the arithmetic flags layer on
// top of this per operation.
func szp(res uint64, size uint) uint64 {
	var f uint64
	res &= sizeMask(size)
	if res == 0 {
		f |= ZF
	}
	if res&signBit(size) != 0 {
		f |= SF
	}
	if bits.OnesCount8(uint8(res))%2 == 0 {
		f |= PF
	}
	return f
}

func addFlags(a, b, res uint64, size uint) uint64 {
	f := szp(res, size)
	if res&sizeMask(size) < a&sizeMask(size) {
		f |= CF
	}
	if (a^b^res)&0x10 != 0 {
		f |= AF
	}
	// overflow when both operands share a sign the result lacks
	if (a^res)&(b^res)&signBit(size) != 0 {
		f |= OF
	}
	return f
}

func subFlags(a, b, res uint64, size uint) uint64 {
	f := szp(res, size)
	if b&sizeMask(size) > a&sizeMask(size) {
		f |= CF
	}
	if (a^b^res)&0x10 != 0 {
		f |= AF
	}
	if (a^b)&(a^res)&signBit(size) != 0 {
		f |= OF
	}
	return f
}

// logicFlags: CF and OF clear by definition.
func logicFlags(res uint64, size uint) uint64 {
	return szp(res, size)
}

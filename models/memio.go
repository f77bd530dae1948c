package models

// MemIO is the minimum memory access surface shared by the heap, TLS and
// linker layers. cpu.Cpu satisfies it.
type MemIO interface {
	MemRead(addr, size uint64) ([]byte, error)
	MemReadInto(p []byte, addr uint64) error
	MemWrite(addr uint64, p []byte) error
}

type MemReader struct {
	M    MemIO
	Addr uint64
}

func (m *MemReader) Read(p []byte) (int, error) {
	err := m.M.MemReadInto(p, m.Addr)
	if err != nil {
		return 0, err
	}
	m.Addr += uint64(len(p))
	return len(p), nil
}

// MemCursor is a seekless read/write cursor over guest memory, the stream
// behind StrucStream packing.
type MemCursor struct {
	M    MemIO
	Addr uint64
}

func (m *MemCursor) Read(p []byte) (int, error) {
	if err := m.M.MemReadInto(p, m.Addr); err != nil {
		return 0, err
	}
	m.Addr += uint64(len(p))
	return len(p), nil
}

func (m *MemCursor) Write(p []byte) (int, error) {
	if err := m.M.MemWrite(m.Addr, p); err != nil {
		return 0, err
	}
	m.Addr += uint64(len(p))
	return len(p), nil
}

type MemWriter struct {
	M    MemIO
	Addr uint64
}

func (m *MemWriter) Write(p []byte) (int, error) {
	err := m.M.MemWrite(m.Addr, p)
	if err != nil {
		return 0, err
	}
	m.Addr += uint64(len(p))
	return len(p), nil
}

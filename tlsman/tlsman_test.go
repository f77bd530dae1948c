package tlsman

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userbe/userbe/heap"
	"github.com/userbe/userbe/models"
)

type sliceMem struct {
	base uint64
	data []byte
}

func (m *sliceMem) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	return p, m.MemReadInto(p, addr)
}

func (m *sliceMem) MemReadInto(p []byte, addr uint64) error {
	off := addr - m.base
	if addr < m.base || off+uint64(len(p)) > uint64(len(m.data)) {
		return errors.Errorf("read out of range: %#x", addr)
	}
	copy(p, m.data[off:])
	return nil
}

func (m *sliceMem) MemWrite(addr uint64, p []byte) error {
	off := addr - m.base
	if addr < m.base || off+uint64(len(p)) > uint64(len(m.data)) {
		return errors.Errorf("write out of range: %#x", addr)
	}
	copy(m.data[off:], p)
	return nil
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	mem := &sliceMem{base: 0x30000000, data: make([]byte, 0x10000)}
	h := heap.New(mem, 0x30000000, 0x10000)
	return New(mem, h, nil)
}

func TestThreadIsolation(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Register(1, &models.TlsTemplate{Data: []byte{1, 2, 3, 4}, Size: 16, Align: 4}))

	_, err := m.InitThread(100)
	require.NoError(t, err)
	_, err = m.InitThread(200)
	require.NoError(t, err)

	// both threads start from the template
	for _, tid := range []int{100, 200} {
		got, err := m.Read(tid, 1, 0, 4)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4}, got)
		// tbss tail past the template zeroes out
		tail, err := m.Read(tid, 1, 4, 12)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 12), tail)
	}

	// a write in one thread is invisible to the other
	require.NoError(t, m.Write(100, 1, 0, []byte{9, 9}))
	got, _ := m.Read(100, 1, 0, 4)
	assert.Equal(t, []byte{9, 9, 3, 4}, got)
	got, _ = m.Read(200, 1, 0, 4)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestLayoutOffsets(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Register(1, &models.TlsTemplate{Size: 6, Align: 4}))
	require.NoError(t, m.Register(2, &models.TlsTemplate{Size: 8, Align: 8}))

	off1, err := m.ModuleOffset(1)
	require.NoError(t, err)
	off2, err := m.ModuleOffset(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off1)
	assert.Equal(t, uint64(8), off2) // 6 rounded up to module 2's alignment
	assert.Equal(t, uint64(16), m.BlockSize())

	tp, err := m.ThreadOffset(2, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), tp)
}

func TestBounds(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Register(1, &models.TlsTemplate{Size: 8, Align: 4}))
	_, err := m.InitThread(1)
	require.NoError(t, err)

	_, err = m.Read(1, 1, 4, 8)
	assert.Equal(t, ErrOutOfBounds, errors.Cause(err))
	err = m.Write(1, 1, 8, []byte{1})
	assert.Equal(t, ErrOutOfBounds, errors.Cause(err))
	_, err = m.Read(2, 1, 0, 4)
	assert.Equal(t, ErrNoThread, errors.Cause(err))
	_, err = m.Read(1, 9, 0, 4)
	assert.Equal(t, ErrNoModule, errors.Cause(err))
}

func TestLayoutFreezes(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Register(1, &models.TlsTemplate{Size: 8, Align: 4}))
	_, err := m.InitThread(1)
	require.NoError(t, err)

	err = m.Register(2, &models.TlsTemplate{Size: 8, Align: 4})
	assert.Equal(t, ErrLayoutFrozen, errors.Cause(err))
}

func TestDestroyThread(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Register(1, &models.TlsTemplate{Size: 8, Align: 4}))
	_, err := m.InitThread(1)
	require.NoError(t, err)
	require.NoError(t, m.DestroyThread(1))
	_, err = m.Read(1, 1, 0, 4)
	assert.Equal(t, ErrNoThread, errors.Cause(err))
	// destroying twice is a no-op
	require.NoError(t, m.DestroyThread(1))
}

package emu

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userbe/userbe/arch/x86"
	"github.com/userbe/userbe/models"
	"github.com/userbe/userbe/models/cpu"
)

const testEntry = 0x08048100

// writeElf emits a minimal ET_EXEC image with one r-x segment holding code
// and, when data is non-empty, one rw- segment at dataAddr.
func writeElf(t *testing.T, code []byte, data []byte, dataAddr uint32) string {
	t.Helper()
	var buf bytes.Buffer
	le := binary.LittleEndian
	ident := make([]byte, 16)
	copy(ident, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	buf.Write(ident)
	w16 := func(v uint16) { binary.Write(&buf, le, v) }
	w32 := func(v uint32) { binary.Write(&buf, le, v) }
	phnum := 1
	if len(data) > 0 {
		phnum = 2
	}
	w16(2) // ET_EXEC
	w16(3) // EM_386
	w32(1)
	w32(testEntry)
	w32(52)
	w32(0)
	w32(0)
	w16(52)
	w16(32)
	w16(uint16(phnum))
	w16(40)
	w16(0)
	w16(0)
	phdr := func(off, vaddr, size, flags uint32) {
		w32(1) // PT_LOAD
		w32(off)
		w32(vaddr)
		w32(vaddr)
		w32(size)
		w32(size)
		w32(flags)
		w32(0x1000)
	}
	codeOff := uint32(0x100)
	phdr(codeOff, testEntry, uint32(len(code)), 5)
	dataOff := codeOff + uint32(len(code))
	if len(data) > 0 {
		phdr(dataOff, dataAddr, uint32(len(data)), 6)
	}
	img := buf.Bytes()
	out := make([]byte, int(dataOff)+len(data))
	copy(out, img)
	copy(out[codeOff:], code)
	copy(out[dataOff:], data)

	path := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, ioutil.WriteFile(path, out, 0755))
	return path
}

func runProgram(t *testing.T, code, data []byte, dataAddr uint32, config *models.Config) (*Engine, *bytes.Buffer, error) {
	t.Helper()
	path := writeElf(t, code, data, dataAddr)
	var out bytes.Buffer
	e, err := NewEngineStreams(path, config, nil, &out, os.Stderr)
	require.NoError(t, err)
	return e, &out, e.Run()
}

func TestExitStatus(t *testing.T) {
	code := []byte{
		0xbb, 0x05, 0x00, 0x00, 0x00, // mov ebx, 5
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1 (exit)
		0xcd, 0x80,
	}
	e, _, err := runProgram(t, code, nil, 0, nil)
	require.Error(t, err)
	status, ok := err.(models.ExitStatus)
	require.True(t, ok, "want ExitStatus, got %T: %v", err, err)
	assert.Equal(t, 5, int(status))
	assert.Equal(t, 5, e.ExitCode())
}

func TestExitZeroIsClean(t *testing.T) {
	code := []byte{
		0x31, 0xdb, // xor ebx, ebx
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xcd, 0x80,
	}
	_, _, err := runProgram(t, code, nil, 0, nil)
	assert.NoError(t, err)
}

func TestWriteStdout(t *testing.T) {
	msg := []byte("hi there\n")
	dataAddr := uint32(0x08049000)
	code := []byte{
		0xbb, 0x01, 0x00, 0x00, 0x00, // mov ebx, 1 (fd)
		0xb9, 0x00, 0x90, 0x04, 0x08, // mov ecx, dataAddr
		0xba, byte(len(msg)), 0x00, 0x00, 0x00, // mov edx, len
		0xb8, 0x04, 0x00, 0x00, 0x00, // mov eax, 4 (write)
		0xcd, 0x80,
		0x89, 0xc3, // mov ebx, eax (propagate count)
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1 (exit)
		0xcd, 0x80,
	}
	e, out, err := runProgram(t, code, msg, dataAddr, nil)
	require.Error(t, err)
	assert.Equal(t, len(msg), e.ExitCode(), "write should return the byte count")
	assert.Equal(t, string(msg), out.String())
}

func TestWriteBadFdNegative(t *testing.T) {
	code := []byte{
		0xbb, 0x05, 0x00, 0x00, 0x00, // mov ebx, 5 (unmanaged fd)
		0xb9, 0x00, 0x81, 0x04, 0x08, // mov ecx, entry page
		0xba, 0x04, 0x00, 0x00, 0x00, // mov edx, 4
		0xb8, 0x04, 0x00, 0x00, 0x00, // mov eax, 4 (write)
		0xcd, 0x80,
		// exit(1) if eax >= 0 else exit(0)
		0x85, 0xc0, // test eax, eax
		0x78, 0x07, // js +7 -> ok
		0xbb, 0x01, 0x00, 0x00, 0x00, // mov ebx, 1
		0xeb, 0x02, // jmp exit
		0x31, 0xdb, // ok: xor ebx, ebx
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xcd, 0x80,
	}
	_, _, err := runProgram(t, code, nil, 0, nil)
	assert.NoError(t, err, "negative return expected in eax")
}

func TestBrkContract(t *testing.T) {
	code := []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0x31, 0xdb, 0xcd, 0x80}
	e, _, err := runProgram(t, code, nil, 0, nil)
	require.NoError(t, err)

	cur := e.Brk(0)
	require.NotZero(t, cur)
	assert.Equal(t, uint64(0), e.Brk(cur+0x1000))
	assert.Equal(t, cur+0x1000, e.Brk(0))
	// the new pages are live memory
	require.NoError(t, e.Cpu().MemWrite(cur, []byte{1, 2, 3}))
}

func TestInstructionCeiling(t *testing.T) {
	code := []byte{0xeb, 0xfe} // jmp self
	_, _, err := runProgram(t, code, nil, 0, &models.Config{MaxInstructions: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction ceiling")
}

func TestInvalidOpcodeDegradedMode(t *testing.T) {
	code := []byte{
		0x0f, 0xff, // no such instruction
		0x31, 0xdb, // xor ebx, ebx
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xcd, 0x80,
	}
	e, _, err := runProgram(t, code, nil, 0, nil)
	assert.NoError(t, err, "unknown opcode should not abort execution")
	assert.Equal(t, uint64(1), e.invalidCount)
}

func TestUnknownSyscallEnosys(t *testing.T) {
	code := []byte{
		0xb8, 0x58, 0x00, 0x00, 0x00, // mov eax, 88 (reboot)
		0xcd, 0x80,
		0x89, 0xc3, // mov ebx, eax
		0xf7, 0xdb, // neg ebx
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xcd, 0x80,
	}
	e, _, err := runProgram(t, code, nil, 0, nil)
	require.Error(t, err)
	assert.Equal(t, 38, e.ExitCode(), "ENOSYS expected")
}

func TestArgcOnStack(t *testing.T) {
	// exit(argc): the stack pointer aims at argc on entry
	code := []byte{
		0x8b, 0x1c, 0x24, // mov ebx, [esp]
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xcd, 0x80,
	}
	e, _, err := runProgram(t, code, nil, 0, &models.Config{Args: []string{"prog", "one", "two"}})
	require.Error(t, err)
	assert.Equal(t, 3, e.ExitCode())
}

func TestSharedPageSegments(t *testing.T) {
	// rw data starting inside the text segment's last page, the usual
	// layout for real i386 binaries
	dataAddr := uint32(0x08048f00)
	code := []byte{
		0xa1, 0x00, 0x8f, 0x04, 0x08, // mov eax, [dataAddr]
		0x40,                         // inc eax
		0xa3, 0x00, 0x8f, 0x04, 0x08, // mov [dataAddr], eax
		0x89, 0xc3, // mov ebx, eax
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xcd, 0x80,
	}
	// the data segment straddles the shared page and a page of its own
	data := make([]byte, 0x200)
	data[0] = 41
	e, _, err := runProgram(t, code, data, dataAddr, nil)
	require.Error(t, err)
	assert.Equal(t, 42, e.ExitCode(), "data write in the shared page should be permitted")

	regions := append([]*cpu.Region(nil), e.Cpu().MemRegions()...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Addr < regions[j].Addr })
	for i := 1; i < len(regions); i++ {
		prev := regions[i-1]
		assert.True(t, regions[i].Addr >= prev.Addr+prev.Size,
			"regions overlap: %s / %s", prev, regions[i])
	}
}

func TestSpawnTaskIsolation(t *testing.T) {
	code := []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0x31, 0xdb, 0xcd, 0x80}
	e, _, err := runProgram(t, code, nil, 0, nil)
	require.NoError(t, err)

	task, err := e.SpawnTask(testEntry, StackTop-0x1000)
	require.NoError(t, err)
	require.Equal(t, 2, task.ID)

	// switching in the new task lands on its own entry state
	require.NoError(t, e.Switch(task))
	pc, _ := e.RegRead(x86.EIP)
	assert.Equal(t, uint64(testEntry), pc)
	require.NoError(t, e.Yield())
}

package cpu

import "testing"

const (
	regA = iota
	regB
	regPC
)

func TestRegs(t *testing.T) {
	regs := NewRegs(32, []int{regA, regB, regPC})
	if _, err := regs.RegRead(100); err == nil {
		t.Error("read of invalid register succeeded")
	}
	if err := regs.RegWrite(100, 1); err == nil {
		t.Error("write of invalid register succeeded")
	}
	if err := regs.RegWrite(regA, 0x1_0000_0001); err != nil {
		t.Fatal(err)
	}
	// values mask to register width
	if val, _ := regs.RegRead(regA); val != 1 {
		t.Errorf("register value not masked: %#x", val)
	}
}

func TestRegsContext(t *testing.T) {
	regs := NewRegs(32, []int{regA, regB, regPC})
	regs.RegWrite(regA, 0x11)
	regs.RegWrite(regB, 0x22)
	ctx, err := regs.ContextSave(nil)
	if err != nil {
		t.Fatal(err)
	}
	regs.RegWrite(regA, 0x33)
	if err := regs.ContextRestore(ctx); err != nil {
		t.Fatal(err)
	}
	if val, _ := regs.RegRead(regA); val != 0x11 {
		t.Errorf("context restore failed: %#x", val)
	}
}

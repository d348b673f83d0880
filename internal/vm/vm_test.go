package vm

import "testing"

func TestMatchSimpleEquality(t *testing.T) {
	// magic == 0xDEADBEEF at offset 0, big-endian u32
	prog := Program{
		{Op: OpLoadU32BE, Offset: 0},
		{Op: OpCmpEQ, Operand: 0xDEADBEEF},
		{Op: OpJumpIfFalse, Target: 4},
		{Op: OpReturnTrue},
		{Op: OpReturnFalse},
	}

	hit := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}
	miss := []byte{0x00, 0x00, 0x00, 0x00}

	if !Match(prog, hit) {
		t.Fatal("expected match on DEADBEEF")
	}
	if Match(prog, miss) {
		t.Fatal("expected no match on zero bytes")
	}
}

func TestMatchOutOfBoundsIsFalse(t *testing.T) {
	prog := Program{
		{Op: OpLoadU32BE, Offset: 10},
		{Op: OpCmpEQ, Operand: 1},
		{Op: OpReturnTrue},
	}
	if Match(prog, []byte{1, 2, 3}) {
		t.Fatal("expected false on out-of-bounds load")
	}
}

func TestMatchInvalidJumpTargetIsFalse(t *testing.T) {
	prog := Program{
		{Op: OpJump, Target: 99},
	}
	if Match(prog, []byte{1, 2, 3}) {
		t.Fatal("expected false on invalid jump target")
	}
}

func TestMatchFallOffEndIsFalse(t *testing.T) {
	prog := Program{
		{Op: OpLoadU8, Offset: 0},
	}
	if Match(prog, []byte{1}) {
		t.Fatal("expected false when bytecode falls off the end")
	}
}

func TestMatchSlidingWindow(t *testing.T) {
	prog := Program{
		{Op: OpLoadU8, Offset: 0},
		{Op: OpCmpEQ, Operand: 0xAB},
		{Op: OpJumpIfFalse, Target: 4},
		{Op: OpReturnTrue},
		{Op: OpReturnFalse},
	}
	data := []byte{0x01, 0x02, 0xAB, 0x03}

	if !MatchSliding(prog, data, 4) {
		t.Fatal("expected sliding match to find 0xAB at offset 2")
	}
	if MatchSliding(prog, data, 2) {
		t.Fatal("expected no match when sliding_max excludes the hit offset")
	}
}

func TestMatchSignedComparison(t *testing.T) {
	prog := Program{
		{Op: OpLoadI8, Offset: 0},
		{Op: OpCmpLT, Operand: 0},
		{Op: OpReturnTrue},
	}
	if !Match(prog, []byte{0xFF}) {
		t.Fatal("expected -1 < 0 to match under signed comparison")
	}
}

func TestMatchCmpMask(t *testing.T) {
	prog := Program{
		{Op: OpLoadU8, Offset: 0},
		{Op: OpCmpMask, Operand: 0x0F, Operand2: 0x05},
		{Op: OpReturnTrue},
	}
	if !Match(prog, []byte{0x15}) {
		t.Fatal("expected (0x15 & 0x0F) == 0x05 to match")
	}
}

func TestDisassembleProducesOneLinePerInstruction(t *testing.T) {
	prog := Program{
		{Op: OpLoadU32BE, Offset: 0},
		{Op: OpCmpEQ, Operand: 1},
		{Op: OpReturnTrue},
	}
	lines := Disassemble(prog)
	if len(lines) != len(prog) {
		t.Fatalf("expected %d lines, got %d", len(prog), len(lines))
	}
}

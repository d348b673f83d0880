// Package vm implements the per-packet filter bytecode VM (spec.md §4.6): a
// pure-function register machine with a single accumulator and a boolean
// comparison flag, executed against a raw packet byte slice. It carries no
// state of its own — every Match call is independent, matching the
// "compiled FilterRule, no state" contract the manager and filter/writer
// actor depend on.
package vm

import "fmt"

// Op is a bytecode opcode.
type Op uint8

const (
	OpLoadU8 Op = iota
	OpLoadU16BE
	OpLoadU16LE
	OpLoadU32BE
	OpLoadU32LE
	OpLoadU64BE
	OpLoadU64LE
	OpLoadI8
	OpLoadI16BE
	OpLoadI16LE
	OpLoadI32BE
	OpLoadI32LE
	OpLoadI64BE
	OpLoadI64LE
	OpCmpEQ
	OpCmpNE
	OpCmpGT
	OpCmpGE
	OpCmpLT
	OpCmpLE
	OpCmpMask
	OpJumpIfFalse
	OpJump
	OpReturnTrue
	OpReturnFalse
)

func (o Op) String() string {
	switch o {
	case OpLoadU8:
		return "load.u8"
	case OpLoadU16BE:
		return "load.u16be"
	case OpLoadU16LE:
		return "load.u16le"
	case OpLoadU32BE:
		return "load.u32be"
	case OpLoadU32LE:
		return "load.u32le"
	case OpLoadU64BE:
		return "load.u64be"
	case OpLoadU64LE:
		return "load.u64le"
	case OpLoadI8:
		return "load.i8"
	case OpLoadI16BE:
		return "load.i16be"
	case OpLoadI16LE:
		return "load.i16le"
	case OpLoadI32BE:
		return "load.i32be"
	case OpLoadI32LE:
		return "load.i32le"
	case OpLoadI64BE:
		return "load.i64be"
	case OpLoadI64LE:
		return "load.i64le"
	case OpCmpEQ:
		return "cmp.eq"
	case OpCmpNE:
		return "cmp.ne"
	case OpCmpGT:
		return "cmp.gt"
	case OpCmpGE:
		return "cmp.ge"
	case OpCmpLT:
		return "cmp.lt"
	case OpCmpLE:
		return "cmp.le"
	case OpCmpMask:
		return "cmp.mask"
	case OpJumpIfFalse:
		return "jump.iffalse"
	case OpJump:
		return "jump"
	case OpReturnTrue:
		return "return.true"
	case OpReturnFalse:
		return "return.false"
	default:
		return fmt.Sprintf("op(%d)", o)
	}
}

// Instruction is one bytecode word (spec.md §3 Instruction).
type Instruction struct {
	Op       Op
	Offset   int    // byte offset for Load ops
	Operand  int64  // comparison operand, or mask for CmpMask
	Operand2 int64  // equality operand for CmpMask
	Target   int    // jump target instruction index, for Jump/JumpIfFalse
}

// Program is a compiled bytecode vector for one endian variant of a rule.
type Program []Instruction

// Match executes prog against data, starting at the accumulator/flag's zero
// value. It never panics: out-of-bounds loads and invalid jump targets both
// resolve to "no match" (spec.md §7: corrupt bytecode is never a process
// fault).
func Match(prog Program, data []byte) bool {
	var acc uint64
	var signedAcc int64
	var isSigned bool
	cmpResult := false

	ip := 0
	for {
		if ip < 0 || ip >= len(prog) {
			return false
		}
		instr := prog[ip]

		switch instr.Op {
		case OpLoadU8:
			v, ok := loadU(data, instr.Offset, 1)
			if !ok {
				return false
			}
			acc, isSigned = v, false

		case OpLoadU16BE:
			v, ok := loadUBE(data, instr.Offset, 2)
			if !ok {
				return false
			}
			acc, isSigned = v, false

		case OpLoadU16LE:
			v, ok := loadULE(data, instr.Offset, 2)
			if !ok {
				return false
			}
			acc, isSigned = v, false

		case OpLoadU32BE:
			v, ok := loadUBE(data, instr.Offset, 4)
			if !ok {
				return false
			}
			acc, isSigned = v, false

		case OpLoadU32LE:
			v, ok := loadULE(data, instr.Offset, 4)
			if !ok {
				return false
			}
			acc, isSigned = v, false

		case OpLoadU64BE:
			v, ok := loadUBE(data, instr.Offset, 8)
			if !ok {
				return false
			}
			acc, isSigned = v, false

		case OpLoadU64LE:
			v, ok := loadULE(data, instr.Offset, 8)
			if !ok {
				return false
			}
			acc, isSigned = v, false

		case OpLoadI8:
			v, ok := loadU(data, instr.Offset, 1)
			if !ok {
				return false
			}
			signedAcc, isSigned = int64(int8(v)), true

		case OpLoadI16BE:
			v, ok := loadUBE(data, instr.Offset, 2)
			if !ok {
				return false
			}
			signedAcc, isSigned = int64(int16(v)), true

		case OpLoadI16LE:
			v, ok := loadULE(data, instr.Offset, 2)
			if !ok {
				return false
			}
			signedAcc, isSigned = int64(int16(v)), true

		case OpLoadI32BE:
			v, ok := loadUBE(data, instr.Offset, 4)
			if !ok {
				return false
			}
			signedAcc, isSigned = int64(int32(v)), true

		case OpLoadI32LE:
			v, ok := loadULE(data, instr.Offset, 4)
			if !ok {
				return false
			}
			signedAcc, isSigned = int64(int32(v)), true

		case OpLoadI64BE:
			v, ok := loadUBE(data, instr.Offset, 8)
			if !ok {
				return false
			}
			signedAcc, isSigned = int64(v), true

		case OpLoadI64LE:
			v, ok := loadULE(data, instr.Offset, 8)
			if !ok {
				return false
			}
			signedAcc, isSigned = int64(v), true

		case OpCmpEQ, OpCmpNE, OpCmpGT, OpCmpGE, OpCmpLT, OpCmpLE:
			cmpResult = compare(instr.Op, acc, signedAcc, isSigned, instr.Operand)

		case OpCmpMask:
			cmpResult = (acc & uint64(instr.Operand)) == uint64(instr.Operand2)

		case OpJumpIfFalse:
			if !cmpResult {
				ip = instr.Target
				continue
			}

		case OpJump:
			ip = instr.Target
			continue

		case OpReturnTrue:
			return true

		case OpReturnFalse:
			return false

		default:
			return false
		}

		ip++
	}
}

func compare(op Op, acc uint64, signedAcc int64, isSigned bool, operand int64) bool {
	if isSigned {
		switch op {
		case OpCmpEQ:
			return signedAcc == operand
		case OpCmpNE:
			return signedAcc != operand
		case OpCmpGT:
			return signedAcc > operand
		case OpCmpGE:
			return signedAcc >= operand
		case OpCmpLT:
			return signedAcc < operand
		case OpCmpLE:
			return signedAcc <= operand
		}
		return false
	}
	uoperand := uint64(operand)
	switch op {
	case OpCmpEQ:
		return acc == uoperand
	case OpCmpNE:
		return acc != uoperand
	case OpCmpGT:
		return acc > uoperand
	case OpCmpGE:
		return acc >= uoperand
	case OpCmpLT:
		return acc < uoperand
	case OpCmpLE:
		return acc <= uoperand
	}
	return false
}

func loadU(data []byte, offset, size int) (uint64, bool) {
	if offset < 0 || offset+size > len(data) {
		return 0, false
	}
	return uint64(data[offset]), true
}

func loadUBE(data []byte, offset, size int) (uint64, bool) {
	if offset < 0 || size < 1 || offset+size > len(data) {
		return 0, false
	}
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(data[offset+i])
	}
	return v, true
}

func loadULE(data []byte, offset, size int) (uint64, bool) {
	if offset < 0 || size < 1 || offset+size > len(data) {
		return 0, false
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[offset+i])
	}
	return v, true
}

// MatchSliding implements the sliding-window variant (spec.md §4.6): try the
// match at every offset from 0 up to min(len(data), maxOffset), returning
// true on the first hit.
func MatchSliding(prog Program, data []byte, maxOffset int) bool {
	limit := len(data)
	if maxOffset < limit {
		limit = maxOffset
	}
	for o := 0; o < limit; o++ {
		if Match(prog, data[o:]) {
			return true
		}
	}
	return false
}

// Disassemble renders prog as one mnemonic line per instruction, the debug
// surface spec.md §4.6 requires to be observable in tests.
func Disassemble(prog Program) []string {
	lines := make([]string, 0, len(prog))
	for i, instr := range prog {
		switch instr.Op {
		case OpLoadU8, OpLoadU16BE, OpLoadU16LE, OpLoadU32BE, OpLoadU32LE, OpLoadU64BE, OpLoadU64LE,
			OpLoadI8, OpLoadI16BE, OpLoadI16LE, OpLoadI32BE, OpLoadI32LE, OpLoadI64BE, OpLoadI64LE:
			lines = append(lines, fmt.Sprintf("%04d %s offset=%d", i, instr.Op, instr.Offset))
		case OpCmpEQ, OpCmpNE, OpCmpGT, OpCmpGE, OpCmpLT, OpCmpLE:
			lines = append(lines, fmt.Sprintf("%04d %s operand=%d", i, instr.Op, instr.Operand))
		case OpCmpMask:
			lines = append(lines, fmt.Sprintf("%04d %s mask=%#x eq=%#x", i, instr.Op, instr.Operand, instr.Operand2))
		case OpJump, OpJumpIfFalse:
			lines = append(lines, fmt.Sprintf("%04d %s target=%d", i, instr.Op, instr.Target))
		default:
			lines = append(lines, fmt.Sprintf("%04d %s", i, instr.Op))
		}
	}
	return lines
}

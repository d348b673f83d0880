package pdef

import (
	"fmt"

	"icc.tech/capture-agent/internal/vm"
)

// flattenStruct resolves rawStructs[name] into an offset-computed StructDef,
// expanding nested-struct arrays inline per spec.md §6.3 ("arrays of nested
// structs are expanded into flattened indexed fields").
func flattenStruct(name string, raw map[string]*rawStructDef, constants map[string]int64, visiting map[string]bool) (*StructDef, error) {
	rs, ok := raw[name]
	if !ok {
		return nil, fmt.Errorf("pdef: undefined struct %q", name)
	}
	if visiting[name] {
		return nil, fmt.Errorf("pdef: cyclic struct reference through %q", name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	sd := &StructDef{Name: name}
	offset := 0

	for i, decl := range rs.Decls {
		switch decl.TypeName {
		case "uint8", "int8":
			sd.Fields = append(sd.Fields, Field{Path: decl.Name, Type: primType(decl.TypeName), Offset: offset, Size: 1})
			offset += 1
		case "uint16", "int16":
			sd.Fields = append(sd.Fields, Field{Path: decl.Name, Type: primType(decl.TypeName), Offset: offset, Size: 2})
			offset += 2
		case "uint32", "int32":
			sd.Fields = append(sd.Fields, Field{Path: decl.Name, Type: primType(decl.TypeName), Offset: offset, Size: 4})
			offset += 4
		case "uint64", "int64":
			sd.Fields = append(sd.Fields, Field{Path: decl.Name, Type: primType(decl.TypeName), Offset: offset, Size: 8})
			offset += 8
		case "bytes":
			if !decl.HasArray {
				return nil, fmt.Errorf("pdef: field %q: bytes type requires an array length", decl.Name)
			}
			sd.Fields = append(sd.Fields, Field{Path: decl.Name, Type: TypeBytesN, Offset: offset, Size: decl.Array})
			offset += decl.Array
		case "string":
			if !decl.HasArray {
				return nil, fmt.Errorf("pdef: field %q: string type requires an array length", decl.Name)
			}
			sd.Fields = append(sd.Fields, Field{Path: decl.Name, Type: TypeStringN, Offset: offset, Size: decl.Array})
			offset += decl.Array
		case "varbytes":
			if i != len(rs.Decls)-1 {
				return nil, fmt.Errorf("pdef: struct %q: varbytes field %q must be last", name, decl.Name)
			}
			sd.HasVariable = true
			sd.Fields = append(sd.Fields, Field{Path: decl.Name, Type: TypeVarBytes, Offset: offset, Size: 0})
		default:
			// Nested struct reference.
			nested, err := flattenStruct(decl.TypeName, raw, constants, visiting)
			if err != nil {
				return nil, fmt.Errorf("pdef: field %q: %w", decl.Name, err)
			}
			if decl.HasArray {
				for idx := 0; idx < decl.Array; idx++ {
					prefix := fmt.Sprintf("%s[%d].", decl.Name, idx)
					for _, nf := range nested.Fields {
						sd.Fields = append(sd.Fields, Field{
							Path: prefix + nf.Path, Type: nf.Type,
							Offset: offset + nf.Offset, Size: nf.Size, Endian: nf.Endian,
						})
					}
					offset += nested.MinSize
					if nested.HasVariable {
						sd.HasVariable = true
					}
				}
			} else {
				prefix := decl.Name + "."
				for _, nf := range nested.Fields {
					sd.Fields = append(sd.Fields, Field{
						Path: prefix + nf.Path, Type: nf.Type,
						Offset: offset + nf.Offset, Size: nf.Size, Endian: nf.Endian,
					})
				}
				offset += nested.MinSize
				if nested.HasVariable {
					sd.HasVariable = true
				}
			}
		}
	}

	sd.MinSize = offset
	return sd, nil
}

func primType(t string) FieldType {
	switch t {
	case "uint8":
		return TypeU8
	case "uint16":
		return TypeU16
	case "uint32":
		return TypeU32
	case "uint64":
		return TypeU64
	case "int8":
		return TypeI8
	case "int16":
		return TypeI16
	case "int32":
		return TypeI32
	case "int64":
		return TypeI64
	default:
		return TypeNested
	}
}

// resolveField finds the field named by path across every struct, returning
// the field and the name of the struct that declares it.
func resolveField(path string, structs map[string]*StructDef) (*Field, string, error) {
	for sname, sd := range structs {
		for i := range sd.Fields {
			if sd.Fields[i].Path == path {
				return &sd.Fields[i], sname, nil
			}
		}
	}
	return nil, "", fmt.Errorf("pdef: filter references undefined field %q", path)
}

// compileFilter turns a parsed @filter block into a FilterRule with BE and
// LE bytecode variants (spec.md §3 FilterRule, §4.6).
func compileFilter(rf *rawFilterBlock, structs map[string]*StructDef, constants map[string]int64) (*FilterRule, error) {
	be, minSizeBE, structName, err := assembleProgram(rf, structs, EndianBig)
	if err != nil {
		return nil, err
	}
	le, minSizeLE, _, err := assembleProgram(rf, structs, EndianLittle)
	if err != nil {
		return nil, err
	}
	minSize := minSizeBE
	if minSizeLE > minSize {
		minSize = minSizeLE
	}

	slidingMax := rf.SlidingMax
	if rf.Sliding && slidingMax == 0 {
		slidingMax = minSize
	}

	return &FilterRule{
		Name:          rf.Name,
		StructName:    structName,
		MinPacketSize: minSize,
		BE:            be,
		LE:            le,
		Sliding:       rf.Sliding,
		SlidingMax:    slidingMax,
	}, nil
}

type asmBuilder struct {
	instrs []vm.Instruction
	labels map[string]int
	fixups []fixup
	seq    int
}

type fixup struct {
	idx   int
	label string
}

func (b *asmBuilder) emit(i vm.Instruction) int {
	b.instrs = append(b.instrs, i)
	return len(b.instrs) - 1
}

func (b *asmBuilder) mark(label string) {
	if b.labels == nil {
		b.labels = map[string]int{}
	}
	b.labels[label] = len(b.instrs)
}

func (b *asmBuilder) jumpIfFalse(label string) {
	idx := b.emit(vm.Instruction{Op: vm.OpJumpIfFalse})
	b.fixups = append(b.fixups, fixup{idx: idx, label: label})
}

func (b *asmBuilder) jump(label string) {
	idx := b.emit(vm.Instruction{Op: vm.OpJump})
	b.fixups = append(b.fixups, fixup{idx: idx, label: label})
}

func (b *asmBuilder) newLabel(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s_%d", prefix, b.seq)
}

func (b *asmBuilder) resolve() (vm.Program, error) {
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("pdef: internal: unresolved label %q", f.label)
		}
		b.instrs[f.idx].Target = target
	}
	return vm.Program(b.instrs), nil
}

// assembleProgram compiles rf's conditions as an AND-chain into one bytecode
// variant. Returns the program, the packet-size floor it implies, and the
// struct the conditions were resolved against (informational).
func assembleProgram(rf *rawFilterBlock, structs map[string]*StructDef, endian Endian) (vm.Program, int, string, error) {
	b := &asmBuilder{}
	minSize := 0
	structName := ""

	for _, cond := range rf.Conds {
		field, sname, err := resolveField(cond.Path, structs)
		if err != nil {
			return nil, 0, "", err
		}
		if structName == "" {
			structName = sname
		}
		if field.Offset+field.Size > minSize {
			minSize = field.Offset + field.Size
		}
		loadOp := loadOpFor(field.Type, field.Size, endian)

		switch cond.Kind {
		case "mask":
			b.emit(vm.Instruction{Op: loadOp, Offset: field.Offset})
			b.emit(vm.Instruction{Op: vm.OpCmpMask, Operand: cond.Operand, Operand2: cond.Operand2})
			b.jumpIfFalse("FAIL")

		case "cmp":
			b.emit(vm.Instruction{Op: loadOp, Offset: field.Offset})
			b.emit(vm.Instruction{Op: cmpOpFor(cond.CmpOp), Operand: cond.Operand})
			b.jumpIfFalse("FAIL")

		case "in":
			pass := b.newLabel("or_pass")
			b.emit(vm.Instruction{Op: loadOp, Offset: field.Offset})
			for i, v := range cond.Values {
				b.emit(vm.Instruction{Op: vm.OpCmpEQ, Operand: v})
				if i == len(cond.Values)-1 {
					b.jumpIfFalse("FAIL")
				} else {
					next := b.newLabel("try_next")
					b.jumpIfFalse(next)
					b.jump(pass)
					b.mark(next)
					b.emit(vm.Instruction{Op: loadOp, Offset: field.Offset})
				}
			}
			b.mark(pass)

		case "notin":
			for _, v := range cond.Values {
				b.emit(vm.Instruction{Op: loadOp, Offset: field.Offset})
				b.emit(vm.Instruction{Op: vm.OpCmpEQ, Operand: v})
				skip := b.newLabel("skip")
				b.jumpIfFalse(skip)
				b.jump("FAIL")
				b.mark(skip)
			}

		default:
			return nil, 0, "", fmt.Errorf("pdef: unknown condition kind %q", cond.Kind)
		}
	}

	b.emit(vm.Instruction{Op: vm.OpReturnTrue})
	b.mark("FAIL")
	b.emit(vm.Instruction{Op: vm.OpReturnFalse})

	prog, err := b.resolve()
	if err != nil {
		return nil, 0, "", err
	}
	return prog, minSize, structName, nil
}

func loadOpFor(t FieldType, size int, endian Endian) vm.Op {
	be := endian == EndianBig
	switch t {
	case TypeU8, TypeBytesN, TypeStringN:
		return vm.OpLoadU8
	case TypeI8:
		return vm.OpLoadI8
	case TypeU16:
		if be {
			return vm.OpLoadU16BE
		}
		return vm.OpLoadU16LE
	case TypeI16:
		if be {
			return vm.OpLoadI16BE
		}
		return vm.OpLoadI16LE
	case TypeU32:
		if be {
			return vm.OpLoadU32BE
		}
		return vm.OpLoadU32LE
	case TypeI32:
		if be {
			return vm.OpLoadI32BE
		}
		return vm.OpLoadI32LE
	case TypeU64:
		if be {
			return vm.OpLoadU64BE
		}
		return vm.OpLoadU64LE
	case TypeI64:
		if be {
			return vm.OpLoadI64BE
		}
		return vm.OpLoadI64LE
	default:
		if size >= 8 {
			if be {
				return vm.OpLoadU64BE
			}
			return vm.OpLoadU64LE
		}
		if be {
			return vm.OpLoadU32BE
		}
		return vm.OpLoadU32LE
	}
}

func cmpOpFor(s string) vm.Op {
	switch s {
	case "=", "==":
		return vm.OpCmpEQ
	case "!=":
		return vm.OpCmpNE
	case ">":
		return vm.OpCmpGT
	case ">=":
		return vm.OpCmpGE
	case "<":
		return vm.OpCmpLT
	case "<=":
		return vm.OpCmpLE
	default:
		return vm.OpCmpEQ
	}
}

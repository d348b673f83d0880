// Package pdef holds the compiled in-memory representation a PDEF source
// file (or inline text) is parsed into: Protocol{structs, filters,
// constants}, each filter owning two bytecode variants (BE/LE) plus an
// atomic detected_endian field used by AUTO-mode matching (spec.md §3, §4.6).
// Parsing itself lives in parser.go; this file is the data model and the
// endian-detection state machine.
package pdef

import (
	"fmt"

	"go.uber.org/atomic"

	"icc.tech/capture-agent/internal/vm"
)

// Endian is the concrete byte order, once known.
type Endian int32

const (
	EndianUnknown Endian = iota
	EndianBig
	EndianLittle
)

func (e Endian) String() string {
	switch e {
	case EndianBig:
		return "big"
	case EndianLittle:
		return "little"
	default:
		return "unknown"
	}
}

// EndianMode is the protocol's declared endian policy.
type EndianMode int

const (
	ModeBig EndianMode = iota
	ModeLittle
	ModeAuto
)

// FieldType enumerates the PDEF primitive types (spec.md §3 Field).
type FieldType int

const (
	TypeU8 FieldType = iota
	TypeU16
	TypeU32
	TypeU64
	TypeI8
	TypeI16
	TypeI32
	TypeI64
	TypeBytesN
	TypeStringN
	TypeVarBytes
	TypeNested
)

// Field is one flattened field of a StructDef.
type Field struct {
	Path   string // dotted path, e.g. "item[0].name"
	Type   FieldType
	Offset int
	Size   int
	Endian Endian
}

// StructDef is a flattened, offset-resolved struct (spec.md §3 StructDef).
type StructDef struct {
	Name        string
	Fields      []Field
	MinSize     int
	HasVariable bool
}

// FilterRule is a compiled @filter block: two bytecode variants plus the
// sliding-window policy (spec.md §3 FilterRule).
type FilterRule struct {
	Name          string
	StructName    string
	MinPacketSize int
	BE            vm.Program
	LE            vm.Program
	Sliding       bool
	SlidingMax    int
}

// Match runs the rule against data using the given concrete endian variant,
// applying the quick-reject on MinPacketSize and the sliding-window policy
// (spec.md §4.6).
func (r *FilterRule) Match(data []byte, endian Endian) bool {
	if len(data) < r.MinPacketSize {
		return false
	}
	prog := r.BE
	if endian == EndianLittle {
		prog = r.LE
	}
	if r.Sliding {
		return vm.MatchSliding(prog, data, r.SlidingMax)
	}
	return vm.Match(prog, data)
}

// Protocol is the compiled PDEF unit (spec.md §3 ProtocolDef).
type Protocol struct {
	Name          string
	SourcePath    string // empty when parsed from inline text
	DefaultEndian Endian
	EndianMode    EndianMode
	Constants     map[string]int64
	Structs       map[string]*StructDef
	Filters       []*FilterRule

	detectedEndian atomic.Int32
	writebackDone  atomic.Bool
}

// NewProtocol constructs a Protocol with its atomic fields zeroed
// (detected_endian = Unknown, writeback not yet performed).
func NewProtocol(name, sourcePath string, defaultEndian Endian, mode EndianMode) *Protocol {
	p := &Protocol{
		Name:          name,
		SourcePath:    sourcePath,
		DefaultEndian: defaultEndian,
		EndianMode:    mode,
		Constants:     make(map[string]int64),
		Structs:       make(map[string]*StructDef),
	}
	p.detectedEndian.Store(int32(EndianUnknown))
	return p
}

// DetectedEndian returns the current auto-detected endian, Unknown until a
// match establishes one.
func (p *Protocol) DetectedEndian() Endian {
	return Endian(p.detectedEndian.Load())
}

// TryDetect CASes detected_endian from Unknown to e. It returns true only
// for the caller that wins the race, so the writeback message fires exactly
// once (spec.md §8 invariant 8).
func (p *Protocol) TryDetect(e Endian) bool {
	return p.detectedEndian.CompareAndSwap(int32(EndianUnknown), int32(e))
}

// TryClaimWriteback CASes writeback_done false→true; only the winner should
// send PdefEndianDetected to the reload actor.
func (p *Protocol) TryClaimWriteback() bool {
	return p.writebackDone.CompareAndSwap(false, true)
}

// SelectAndMatch implements the full endian-selection contract of spec.md
// §4.6: it picks BE/LE per EndianMode, and under AUTO with Unknown state,
// tries BE then LE, CASing detected_endian on the first hit. It returns
// whether the rule matched and whether this call is the one that first
// established the endian (so the caller can fire the one-shot writeback).
func (p *Protocol) SelectAndMatch(r *FilterRule, data []byte) (matched bool, justDetected bool) {
	switch p.EndianMode {
	case ModeBig:
		return r.Match(data, EndianBig), false
	case ModeLittle:
		return r.Match(data, EndianLittle), false
	case ModeAuto:
		switch p.DetectedEndian() {
		case EndianBig:
			return r.Match(data, EndianBig), false
		case EndianLittle:
			return r.Match(data, EndianLittle), false
		default:
			if r.Match(data, EndianBig) {
				return true, p.TryDetect(EndianBig)
			}
			if r.Match(data, EndianLittle) {
				return true, p.TryDetect(EndianLittle)
			}
			return false, false
		}
	default:
		return false, false
	}
}

func (e EndianMode) String() string {
	switch e {
	case ModeBig:
		return "big"
	case ModeLittle:
		return "little"
	case ModeAuto:
		return "auto"
	default:
		return fmt.Sprintf("mode(%d)", e)
	}
}

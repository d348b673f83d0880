package pdef

import (
	"fmt"
	"strings"

	"icc.tech/capture-agent/internal/vm"
)

// Parse compiles PDEF source text into a Protocol (spec.md §6.3). sourcePath
// is recorded on the result for the one-shot endian-writeback path; pass ""
// for inline text with no backing file.
func Parse(src, sourcePath string) (*Protocol, error) {
	p := &parser{lex: newLexer(src), constantsHint: map[string]int64{}}
	if err := p.advance(); err != nil {
		return nil, err
	}

	var (
		protocolKV  = map[string]string{}
		constants   = map[string]int64{}
		rawStructs  = map[string]*rawStructDef{}
		rawFilters  []*rawFilterBlock
		structOrder []string
	)

	for p.tok.kind != tokEOF {
		switch {
		case p.tok.kind == tokPunct && p.tok.text == "@":
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, p.errf("expected directive name after '@'")
			}
			directive := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			switch directive {
			case "protocol":
				kv, err := p.parseKVBlock()
				if err != nil {
					return nil, err
				}
				protocolKV = kv
			case "const":
				c, err := p.parseConstBlock()
				if err != nil {
					return nil, err
				}
				for k, v := range c {
					constants[k] = v
					p.constantsHint[k] = v
				}
			case "filter":
				if p.tok.kind != tokIdent {
					return nil, p.errf("expected filter name")
				}
				name := p.tok.text
				if err := p.advance(); err != nil {
					return nil, err
				}
				rf, err := p.parseFilterBlock(name)
				if err != nil {
					return nil, err
				}
				rawFilters = append(rawFilters, rf)
			default:
				return nil, p.errf("unknown directive @%s", directive)
			}

		case p.tok.kind == tokIdent:
			name := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			sd, err := p.parseStructBody(name)
			if err != nil {
				return nil, err
			}
			rawStructs[name] = sd
			structOrder = append(structOrder, name)

		default:
			return nil, p.errf("unexpected token %q", p.tok.text)
		}
	}

	protoName := protocolKV["name"]
	defaultEndian, mode := parseEndianKV(protocolKV["endian"])
	proto := NewProtocol(protoName, sourcePath, defaultEndian, mode)
	proto.Constants = constants

	for _, name := range structOrder {
		sd, err := flattenStruct(name, rawStructs, constants, map[string]bool{})
		if err != nil {
			return nil, err
		}
		proto.Structs[name] = sd
	}

	for _, rf := range rawFilters {
		rule, err := compileFilter(rf, proto.Structs, constants)
		if err != nil {
			return nil, err
		}
		proto.Filters = append(proto.Filters, rule)
	}

	return proto, nil
}

func parseEndianKV(v string) (Endian, EndianMode) {
	switch strings.ToLower(v) {
	case "little":
		return EndianLittle, ModeLittle
	case "auto":
		return EndianUnknown, ModeAuto
	default:
		return EndianBig, ModeBig
	}
}

type parser struct {
	lex           *lexer
	tok           token
	constantsHint map[string]int64
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) errf(format string, args ...any) error {
	return fmt.Errorf("pdef: line %d: "+format, append([]any{p.tok.line}, args...)...)
}

func (p *parser) expectPunct(s string) error {
	if p.tok.kind != tokPunct || p.tok.text != s {
		return p.errf("expected %q, got %q", s, p.tok.text)
	}
	return p.advance()
}

// parseKVBlock parses "{" ( ident "=" ( ident | string | number ( "," number )* ) ";" )* "}"
func (p *parser) parseKVBlock() (map[string]string, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	kv := map[string]string{}
	for !(p.tok.kind == tokPunct && p.tok.text == "}") {
		if p.tok.kind != tokIdent {
			return nil, p.errf("expected key identifier")
		}
		key := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectOp("="); err != nil {
			return nil, err
		}

		var vals []string
		for {
			switch p.tok.kind {
			case tokIdent:
				vals = append(vals, p.tok.text)
			case tokString:
				vals = append(vals, p.tok.text)
			case tokNumber:
				vals = append(vals, p.tok.text)
			default:
				return nil, p.errf("expected value")
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind == tokPunct && p.tok.text == "," {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		kv[key] = strings.Join(vals, ",")
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
	}
	return kv, p.advance()
}

func (p *parser) expectOp(s string) error {
	if p.tok.text != s {
		return p.errf("expected %q, got %q", s, p.tok.text)
	}
	return p.advance()
}

// parseConstBlock parses "{" ( ident "=" number ";" )* "}"
func (p *parser) parseConstBlock() (map[string]int64, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	c := map[string]int64{}
	for !(p.tok.kind == tokPunct && p.tok.text == "}") {
		if p.tok.kind != tokIdent {
			return nil, p.errf("expected const identifier")
		}
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectOp("="); err != nil {
			return nil, err
		}
		if p.tok.kind != tokNumber {
			return nil, p.errf("expected numeric const value")
		}
		c[name] = p.tok.num
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
	}
	return c, p.advance()
}

type rawFieldDecl struct {
	TypeName string
	Name     string
	HasArray bool
	Array    int
}

type rawStructDef struct {
	Name  string
	Decls []rawFieldDecl
}

// parseStructBody parses "{" ( field_decl ";" )* "}" for a struct already
// named by the caller.
func (p *parser) parseStructBody(name string) (*rawStructDef, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	sd := &rawStructDef{Name: name}
	for !(p.tok.kind == tokPunct && p.tok.text == "}") {
		if p.tok.kind != tokIdent {
			return nil, p.errf("expected type name in field declaration")
		}
		typeName := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokIdent {
			return nil, p.errf("expected field name")
		}
		fieldName := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		decl := rawFieldDecl{TypeName: typeName, Name: fieldName}
		if p.tok.kind == tokPunct && p.tok.text == "[" {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokNumber {
				return nil, p.errf("expected array length")
			}
			decl.HasArray = true
			decl.Array = int(p.tok.num)
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
		}
		sd.Decls = append(sd.Decls, decl)
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
	}
	return sd, p.advance()
}

type rawFieldCond struct {
	Path     string
	Kind     string // "mask", "cmp", "in", "notin"
	CmpOp    string // for "cmp": "=","==","!=","<","<=",">",">="
	Operand  int64
	Operand2 int64
	Values   []int64
}

type rawFilterBlock struct {
	Name       string
	Conds      []rawFieldCond
	Sliding    bool
	SlidingMax int
}

// parseFilterBlock parses "{" ( field_cond | "sliding" "=" bool | "sliding_max" "=" number ) ";" ... "}"
func (p *parser) parseFilterBlock(name string) (*rawFilterBlock, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	rf := &rawFilterBlock{Name: name}
	for !(p.tok.kind == tokPunct && p.tok.text == "}") {
		if p.tok.kind != tokIdent {
			return nil, p.errf("expected field path or directive in filter block")
		}
		// a dotted path: ident ("." ident | "[" number "]")*
		path := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		for (p.tok.kind == tokPunct && p.tok.text == ".") || (p.tok.kind == tokPunct && p.tok.text == "[") {
			if p.tok.text == "." {
				if err := p.advance(); err != nil {
					return nil, err
				}
				if p.tok.kind != tokIdent {
					return nil, p.errf("expected identifier after '.'")
				}
				path += "." + p.tok.text
				if err := p.advance(); err != nil {
					return nil, err
				}
			} else {
				if err := p.advance(); err != nil {
					return nil, err
				}
				if p.tok.kind != tokNumber {
					return nil, p.errf("expected array index")
				}
				path += fmt.Sprintf("[%d]", p.tok.num)
				if err := p.advance(); err != nil {
					return nil, err
				}
				if err := p.expectPunct("]"); err != nil {
					return nil, err
				}
			}
		}

		if path == "sliding" {
			if err := p.expectOp("="); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, p.errf("expected true/false for sliding")
			}
			rf.Sliding = p.tok.text == "true"
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.expectPunct(";"); err != nil {
				return nil, err
			}
			continue
		}
		if path == "sliding_max" {
			if err := p.expectOp("="); err != nil {
				return nil, err
			}
			if p.tok.kind != tokNumber {
				return nil, p.errf("expected number for sliding_max")
			}
			rf.SlidingMax = int(p.tok.num)
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.expectPunct(";"); err != nil {
				return nil, err
			}
			continue
		}

		cond := rawFieldCond{Path: path}
		switch {
		case p.tok.kind == tokPunct && p.tok.text == "&":
			if err := p.advance(); err != nil {
				return nil, err
			}
			mask, err := p.parseNumberOrConst()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("="); err != nil {
				return nil, err
			}
			eq, err := p.parseNumberOrConst()
			if err != nil {
				return nil, err
			}
			cond.Kind = "mask"
			cond.Operand = mask
			cond.Operand2 = eq

		case p.tok.kind == tokIdent && (p.tok.text == "in"):
			if err := p.advance(); err != nil {
				return nil, err
			}
			vals, err := p.parseValueList()
			if err != nil {
				return nil, err
			}
			cond.Kind = "in"
			cond.Values = vals

		case p.tok.kind == tokOp && p.tok.text == "!":
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent || p.tok.text != "in" {
				return nil, p.errf("expected 'in' after '!'")
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			vals, err := p.parseValueList()
			if err != nil {
				return nil, err
			}
			cond.Kind = "notin"
			cond.Values = vals

		case p.tok.kind == tokOp:
			op := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			val, err := p.parseNumberOrConst()
			if err != nil {
				return nil, err
			}
			cond.Kind = "cmp"
			cond.CmpOp = op
			cond.Operand = val

		default:
			return nil, p.errf("expected condition operator after field path %q", path)
		}

		rf.Conds = append(rf.Conds, cond)
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
	}
	return rf, p.advance()
}

func (p *parser) parseValueList() ([]int64, error) {
	if err := p.expectPunct("["); err != nil {
		return nil, err
	}
	var vals []int64
	for {
		v, err := p.parseNumberOrConst()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		if p.tok.kind == tokPunct && p.tok.text == "," {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if err := p.expectPunct("]"); err != nil {
		return nil, err
	}
	return vals, nil
}

// parseNumberOrConst consumes either a numeric literal or an identifier
// naming an @const entry. Identifiers are resolved at once against the
// constants declared so far, so a constant must be declared before the
// filter that uses it.
func (p *parser) parseNumberOrConst() (int64, error) {
	switch p.tok.kind {
	case tokNumber:
		n := p.tok.num
		return n, p.advance()
	case tokIdent:
		// Look the name up among the @const entries parsed so far.
		name := p.tok.text
		if v, ok := p.constantsHint[name]; ok {
			return v, p.advance()
		}
		return 0, p.errf("unresolved identifier %q in filter condition (constants must be declared before use)", name)
	default:
		return 0, p.errf("expected number or constant identifier")
	}
}

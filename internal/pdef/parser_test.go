package pdef

import "testing"

const simplePDEF = `
@protocol {
    name = demo;
    endian = big;
}

Header {
    uint32 magic;
    uint16 version;
}

@filter magic_check {
    magic == 0xDEADBEEF;
}
`

func TestParseCompilesSimpleFilter(t *testing.T) {
	proto, err := Parse(simplePDEF, "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if proto.Name != "demo" {
		t.Fatalf("expected name demo, got %q", proto.Name)
	}
	if len(proto.Filters) != 1 {
		t.Fatalf("expected 1 filter, got %d", len(proto.Filters))
	}

	rule := proto.Filters[0]
	hit := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	miss := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	if !rule.Match(hit, EndianBig) {
		t.Fatal("expected magic match")
	}
	if rule.Match(miss, EndianBig) {
		t.Fatal("expected no match on zero bytes")
	}
}

func TestParseRejectsShortPacketBelowMinSize(t *testing.T) {
	proto, err := Parse(simplePDEF, "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rule := proto.Filters[0]
	if rule.Match([]byte{0xDE, 0xAD}, EndianBig) {
		t.Fatal("expected false for packet shorter than min_packet_size")
	}
}

const autoEndianPDEF = `
@protocol {
    name = autoproto;
    endian = auto;
}

Header {
    uint16 code;
}

@filter code_check {
    code == 0x0102;
}
`

func TestAutoEndianDetectionCASOnce(t *testing.T) {
	proto, err := Parse(autoEndianPDEF, "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rule := proto.Filters[0]

	// Little-endian bytes for 0x0102 are {0x02, 0x01}.
	leBytes := []byte{0x02, 0x01}

	matched, detected := proto.SelectAndMatch(rule, leBytes)
	if !matched {
		t.Fatal("expected match under little-endian interpretation")
	}
	if !detected {
		t.Fatal("expected this call to win the endian-detection CAS")
	}
	if proto.DetectedEndian() != EndianLittle {
		t.Fatalf("expected detected endian little, got %v", proto.DetectedEndian())
	}

	// A second match must not flip detection again.
	_, detectedAgain := proto.SelectAndMatch(rule, leBytes)
	if detectedAgain {
		t.Fatal("expected endian detection to CAS only once")
	}
}

func TestParseRejectsUndefinedFieldReference(t *testing.T) {
	bad := `
Header {
    uint32 magic;
}

@filter bad_filter {
    nonexistent == 1;
}
`
	if _, err := Parse(bad, ""); err == nil {
		t.Fatal("expected error referencing undefined field")
	}
}

package decode

import "testing"

func udpPacket(srcPort, dstPort uint16, payload []byte) []byte {
	buf := make([]byte, 0, 64)
	// Ethernet: 6 dst + 6 src + 2 ethertype(IPv4)
	buf = append(buf, make([]byte, 12)...)
	buf = append(buf, 0x08, 0x00)

	ipStart := len(buf)
	buf = append(buf, 0x45, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x40, 17, 0x00, 0x00)
	buf = append(buf, 127, 0, 0, 1, 127, 0, 0, 1)
	_ = ipStart

	buf = append(buf, byte(srcPort>>8), byte(srcPort), byte(dstPort>>8), byte(dstPort))
	buf = append(buf, 0x00, 0x00, 0x00, 0x00) // length, checksum
	buf = append(buf, payload...)
	return buf
}

func TestPacketDecodesUDP(t *testing.T) {
	data := udpPacket(5000, 53, []byte{0xAA, 0xBB})
	al := Packet(data)
	if !al.Valid {
		t.Fatal("expected valid decode")
	}
	if al.SrcPort != 5000 || al.DstPort != 53 {
		t.Fatalf("unexpected ports: %+v", al)
	}
	if al.AppLength != 2 {
		t.Fatalf("expected app length 2, got %d", al.AppLength)
	}
}

func TestPacketInvalidOnTruncation(t *testing.T) {
	al := Packet([]byte{0x00, 0x01, 0x02})
	if al.Valid {
		t.Fatal("expected invalid decode on truncated packet")
	}
}

func TestPacketInvalidOnNonIPEtherType(t *testing.T) {
	data := make([]byte, 20)
	data[12], data[13] = 0x08, 0x06 // ARP
	al := Packet(data)
	if al.Valid {
		t.Fatal("expected invalid decode on ARP ethertype")
	}
}

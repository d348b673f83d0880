package decode

import "encoding/binary"

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40
)

type ipHeader struct {
	Version  uint8
	Protocol uint8
	TotalLen uint16
}

func decodeIP(data []byte) (ipHeader, []byte, error) {
	if len(data) < 1 {
		return ipHeader{}, nil, ErrPacketTooShort
	}
	switch data[0] >> 4 {
	case 4:
		return decodeIPv4(data)
	case 6:
		return decodeIPv6(data)
	default:
		return ipHeader{}, nil, ErrUnsupportedEtherType
	}
}

func decodeIPv4(data []byte) (ipHeader, []byte, error) {
	if len(data) < ipv4HeaderMinLen {
		return ipHeader{}, nil, ErrPacketTooShort
	}
	ihl := int(data[0]&0x0F) * 4
	if ihl < ipv4HeaderMinLen || len(data) < ihl {
		return ipHeader{}, nil, ErrPacketTooShort
	}
	h := ipHeader{
		Version:  4,
		TotalLen: binary.BigEndian.Uint16(data[2:4]),
		Protocol: data[9],
	}
	return h, data[ihl:], nil
}

func decodeIPv6(data []byte) (ipHeader, []byte, error) {
	if len(data) < ipv6HeaderLen {
		return ipHeader{}, nil, ErrPacketTooShort
	}
	payloadLen := binary.BigEndian.Uint16(data[4:6])
	h := ipHeader{
		Version:  6,
		TotalLen: uint16(ipv6HeaderLen) + payloadLen,
		Protocol: data[6],
	}
	// Extension headers are not walked (matches the teacher's simplification);
	// this only affects protocols layered behind IPv6 extension headers.
	return h, data[ipv6HeaderLen:], nil
}

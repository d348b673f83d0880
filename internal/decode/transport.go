package decode

import "encoding/binary"

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20

	protocolTCP = 6
	protocolUDP = 17
)

type transportHeader struct {
	SrcPort uint16
	DstPort uint16
}

func decodeTransport(data []byte, protocol uint8) (transportHeader, []byte, error) {
	switch protocol {
	case protocolTCP:
		return decodeTCP(data)
	case protocolUDP:
		return decodeUDP(data)
	default:
		return transportHeader{}, data, ErrUnsupportedEtherType
	}
}

func decodeUDP(data []byte) (transportHeader, []byte, error) {
	if len(data) < udpHeaderLen {
		return transportHeader{}, nil, ErrPacketTooShort
	}
	h := transportHeader{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
	}
	return h, data[udpHeaderLen:], nil
}

func decodeTCP(data []byte) (transportHeader, []byte, error) {
	if len(data) < tcpHeaderMinLen {
		return transportHeader{}, nil, ErrPacketTooShort
	}
	dataOffset := int(data[12]>>4) * 4
	if dataOffset < tcpHeaderMinLen || len(data) < dataOffset {
		return transportHeader{}, nil, ErrPacketTooShort
	}
	h := transportHeader{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
	}
	return h, data[dataOffset:], nil
}

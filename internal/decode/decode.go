// Package decode parses the Ethernet → IPv4/IPv6 → TCP/UDP layers of a
// captured packet far enough to locate the application-layer payload, per
// spec.md §4.4: the worker needs src/dst port, app offset, app length, and a
// validity flag for every packet before handing it to the filter/writer.
// Adapted from the teacher's internal/core/decoder package, trimmed of
// fragment reassembly and tunnel decapsulation (non-goals for this service).
package decode

import "errors"

var (
	// ErrPacketTooShort is returned when a header doesn't fit in the
	// remaining bytes.
	ErrPacketTooShort = errors.New("decode: packet too short")
	// ErrUnsupportedEtherType is returned for non-IPv4/IPv6 frames.
	ErrUnsupportedEtherType = errors.New("decode: unsupported ethertype")
)

// AppLayer is the result spec.md §4.4 requires per packet: enough to route
// and filter without retaining the parsed header structs.
type AppLayer struct {
	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8 // 6=TCP, 17=UDP, 0=other/unknown
	AppOffset int
	AppLength int
	Valid     bool
}

// Packet decodes data's Ethernet/IP/TCP-UDP layers and returns the
// application-layer location. It never returns an error for a malformed or
// unsupported packet — instead AppLayer.Valid is false, matching the
// worker's "parse failure never kills the capture" contract.
func Packet(data []byte) AppLayer {
	eth, payload, err := decodeEthernet(data)
	if err != nil {
		return AppLayer{Valid: false}
	}

	etherType := eth.EtherType
	if etherType != etherTypeIPv4 && etherType != etherTypeIPv6 {
		return AppLayer{Valid: false}
	}

	ip, l4, err := decodeIP(payload)
	if err != nil {
		return AppLayer{Valid: false}
	}

	if ip.Protocol != protocolTCP && ip.Protocol != protocolUDP {
		return AppLayer{Valid: false}
	}

	transport, app, err := decodeTransport(l4, ip.Protocol)
	if err != nil {
		return AppLayer{Valid: false}
	}

	appOffset := len(data) - len(app)
	return AppLayer{
		SrcPort:   transport.SrcPort,
		DstPort:   transport.DstPort,
		Protocol:  ip.Protocol,
		AppOffset: appOffset,
		AppLength: len(app),
		Valid:     true,
	}
}

// Package utils holds small cross-actor helpers with no actor state of
// their own. Adapted from the teacher's internal/utils/bpf.go, which
// compiled a filter string directly to golang.org/x/net/bpf raw
// instructions; here the worker already compiles through
// gopacket/pcap.CompileBPFFilter to get the []pcap.BPFInstruction shape
// SetBPFInstructionFilter wants, so this package now only carries the
// conversion step, reused for the debug disassembly path.
package utils

import (
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// ToRawInstructions converts compiled pcap BPF instructions into the
// golang.org/x/net/bpf representation used for disassembly.
func ToRawInstructions(insns []pcap.BPFInstruction) []bpf.RawInstruction {
	raw := make([]bpf.RawInstruction, 0, len(insns))
	for _, in := range insns {
		raw = append(raw, bpf.RawInstruction{Op: in.Code, Jt: in.Jt, Jf: in.Jf, K: in.K})
	}
	return raw
}

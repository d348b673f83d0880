package tasktable

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// SignatureInput carries the normalized fields the signature is computed
// over (spec.md §4.3.1 step 5). Field order in the JSON encoding is fixed by
// struct field order so the digest is deterministic across calls.
type SignatureInput struct {
	Mode            string `json:"mode"`
	Iface           string `json:"iface"`
	ResolvedIface   string `json:"resolved_iface"`
	Category        string `json:"category"`
	FilePattern     string `json:"file_pattern"`
	OutputDir       string `json:"output_dir"`
	BPF             string `json:"bpf"`
	ProtocolFilter  string `json:"protocol_filter"`
	IPFilter        string `json:"ip_filter"`
	PortFilter      int    `json:"port_filter"`
	DurationSec     int    `json:"duration_sec"`
	MaxBytes        int64  `json:"max_bytes"`
	MaxPackets      int64  `json:"max_packets"`
	Snaplen         int    `json:"snaplen"`
	CompressPolicy  string `json:"compress_policy"`
	NetnsPath       string `json:"netns_path"`
	ProcName        string `json:"proc_name,omitempty"`
	PID             int    `json:"pid,omitempty"`
	ContainerID     string `json:"container_id,omitempty"`
	SortedPIDs      []int  `json:"sorted_pids,omitempty"`
}

// Signature computes the 16-lowercase-hex-digit FNV-1a-64 fingerprint over
// in's canonical JSON encoding (spec.md §4.3.1 step 5).
func Signature(in SignatureInput) string {
	sorted := append([]int(nil), in.SortedPIDs...)
	sort.Ints(sorted)
	in.SortedPIDs = sorted

	// json.Marshal of a struct with fixed field order is deterministic,
	// giving the canonical string the signature is taken over.
	canonical, _ := json.Marshal(in)

	h := fnv.New64a()
	h.Write(canonical)
	return fmt.Sprintf("%016x", h.Sum64())
}

// SID builds signature ‖ local-time millisecond timestamp, formatted
// YYYYMMDDHHMMSSmmm (spec.md §3 SID).
func SID(signature string, at time.Time) string {
	return signature + at.Format("20060102150405") + fmt.Sprintf("%03d", at.Nanosecond()/1_000_000)
}

// Package messages defines every typed message body carried over the bus
// (spec.md §2 control flow, §4.2–§4.9). Actors type-switch on these after
// receiving a bus.Envelope.
package messages

import (
	"time"

	"icc.tech/capture-agent/internal/captureerr"
	"icc.tech/capture-agent/internal/config"
	"icc.tech/capture-agent/internal/pdef"
	"icc.tech/capture-agent/internal/tasktable"
)

// StartCapture is the manager-bound request to accept a new capture
// (spec.md §4.3.1). The manager sends its StartReply on Reply, which the
// HTTP handler blocks on.
type StartCapture struct {
	Mode                 tasktable.Mode
	Iface                string
	ProcName             string
	PID                  int
	ContainerID          string
	BPF                  string
	Protocol             string
	ProtocolFilterInline string
	IPFilter             string
	PortFilter           int
	Category             string
	FilePattern          string
	DurationSec          int
	MaxBytes             int64
	MaxPackets           int64
	ClientIP             string
	RequestUser          string

	Reply chan StartReply
}

// StartReply is the manager's synchronous-looking response to StartCapture,
// delivered over a channel (spec.md §4.1: "request/reply is modelled as
// paired messages carrying a reply target").
type StartReply struct {
	HTTPStatus  int
	CaptureID   int64
	Duplicate   bool
	Status      string
	Mode        string
	Key         string
	SID         string
	MatchedPIDs []int
	Port        int
	Error       string
	// Conflict-specific fields (409).
	ExistingCaptureID int64
}

// StopCapture is the manager-bound request to stop an active capture.
type StopCapture struct {
	CaptureID int64
	SID       string
	Reply     chan StopReply
}

// StopReply answers a StopCapture.
type StopReply struct {
	HTTPStatus int
	CaptureID  int64
	Key        string
	SID        string
	Status     string
	Dispatched bool
	Error      string
}

// QueryCapture asks the manager for a full task snapshot.
type QueryCapture struct {
	CaptureID int64
	SID       string
	Reply     chan QueryReply
}

// QueryReply carries the task snapshot, or a not-found indication.
type QueryReply struct {
	HTTPStatus int
	Task       *tasktable.Snapshot
	Error      string
}

// CaptureStart is the worker-bound dispatch message (spec.md §4.3.1 step 9,
// "CaptureStart v2").
type CaptureStart struct {
	CaptureID int64
	Spec      tasktable.CaptureTask
	Config    *config.Snapshot
	Protocol  *pdef.Protocol
}

// CaptureStop tells a worker to stop its capture loop (spec.md §4.3.3).
type CaptureStop struct {
	CaptureID int64
}

// PacketCaptured is the worker→filter/writer per-packet message (spec.md
// §4.4, §4.5).
type PacketCaptured struct {
	CaptureTime time.Time
	Data        []byte // bounded to 64 KiB
	CapLen      int
	OrigLen     int
	SrcPort     uint16
	DstPort     uint16
	AppOffset   int
	AppLength   int
	Valid       bool
}

// WriterShutdown tells a filter/writer actor to flush, close, and exit.
type WriterShutdown struct {
	CaptureID int64
}

// CaptureStarted is the worker→manager lifecycle event marking Running.
type CaptureStarted struct {
	CaptureID int64
	StartTime time.Time
	Iface     string
	FirstFile string
}

// CaptureProgress carries updated counters (spec.md §4.3.2).
type CaptureProgress struct {
	CaptureID         int64
	Packets           int64
	Bytes             int64
	LastPacketAt      time.Time
}

// CaptureFileReady announces a rotated file is closed and ready for cleanup.
type CaptureFileReady struct {
	CaptureID int64
	File      tasktable.CapturedFile
}

// CaptureFinished is the terminal worker→manager event on normal completion
// or cancellation (spec.md §4.3.2).
type CaptureFinished struct {
	CaptureID int64
	ExitCode  captureerr.Code
	EndTime   time.Time
	Packets   int64
	Bytes     int64
}

// CaptureFailed is the terminal worker→manager event on error.
type CaptureFailed struct {
	CaptureID int64
	Code      captureerr.Code
	Message   string
}

// FileEnqueue hands a rotated file to the cleanup actor (spec.md §4.3.2,
// §4.7).
type FileEnqueue struct {
	CaptureID int64
	Key       string
	SID       string
	File      tasktable.CapturedFile
	Config    *config.Snapshot
}

// CleanCompressDone reports a successful batch compression.
type CleanCompressDone struct {
	CaptureID int64
	Archive   tasktable.Archive
	Files     []tasktable.CapturedFile
}

// CleanCompressFailed reports a failed batch compression.
type CleanCompressFailed struct {
	CaptureID int64
	Code      captureerr.Code
	Message   string
	Files     []tasktable.CapturedFile
}

// SampleAlert is the sampler→manager threshold-cross notification
// (spec.md §4.8).
type SampleAlert struct {
	Timestamp  time.Time
	CPUPct     float64
	MemPct     float64
	RxKbps     float64
	TxKbps     float64
	Module     string
	HitCPU     bool
	HitMem     bool
	HitNet     bool
	CaptureHint string
	DurationSec int
	CooldownSec int
}

// ConfigRefresh publishes a new immutable config snapshot (spec.md §4.9).
type ConfigRefresh struct {
	Snapshot *config.Snapshot
}

// PdefEndianDetected is the one-shot filter/writer→reload writeback request
// (spec.md §3 ProtocolDef, §4.9).
type PdefEndianDetected struct {
	SourcePath string
	Detected   pdef.Endian
}

// LifecycleEvent is the manager's optional mirror of a capture's lifecycle
// transitions (started, finished, failed, sampler-triggered) onto an
// external event stream (spec.md §4.3's "lifecycle events may be exported
// for audit", supplemented from original_source/'s reporter fan-out).
type LifecycleEvent struct {
	CaptureID int64
	Key       string
	SID       string
	Status    string
	Mode      string
	Iface     string
	ProcName  string
	Packets   int64
	Bytes     int64
	Error     string
	Module    string
	At        time.Time
}

// Package filterwriter implements the per-capture filter/writer actor
// (spec.md §4.5): it receives PacketCaptured messages in send order, runs
// the bytecode VM when a ProtocolDef is bound, and writes matching packets
// to a rotating pcap file. Grounded on the teacher's afpacket capture
// pipeline for the rotation bookkeeping shape, rewritten around
// gopacket/pcapgo for the dump format spec.md's libpcap vocabulary implies.
package filterwriter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/atomic"

	"icc.tech/capture-agent/internal/bus"
	"icc.tech/capture-agent/internal/messages"
	"icc.tech/capture-agent/internal/metrics"
	"icc.tech/capture-agent/internal/outpath"
	"icc.tech/capture-agent/internal/pdef"
	"icc.tech/capture-agent/internal/tasktable"
)

// Policy carries the file-rotation inputs (spec.md §6.4, §4.4).
type Policy struct {
	BaseDir     string
	FilePattern string
	Category    string
	Iface       string
	ProcName    string
	Port        int
	MaxBytes    int64
	Snaplen     int
}

// Writer is one capture's filter/writer actor.
type Writer struct {
	captureID   int64
	self        bus.Dest
	managerDest bus.Dest
	reloadDest  bus.Dest
	b           *bus.Bus
	protocol    *pdef.Protocol
	policy      Policy
	logger      *slog.Logger

	seq          int
	currentPath  string
	currentFile  *os.File
	pcapWriter   *pcapgo.Writer
	writtenBytes int64

	packetsProcessed atomic.Int64
	packetsFiltered  atomic.Int64
}

// New constructs a Writer for one capture. protocol may be nil (no content
// filter bound — every packet is written).
func New(captureID int64, self, managerDest, reloadDest bus.Dest, b *bus.Bus, protocol *pdef.Protocol, policy Policy, logger *slog.Logger) *Writer {
	return &Writer{
		captureID:   captureID,
		self:        self,
		managerDest: managerDest,
		reloadDest:  reloadDest,
		b:           b,
		protocol:    protocol,
		policy:      policy,
		logger:      logger,
	}
}

// Run drains mailbox until ctx is cancelled or a WriterShutdown arrives.
func (w *Writer) Run(ctx context.Context, mailbox <-chan bus.Envelope) error {
	defer w.closeCurrent()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-mailbox:
			if !ok {
				return nil
			}
			switch m := env.Body.(type) {
			case messages.PacketCaptured:
				if err := w.handlePacket(m); err != nil {
					w.logger.Error("filterwriter: write failed", "capture_id", w.captureID, "err", err)
				}
			case messages.WriterShutdown:
				w.closeCurrent()
				return nil
			}
		}
	}
}

// handlePacket implements spec.md §4.5's per-packet pipeline.
func (w *Writer) handlePacket(m messages.PacketCaptured) error {
	w.packetsProcessed.Inc()

	matched := true
	if w.protocol != nil && m.Valid {
		matched = w.matchProtocol(m)
		if !matched {
			w.packetsFiltered.Inc()
			metrics.PacketsFilteredTotal.WithLabelValues(w.captureIDLabel()).Inc()
			return nil
		}
	}
	if !matched {
		return nil
	}

	return w.writePacket(m)
}

func (w *Writer) matchProtocol(m messages.PacketCaptured) bool {
	if m.AppOffset < 0 || m.AppOffset+m.AppLength > len(m.Data) {
		return false
	}
	appData := m.Data[m.AppOffset : m.AppOffset+m.AppLength]

	start := time.Now()
	matched := false
	for _, rule := range w.protocol.Filters {
		ok, justDetected := w.protocol.SelectAndMatch(rule, appData)
		if ok {
			matched = true
		}
		if justDetected {
			w.emitWriteback()
		}
	}
	metrics.VMMatchLatencySeconds.Observe(time.Since(start).Seconds())
	return matched
}

func (w *Writer) captureIDLabel() string {
	return strconv.FormatInt(w.captureID, 10)
}

// emitWriteback sends the one-shot PdefEndianDetected notice to the reload
// actor, guarded so it fires at most once per Protocol instance (spec.md §3,
// §8 invariant 8).
func (w *Writer) emitWriteback() {
	if w.protocol.SourcePath == "" {
		return
	}
	if !w.protocol.TryClaimWriteback() {
		return
	}
	_ = w.b.Send(w.self, w.reloadDest, messages.PdefEndianDetected{
		SourcePath: w.protocol.SourcePath,
		Detected:   w.protocol.DetectedEndian(),
	})
}

func (w *Writer) writePacket(m messages.PacketCaptured) error {
	const pcapPktHdrSize = 16
	packetTotal := int64(pcapPktHdrSize + m.CapLen)

	if w.currentFile == nil || (w.policy.MaxBytes > 0 && w.writtenBytes+packetTotal > w.policy.MaxBytes) {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     m.CaptureTime,
		CaptureLength: m.CapLen,
		Length:        m.OrigLen,
	}
	if err := w.pcapWriter.WritePacket(ci, m.Data); err != nil {
		return fmt.Errorf("filterwriter: write packet: %w", err)
	}
	w.writtenBytes += packetTotal
	metrics.BytesWrittenTotal.WithLabelValues(w.captureIDLabel()).Add(float64(packetTotal))
	return nil
}

func (w *Writer) rotate() error {
	w.closeCurrent()
	w.seq++

	ctx := outpath.Context{
		Iface:    w.policy.Iface,
		ProcName: w.policy.ProcName,
		Port:     w.policy.Port,
		Category: w.policy.Category,
		Seq:      w.seq,
		At:       time.Now(),
	}
	path := outpath.Expand(w.policy.BaseDir, w.policy.FilePattern, ctx)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filterwriter: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("filterwriter: open: %w", err)
	}

	pw := pcapgo.NewWriter(f)
	snaplen := w.policy.Snaplen
	if snaplen <= 0 {
		snaplen = 262144
	}
	if err := pw.WriteFileHeader(uint32(snaplen), layers.LinkTypeEthernet); err != nil {
		f.Close()
		return fmt.Errorf("filterwriter: write file header: %w", err)
	}

	w.currentFile = f
	w.currentPath = path
	w.pcapWriter = pw
	w.writtenBytes = 0
	return nil
}

// closeCurrent flushes and closes the active file and, if one is open,
// publishes a CaptureFileReady for it to the manager.
func (w *Writer) closeCurrent() {
	if w.currentFile == nil {
		return
	}
	path := w.currentPath
	size := w.writtenBytes
	seq := w.seq

	_ = w.currentFile.Sync()
	_ = w.currentFile.Close()
	w.currentFile = nil
	w.pcapWriter = nil

	file := tasktable.CapturedFile{
		FilePath: path,
		ByteSize: size,
		Segment:  seq,
		ReadyAt:  time.Now(),
	}
	_ = w.b.Send(w.self, w.managerDest, messages.CaptureFileReady{CaptureID: w.captureID, File: file})
}

// Counters returns the current processed/filtered packet counts.
func (w *Writer) Counters() (processed, filtered int64) {
	return w.packetsProcessed.Load(), w.packetsFiltered.Load()
}

// Package metrics implements Prometheus metrics for the capture-control
// pipeline. Adapted from the teacher's internal/metrics package; the metric
// vocabulary here replaces its flow/pipeline/reporter counters with the
// capture/tasktable/VM/cleanup domain this system implements.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturesStartedTotal counts accepted start requests by mode.
	CapturesStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_captures_started_total",
			Help: "Total number of captures accepted by the manager",
		},
		[]string{"mode"},
	)

	// CaptureRequestsRejectedTotal counts 4xx rejections by reason.
	CaptureRequestsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_capture_requests_rejected_total",
			Help: "Total number of start requests rejected before task creation",
		},
		[]string{"reason"},
	)

	// TaskStatus tracks the current count of tasks in each lifecycle status.
	TaskStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_agent_task_status",
			Help: "Current number of capture tasks in each lifecycle status",
		},
		[]string{"status"},
	)

	// PacketsCapturedTotal counts packets read off pcap handles.
	PacketsCapturedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_packets_captured_total",
			Help: "Total number of packets read from pcap handles",
		},
		[]string{"iface"},
	)

	// PacketsFilteredTotal counts packets dropped by the protocol filter VM.
	PacketsFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_packets_filtered_total",
			Help: "Total number of packets dropped by the protocol filter bytecode VM",
		},
		[]string{"capture_id"},
	)

	// BytesWrittenTotal counts bytes written to rotating pcap files.
	BytesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_bytes_written_total",
			Help: "Total bytes written to rotating pcap output files",
		},
		[]string{"capture_id"},
	)

	// VMMatchLatencySeconds measures per-packet bytecode VM evaluation latency.
	VMMatchLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capture_agent_vm_match_latency_seconds",
			Help:    "Latency of a single protocol-filter bytecode VM evaluation",
			Buckets: prometheus.ExponentialBuckets(0.0000001, 2, 20),
		},
	)

	// ArchivesCreatedTotal counts tar.gz archives produced by cleanup.
	ArchivesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capture_agent_archives_created_total",
			Help: "Total number of batch-compressed archives produced by cleanup",
		},
	)

	// CleanupPendingFiles tracks the cleanup actor's pending-file queue depth.
	CleanupPendingFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capture_agent_cleanup_pending_files",
			Help: "Current number of rotated files awaiting batch compression",
		},
	)

	// SampleAlertsTotal counts sampler threshold crossings by module and axis.
	SampleAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_sample_alerts_total",
			Help: "Total number of sampler threshold-cross alerts",
		},
		[]string{"module", "axis"},
	)

	// BusMailboxDepth tracks a mailbox's current queue length.
	BusMailboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_agent_bus_mailbox_depth",
			Help: "Current queued envelope count for a bus mailbox",
		},
		[]string{"actor"},
	)
)

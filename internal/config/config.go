// Package config loads the daemon's static configuration using viper and
// renders the immutable per-actor CaptureConfigSnapshot.
package config

import (
	"fmt"
	"hash/fnv"
	"time"
)

// GlobalConfig is the top-level static configuration (spec.md §6.2).
type GlobalConfig struct {
	Server     ServerConfig          `mapstructure:"server"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	Capture    CaptureDefaultsConfig `mapstructure:"capture"`
	Storage    StorageConfig         `mapstructure:"storage"`
	Cleanup    CleanupConfig         `mapstructure:"cleanup"`
	Limits     LimitsConfig          `mapstructure:"limits"`
	Protocols  map[string]string     `mapstructure:"protocols"`
	Metrics    MetricsConfig         `mapstructure:"metrics"`
	EventKafka EventKafkaConfig      `mapstructure:"event_kafka"`
}

// ServerConfig is the `server.*` config block.
type ServerConfig struct {
	BindAddr       string `mapstructure:"bind_addr"`
	Port           int    `mapstructure:"port"`
	Workers        int    `mapstructure:"workers"`
	CaptureThreads int    `mapstructure:"capture_threads"`
}

// LoggingConfig is the `logging.*` config block.
type LoggingConfig struct {
	LogPath   string `mapstructure:"log_path"`
	LogPrefix string `mapstructure:"log_prefix"`
	LogSizeMB int    `mapstructure:"log_size_mb"`
	LogLevel  string `mapstructure:"log_level"`
}

// CaptureDefaultsConfig is the `capture.*` config block.
type CaptureDefaultsConfig struct {
	DefaultInterface string `mapstructure:"default_interface"`
	DefaultDuration  int    `mapstructure:"default_duration"`
	DefaultCategory  string `mapstructure:"default_category"`
	FilePattern      string `mapstructure:"file_pattern"`
	MaxFileSizeMB    int    `mapstructure:"max_file_size_mb"`
}

// StorageConfig is the `storage.*` config block.
type StorageConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MaxAgeDays     int    `mapstructure:"max_age_days"`
	MaxSizeGB      int    `mapstructure:"max_size_gb"`
	TempPdefDir    string `mapstructure:"temp_pdef_dir"`
	TempPdefTTLHrs int    `mapstructure:"temp_pdef_ttl_hours"`
}

// CleanupConfig is the `cleanup.*` config block.
type CleanupConfig struct {
	CompressIntervalSec     int    `mapstructure:"compress_interval_sec"`
	BatchCompressFileCount  int    `mapstructure:"batch_compress_file_count"`
	BatchCompressSizeMB     int    `mapstructure:"batch_compress_size_mb"`
	ArchiveDir              string `mapstructure:"archive_dir"`
	ArchiveKeepDays         int    `mapstructure:"archive_keep_days"`
	ArchiveMaxTotalSizeMB   int    `mapstructure:"archive_max_total_size_mb"`
	ArchiveRemoveSource     bool   `mapstructure:"archive_remove_source"`
}

// LimitsConfig is the `limits.*` config block.
type LimitsConfig struct {
	MaxConcurrentCaptures int `mapstructure:"max_concurrent_captures"`
}

// MetricsConfig controls the Prometheus /metrics listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// EventKafkaConfig controls the optional lifecycle-event exporter (SPEC_FULL §5.12).
type EventKafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// StrategyConfig is the separately-watched sampler strategy file (spec.md §6.2).
type StrategyConfig struct {
	Sample SampleConfig `mapstructure:"sample"`
}

// SampleConfig is the `sample.*` block.
type SampleConfig struct {
	WorkerQueueSize int              `mapstructure:"worker_queue_size"`
	CPUPctGT        float64          `mapstructure:"cpu_pct_gt"`
	MemPctGT        float64          `mapstructure:"mem_pct_gt"`
	NetRxKbpsGT     float64          `mapstructure:"net_rx_kbps_gt"`
	Triggers        []TriggerModule  `mapstructure:"triggers"`
}

// TriggerModule is one entry of `sample.triggers`.
type TriggerModule struct {
	Name              string  `mapstructure:"name"`
	CPUPctGT          float64 `mapstructure:"cpu_pct_gt"`
	MemPctGT          float64 `mapstructure:"mem_pct_gt"`
	NetRxKbpsGT       float64 `mapstructure:"net_rx_kbps_gt"`
	TriggerCapture    string  `mapstructure:"trigger_capture"`
	CaptureCategory   string  `mapstructure:"capture_category"`
	CaptureDurationS  int     `mapstructure:"capture_duration_sec"`
	CooldownSec       int     `mapstructure:"cooldown_sec"`
}

// Snapshot is the immutable CaptureConfigSnapshot handed to every actor
// (spec.md §3, §6.2). A reload publishes a new Snapshot; consumers refresh
// their local reference only at a message boundary — they never mutate one
// in place.
type Snapshot struct {
	DefaultInterface string
	DefaultDuration  int
	DefaultCategory  string
	FilePattern      string
	MaxFileSizeMB    int

	BaseDir        string
	MaxAgeDays     int
	MaxSizeGB      int
	TempPdefDir    string
	TempPdefTTLHrs int

	CompressIntervalSec    int
	BatchCompressFileCount int
	BatchCompressSizeMB    int
	ArchiveDir             string
	ArchiveKeepDays        int
	ArchiveMaxTotalSizeMB  int
	ArchiveRemoveSource    bool

	MaxConcurrentCaptures int

	Protocols map[string]string

	ConfigHash      uint32
	ConfigTimestamp time.Time
}

// BuildSnapshot derives the immutable union snapshot from the loaded config.
func BuildSnapshot(g *GlobalConfig) *Snapshot {
	s := &Snapshot{
		DefaultInterface:       g.Capture.DefaultInterface,
		DefaultDuration:        g.Capture.DefaultDuration,
		DefaultCategory:        g.Capture.DefaultCategory,
		FilePattern:            g.Capture.FilePattern,
		MaxFileSizeMB:          g.Capture.MaxFileSizeMB,
		BaseDir:                g.Storage.BaseDir,
		MaxAgeDays:             g.Storage.MaxAgeDays,
		MaxSizeGB:              g.Storage.MaxSizeGB,
		TempPdefDir:            g.Storage.TempPdefDir,
		TempPdefTTLHrs:         g.Storage.TempPdefTTLHrs,
		CompressIntervalSec:    g.Cleanup.CompressIntervalSec,
		BatchCompressFileCount: g.Cleanup.BatchCompressFileCount,
		BatchCompressSizeMB:    g.Cleanup.BatchCompressSizeMB,
		ArchiveDir:             g.Cleanup.ArchiveDir,
		ArchiveKeepDays:        g.Cleanup.ArchiveKeepDays,
		ArchiveMaxTotalSizeMB:  g.Cleanup.ArchiveMaxTotalSizeMB,
		ArchiveRemoveSource:    g.Cleanup.ArchiveRemoveSource,
		MaxConcurrentCaptures:  g.Limits.MaxConcurrentCaptures,
		Protocols:              g.Protocols,
		ConfigTimestamp:        time.Now(),
	}
	s.ConfigHash = hashSnapshot(s)
	return s
}

// hashSnapshot computes the FNV-1a-32 digest of the snapshot's byte stream
// (spec.md §6.2: "config_hash = FNV-1a-32 over the field byte-stream").
func hashSnapshot(s *Snapshot) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%d|%s|%s|%d|%s|%d|%d|%s|%d|%d|%d|%d|%s|%d|%d|%t|%d",
		s.DefaultInterface, s.DefaultDuration, s.DefaultCategory, s.FilePattern, s.MaxFileSizeMB,
		s.BaseDir, s.MaxAgeDays, s.MaxSizeGB, s.TempPdefDir, s.TempPdefTTLHrs,
		s.CompressIntervalSec, s.BatchCompressFileCount, s.BatchCompressSizeMB,
		s.ArchiveDir, s.ArchiveKeepDays, s.ArchiveMaxTotalSizeMB, s.ArchiveRemoveSource,
		s.MaxConcurrentCaptures)
	return h.Sum32()
}

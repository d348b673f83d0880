// Package cleanup implements the single process-global cleanup actor
// (spec.md §4.7): it batches rotated capture files into tar.gz archives,
// prunes expired PDEF scratch files and old archives, and appends a
// JSON-lines metadata record per file. Grounded on the teacher's internal/log
// rotation approach (gopkg.in/natefinch/lumberjack.v2) for the metadata log
// and archive/tar + compress/gzip for the archive format the spec's
// "batch_<timestamp>_<capture_id>.tar.gz" vocabulary implies.
package cleanup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"

	"icc.tech/capture-agent/internal/bus"
	"icc.tech/capture-agent/internal/captureerr"
	"icc.tech/capture-agent/internal/config"
	"icc.tech/capture-agent/internal/messages"
	"icc.tech/capture-agent/internal/metrics"
	"icc.tech/capture-agent/internal/tasktable"
)

const tickInterval = 2 * time.Second

// pendingFile is one queued CapturedFile awaiting batch compression.
type pendingFile struct {
	CaptureID int64
	Key       string
	SID       string
	File      tasktable.CapturedFile
	Config    *config.Snapshot
}

// Actor is the process-global cleanup actor.
type Actor struct {
	self        bus.Dest
	managerDest bus.Dest
	b           *bus.Bus
	logger      *slog.Logger
	metaLog     *lumberjack.Logger

	pending       []pendingFile
	lastCompress  time.Time
	lastPrune     time.Time
}

// New constructs the cleanup actor. metaLogPath is the append-only
// JSON-lines metadata log (spec.md §4.7: "rotated when size exceeds a
// threshold; at most N rotated files kept").
func New(b *bus.Bus, managerDest bus.Dest, metaLogPath string, logger *slog.Logger) *Actor {
	return &Actor{
		self:        bus.Dest{Actor: bus.ActorCleanup},
		managerDest: managerDest,
		b:           b,
		logger:      logger,
		metaLog: &lumberjack.Logger{
			Filename:   metaLogPath,
			MaxSize:    50,
			MaxBackups: 10,
			Compress:   false,
		},
	}
}

// Run drains FileEnqueue messages and ticks the batch/prune cycle until ctx
// is cancelled (spec.md §4.7, §7: "each actor drains its mailbox between
// timer-wait iterations").
func (a *Actor) Run(ctx context.Context) error {
	mailbox, err := a.b.Register(a.self)
	if err != nil {
		return fmt.Errorf("cleanup: register: %w", err)
	}
	defer a.b.Unregister(a.self)
	defer a.metaLog.Close()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-mailbox:
			if !ok {
				return nil
			}
			if m, ok := env.Body.(messages.FileEnqueue); ok {
				a.enqueue(m)
			}
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *Actor) enqueue(m messages.FileEnqueue) {
	a.appendMetadata(m)
	a.pending = append(a.pending, pendingFile{
		CaptureID: m.CaptureID,
		Key:       m.Key,
		SID:       m.SID,
		File:      m.File,
		Config:    m.Config,
	})
	metrics.CleanupPendingFiles.Set(float64(len(a.pending)))
}

// appendMetadata writes one JSON-lines record per file (spec.md §4.7:
// "appends a JSON metadata record per file"). Idempotent by design — the
// spec explicitly allows duplicate enqueues to repeat a record.
func (a *Actor) appendMetadata(m messages.FileEnqueue) {
	record := map[string]any{
		"capture_id": m.CaptureID,
		"key":        m.Key,
		"sid":        m.SID,
		"path":       m.File.FilePath,
		"size":       m.File.ByteSize,
		"segment":    m.File.Segment,
		"ready_at":   m.File.ReadyAt,
	}
	line, err := json.Marshal(record)
	if err != nil {
		a.logger.Error("cleanup: marshal metadata record", "err", err)
		return
	}
	line = append(line, '\n')
	if _, err := a.metaLog.Write(line); err != nil {
		a.logger.Error("cleanup: write metadata record", "err", err)
	}
}

// tick runs one cycle of PDEF scratch pruning, batch compression, and
// archive retention (spec.md §4.7).
func (a *Actor) tick() {
	if len(a.pending) == 0 {
		return
	}
	cfg := a.pending[0].Config

	if time.Since(a.lastPrune) >= time.Duration(max(cfg.TempPdefTTLHrs, 1))*time.Hour/4 {
		a.prunePdefScratch(cfg)
		a.pruneArchives(cfg)
		a.lastPrune = time.Now()
	}

	interval := time.Duration(cfg.CompressIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if time.Since(a.lastCompress) < interval {
		return
	}
	a.lastCompress = time.Now()
	a.compressBatches(cfg)
}

// compressBatches groups pending files by capture id and compresses any
// group crossing the count/size threshold (spec.md §4.7 step "Batch
// compression").
func (a *Actor) compressBatches(cfg *config.Snapshot) {
	groups := map[int64][]pendingFile{}
	for _, p := range a.pending {
		groups[p.CaptureID] = append(groups[p.CaptureID], p)
	}

	var remaining []pendingFile
	for captureID, files := range groups {
		var totalSize int64
		for _, f := range files {
			totalSize += f.File.ByteSize
		}
		sizeThreshold := int64(cfg.BatchCompressSizeMB) * 1024 * 1024
		if len(files) < cfg.BatchCompressFileCount && (sizeThreshold <= 0 || totalSize < sizeThreshold) {
			remaining = append(remaining, files...)
			continue
		}

		archive, err := a.compressGroup(cfg, captureID, files)
		if err != nil {
			a.logger.Error("cleanup: compress group failed", "capture_id", captureID, "err", err)
			capturedFiles := make([]tasktable.CapturedFile, len(files))
			for i, f := range files {
				capturedFiles[i] = f.File
			}
			_ = a.b.Send(a.self, a.managerDest, messages.CleanCompressFailed{
				CaptureID: captureID,
				Code:      captureerr.CleanCompressFailed,
				Message:   err.Error(),
				Files:     capturedFiles,
			})
			remaining = append(remaining, files...)
			continue
		}

		compressedFiles := make([]tasktable.CapturedFile, len(files))
		for i, f := range files {
			cf := f.File
			cf.Compressed = true
			cf.ArchivePath = archive.ArchivePath
			cf.CompressedAt = archive.CompressedAt
			compressedFiles[i] = cf
		}
		_ = a.b.Send(a.self, a.managerDest, messages.CleanCompressDone{
			CaptureID: captureID,
			Archive:   archive,
			Files:     compressedFiles,
		})

		if cfg.ArchiveRemoveSource {
			for _, f := range files {
				if err := os.Remove(f.File.FilePath); err != nil && !os.IsNotExist(err) {
					a.logger.Warn("cleanup: remove source failed", "path", f.File.FilePath, "err", err)
				}
			}
		}
	}
	a.pending = remaining
	metrics.CleanupPendingFiles.Set(float64(len(a.pending)))
}

// compressGroup builds one tar.gz archive for a capture's pending files
// (spec.md §4.7: "batch_<timestamp>_<capture_id>.tar.gz").
func (a *Actor) compressGroup(cfg *config.Snapshot, captureID int64, files []pendingFile) (tasktable.Archive, error) {
	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		return tasktable.Archive{}, fmt.Errorf("mkdir archive dir: %w", err)
	}

	now := time.Now()
	archiveName := fmt.Sprintf("batch_%s_%d.tar.gz", now.Format("20060102150405"), captureID)
	archivePath := filepath.Join(cfg.ArchiveDir, archiveName)

	out, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return tasktable.Archive{}, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	var names []string
	for _, f := range files {
		if err := addFileToTar(tw, f.File.FilePath); err != nil {
			tw.Close()
			gz.Close()
			return tasktable.Archive{}, err
		}
		names = append(names, f.File.FilePath)
	}
	if err := tw.Close(); err != nil {
		return tasktable.Archive{}, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return tasktable.Archive{}, fmt.Errorf("close gzip: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return tasktable.Archive{}, fmt.Errorf("stat archive: %w", err)
	}

	metrics.ArchivesCreatedTotal.Inc()
	return tasktable.Archive{
		ArchivePath:  archivePath,
		ByteSize:     info.Size(),
		CompressedAt: now,
		Files:        names,
	}, nil
}

func addFileToTar(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header %s: %w", path, err)
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header write %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("tar copy %s: %w", path, err)
	}
	return nil
}

// prunePdefScratch removes files in the PDEF scratch directory older than
// the configured TTL (spec.md §4.7 "PDEF scratch cleanup").
func (a *Actor) prunePdefScratch(cfg *config.Snapshot) {
	if cfg.TempPdefDir == "" {
		return
	}
	ttl := time.Duration(cfg.TempPdefTTLHrs) * time.Hour
	if ttl <= 0 {
		return
	}
	entries, err := os.ReadDir(cfg.TempPdefDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-ttl)
	var removeErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(cfg.TempPdefDir, e.Name())); err != nil && !os.IsNotExist(err) {
				removeErr = multierr.Append(removeErr, err)
			}
		}
	}
	if removeErr != nil {
		a.logger.Warn("cleanup: pdef scratch prune had errors", "dir", cfg.TempPdefDir, "err", removeErr)
	}
}

// pruneArchives deletes expired archives and, if a total-size cap is set,
// deletes oldest-first until under the cap (spec.md §4.7 "Archive retention").
func (a *Actor) pruneArchives(cfg *config.Snapshot) {
	if cfg.ArchiveDir == "" {
		return
	}
	entries, err := os.ReadDir(cfg.ArchiveDir)
	if err != nil {
		return
	}

	type archiveEntry struct {
		path    string
		size    int64
		modTime time.Time
	}
	var archives []archiveEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archiveEntry{
			path:    filepath.Join(cfg.ArchiveDir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}

	var removeErr error

	if cfg.ArchiveKeepDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.ArchiveKeepDays)
		var kept []archiveEntry
		for _, a2 := range archives {
			if a2.modTime.Before(cutoff) {
				if err := os.Remove(a2.path); err != nil && !os.IsNotExist(err) {
					removeErr = multierr.Append(removeErr, err)
				}
				continue
			}
			kept = append(kept, a2)
		}
		archives = kept
	}

	maxBytes := int64(cfg.ArchiveMaxTotalSizeMB) * 1024 * 1024
	if maxBytes > 0 {
		var total int64
		for _, a2 := range archives {
			total += a2.size
		}
		if total > maxBytes {
			sort.Slice(archives, func(i, j int) bool { return archives[i].modTime.Before(archives[j].modTime) })
			for _, a2 := range archives {
				if total <= maxBytes {
					break
				}
				if err := os.Remove(a2.path); err != nil {
					removeErr = multierr.Append(removeErr, err)
					continue
				}
				total -= a2.size
			}
		}
	}

	if removeErr != nil {
		a.logger.Warn("cleanup: archive prune had errors", "dir", cfg.ArchiveDir, "err", removeErr)
	}
}

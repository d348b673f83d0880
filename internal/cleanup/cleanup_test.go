package cleanup

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/capture-agent/internal/config"
	"icc.tech/capture-agent/internal/tasktable"
)

func TestCompressGroupProducesReadableArchive(t *testing.T) {
	archiveDir := t.TempDir()
	srcDir := t.TempDir()

	srcPath := filepath.Join(srcDir, "eth0_1.pcap")
	require.NoError(t, os.WriteFile(srcPath, []byte("pcap bytes"), 0o644))

	a := &Actor{logger: slog.Default()}
	cfg := &config.Snapshot{ArchiveDir: archiveDir}
	files := []pendingFile{{CaptureID: 1001, File: tasktable.CapturedFile{FilePath: srcPath, ByteSize: 10}}}

	archive, err := a.compressGroup(cfg, 1001, files)
	require.NoError(t, err)
	assert.NotZero(t, archive.ByteSize)
	_, statErr := os.Stat(archive.ArchivePath)
	assert.NoError(t, statErr)
	require.Len(t, archive.Files, 1)
	assert.Equal(t, srcPath, archive.Files[0])
}

func TestPrunePdefScratchRemovesExpiredOnly(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.pdef")
	freshPath := filepath.Join(dir, "fresh.pdef")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(freshPath, []byte("x"), 0o644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, old, old))

	a := &Actor{logger: slog.Default()}
	a.prunePdefScratch(&config.Snapshot{TempPdefDir: dir, TempPdefTTLHrs: 24})

	_, err := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err), "expected expired scratch file to be removed")
	_, err = os.Stat(freshPath)
	assert.NoError(t, err, "expected fresh scratch file to survive")
}

package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs_ReadsStdinWritesStdout(t *testing.T) {
	args := BuildArgs()
	require.Contains(t, args, "pipe:0")
	require.Contains(t, args, "pipe:1")
	require.Contains(t, args, "mjpeg")
}

func TestWriter_SaveFailsCleanlyWithoutEncoder(t *testing.T) {
	dir := t.TempDir()
	w, err := New("/nonexistent-encoder-binary", dir, zerolog.Nop(), nil)
	require.NoError(t, err)

	err = w.Save(context.Background(), "CAM1", []byte("fake-init-and-fragment"))
	require.Error(t, err)

	_, statErr := os.Stat(w.SnapshotPath("CAM1"))
	require.True(t, os.IsNotExist(statErr))
	require.Empty(t, w.Entries())
}

func TestWriter_PruneOrphansRemovesUnknownSerials(t *testing.T) {
	dir := t.TempDir()
	w, err := New("/bin/true", dir, zerolog.Nop(), nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshots", "CAM1.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshots", "CAM2.jpg"), []byte("x"), 0o644))
	require.NoError(t, w.recordSidecar("CAM2", Entry{Hash: "deadbeef"}))

	w.PruneOrphans(map[string]bool{"CAM1": true})

	_, err = os.Stat(filepath.Join(dir, "snapshots", "CAM1.jpg"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "snapshots", "CAM2.jpg"))
	require.True(t, os.IsNotExist(err))
	require.NotContains(t, w.Entries(), "CAM2")
}

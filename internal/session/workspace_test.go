package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyTreeRecursive(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("world"), 0o644))

	dst := filepath.Join(t.TempDir(), "snapshot")
	require.NoError(t, copyTree(src, dst))

	got, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(dst, "nested", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestCopyTreeMissingSourceIsNotError(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, copyTree(filepath.Join(t.TempDir(), "missing"), dst))
}

func TestWriteAndReadSnapshotMetadata(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeSnapshotMetadata(dir, "sess-1", "my-agent", 3))

	meta, err := readSnapshotMetadata(dir)
	require.NoError(t, err)
	require.Equal(t, "sess-1", meta.SessionID)
	require.Equal(t, "my-agent", meta.AgentName)
	require.EqualValues(t, 3, meta.AgentVersion)
}

func TestReadSnapshotMetadataMissing(t *testing.T) {
	_, err := readSnapshotMetadata(t.TempDir())
	require.Error(t, err, "expected error reading metadata from a dir with no snapshot")
}

func TestRestoreSnapshotSeedsWorkspace(t *testing.T) {
	snapshot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(snapshot, "state.json"), []byte("{}"), 0o644))
	workspace := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, restoreSnapshot(snapshot, workspace))
	_, err := os.Stat(filepath.Join(workspace, "state.json"))
	require.NoError(t, err, "expected state.json restored into workspace")
}

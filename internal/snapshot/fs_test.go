package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileSystemProviderSave(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, err := NewFileSystemProvider(dir, 0, zap.NewNop())
	require.NoError(t, err)

	path, err := p.Save(context.Background(), "20240408T090000_南京市_1.html", []byte("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "20240408T090000_南京市_1.html"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(data))
}

func TestFileSystemProviderCreatesRoot(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "snapshots")
	_, err := NewFileSystemProvider(dir, 0, zap.NewNop())
	require.NoError(t, err)
	require.DirExists(t, dir)
}

func TestFileSystemProviderRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	p, err := NewFileSystemProvider(t.TempDir(), 0, zap.NewNop())
	require.NoError(t, err)

	_, err = p.Save(context.Background(), "x.html", nil)
	require.Error(t, err)
}

func TestFileSystemProviderEnforcesMaxBytes(t *testing.T) {
	t.Parallel()

	p, err := NewFileSystemProvider(t.TempDir(), 4, zap.NewNop())
	require.NoError(t, err)

	_, err = p.Save(context.Background(), "x.html", []byte("too large"))
	require.Error(t, err)
}

func TestFileSystemProviderStripsPathTraversal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, err := NewFileSystemProvider(dir, 0, zap.NewNop())
	require.NoError(t, err)

	path, err := p.Save(context.Background(), "../../evil.html", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "evil.html"), path)
}

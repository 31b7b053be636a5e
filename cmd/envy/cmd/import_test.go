package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchivesInDir_FiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tar.zst"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.tar.zst"), 0o755))

	files, err := archivesInDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, filepath.Join(dir, "a.tar.zst"), files[0])
}

func TestArchivesInDir_MissingDirErrors(t *testing.T) {
	_, err := archivesInDir(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

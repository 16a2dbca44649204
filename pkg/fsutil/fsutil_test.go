package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkOrder(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b", "inner"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "inner", "c.txt"), []byte("y"), 0644))

	entries, err := Walk(root)
	require.NoError(t, err)

	var subs []string
	for _, e := range entries {
		subs = append(subs, e.SubPath)
	}
	assert.Equal(t, []string{"a.txt", "b", "b/inner", "b/inner/c.txt"}, subs)

	assert.Equal(t, KindFile, entries[0].Kind)
	assert.Equal(t, KindDirectory, entries[1].Kind)
}

func TestWalkSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privilege on windows")
	}
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "target"), []byte("x"), 0644))
	require.NoError(t, os.Symlink("target", filepath.Join(root, "link")))

	entries, err := Walk(root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindSymlink, entries[0].Kind) // "link" < "target"
}

func TestWalkMissingRoot(t *testing.T) {
	_, err := Walk(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestJoinPathMixedSeparators(t *testing.T) {
	got := JoinPath("a\\b", "c/d")
	want := filepath.Join("a", "b", "c", "d")
	assert.Equal(t, want, got)
}

func TestMkdirAllIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "x", "y")
	require.NoError(t, MkdirAll(dir, 0755))
	require.NoError(t, MkdirAll(dir, 0755))
}

func TestMkdirAllOccupied(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	err := MkdirAll(file, 0755)
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestWriteTextFileReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, WriteTextFile(path, "first", 0644))
	require.NoError(t, WriteTextFile(path, "second", 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestCopyFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0640))

	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestCopyFileMissingSource(t *testing.T) {
	root := t.TempDir()
	err := CopyFile(filepath.Join(root, "missing"), filepath.Join(root, "dst"))
	assert.True(t, errdefs.IsNotFound(err))
}

package hcs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChain(t *testing.T, folder string, chain []string) {
	t.Helper()
	data, err := json.Marshal(chain)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(folder, layerChainFile), data, 0644))
}

func TestReadLayerChainAbsolute(t *testing.T) {
	folder := t.TempDir()
	parent := t.TempDir()
	writeChain(t, folder, []string{parent})

	chain, err := ReadLayerChain(folder)
	require.NoError(t, err)
	assert.Equal(t, []string{parent}, chain)
}

func TestReadLayerChainResolvesRelative(t *testing.T) {
	folder := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(folder, "parents", "base-layer"), 0755))
	writeChain(t, folder, []string{"base-layer"})

	chain, err := ReadLayerChain(folder)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, filepath.Join(folder, "parents", "base-layer"), chain[0])

	// Resolution rewrote the file in place.
	data, err := os.ReadFile(filepath.Join(folder, layerChainFile))
	require.NoError(t, err)
	var rewritten []string
	require.NoError(t, json.Unmarshal(data, &rewritten))
	assert.Equal(t, chain, rewritten)
}

func TestReadLayerChainResolvesMissingAbsolute(t *testing.T) {
	folder := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(folder, "gone-layer"), 0755))
	// Absolute entry pointing at a folder that no longer exists, but
	// whose base name is present beside the chain file.
	writeChain(t, folder, []string{filepath.Join(string(filepath.Separator), "old", "path", "gone-layer")})

	chain, err := ReadLayerChain(folder)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, filepath.Join(folder, "gone-layer"), chain[0])
}

func TestReadLayerChainUnchangedNotRewritten(t *testing.T) {
	folder := t.TempDir()
	parent := t.TempDir()
	writeChain(t, folder, []string{parent})

	before, err := os.Stat(filepath.Join(folder, layerChainFile))
	require.NoError(t, err)

	_, err = ReadLayerChain(folder)
	require.NoError(t, err)

	after, err := os.Stat(filepath.Join(folder, layerChainFile))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestReadLayerChainMissing(t *testing.T) {
	_, err := ReadLayerChain(t.TempDir())
	assert.True(t, errdefs.IsNotFound(err))
}

func TestReadLayerChainMalformed(t *testing.T) {
	folder := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(folder, layerChainFile), []byte("{"), 0644))
	_, err := ReadLayerChain(folder)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestReadLayerChainUnresolvable(t *testing.T) {
	folder := t.TempDir()
	writeChain(t, folder, []string{"never-existed"})
	_, err := ReadLayerChain(folder)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestValidateUtilityVMVhdx(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "UtilityVM.vhdx"), []byte("vhdx"), 0644))
	assert.NoError(t, ValidateUtilityVM(base))
}

func TestValidateUtilityVMFiles(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "UtilityVM", "Files"), 0755))
	assert.NoError(t, ValidateUtilityVM(base))
}

func TestValidateUtilityVMAbsent(t *testing.T) {
	err := ValidateUtilityVM(t.TempDir())
	assert.True(t, errdefs.IsNotFound(err))
}

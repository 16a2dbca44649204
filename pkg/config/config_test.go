package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.ArtifactURL)
	assert.Zero(t, cfg.CPUPercent)
}

func TestLoadParsesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "containerv.yaml")
	body := `
artifact_url: https://artifacts.example
authority_url: https://login.example/tenant
client_id: cid-123
bridge: cvbr0
dns: "1.1.1.1;8.8.8.8"
memory_max: 2g
cpu_percent: 50
max_processes: 256
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://artifacts.example", cfg.ArtifactURL)
	assert.Equal(t, "cid-123", cfg.ClientID)
	assert.Equal(t, "cvbr0", cfg.Bridge)
	assert.Equal(t, 50, cfg.CPUPercent)
	assert.Equal(t, 256, cfg.MaxProcesses)

	bytes, err := cfg.MemoryMaxBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2*1024*1024*1024), bytes)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{nope"), 0644))
	_, err := Load(path)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestMemoryMaxBytes(t *testing.T) {
	cfg := &Config{}
	bytes, err := cfg.MemoryMaxBytes()
	require.NoError(t, err)
	assert.Zero(t, bytes)

	cfg.MemoryMax = "not-a-size"
	_, err = cfg.MemoryMaxBytes()
	assert.True(t, errdefs.IsInvalidArgument(err))
}

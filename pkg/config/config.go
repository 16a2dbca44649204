package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// DefaultFileName locates the client configuration under the user's
// settings directory.
const DefaultFileName = "containerv.yaml"

// Config is the client configuration for the containerv CLIs.
type Config struct {
	// ArtifactURL is the artifact service API base
	ArtifactURL string `yaml:"artifact_url"`

	// AuthorityURL is the OAuth2 authority used by the device-code flow
	AuthorityURL string `yaml:"authority_url"`

	// ClientID is the OAuth2 application id
	ClientID string `yaml:"client_id"`

	// PrivateKeyPath is the PEM key used by the public-key flow
	PrivateKeyPath string `yaml:"private_key_path"`

	// Bridge is the Linux host bridge containers join
	Bridge string `yaml:"bridge"`

	// CgroupRoot overrides the cgroup v2 mount point
	CgroupRoot string `yaml:"cgroup_root"`

	// UVMImage is the utility VM image path for LCOW
	UVMImage string `yaml:"uvm_image"`

	// DNS is the separator-delimited nameserver list given to
	// containers
	DNS string `yaml:"dns"`

	// MemoryMax caps container memory, accepting human sizes such as
	// "2g"
	MemoryMax string `yaml:"memory_max"`

	// CPUPercent caps container CPU as a percentage of one period
	CPUPercent int `yaml:"cpu_percent"`

	// MaxProcesses caps the container process count
	MaxProcesses int `yaml:"max_processes"`
}

// DefaultPath returns $HOME/.chef/containerv.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %v: %w", err, errdefs.ErrUnavailable)
	}
	return filepath.Join(home, ".chef", DefaultFileName), nil
}

// Load reads the configuration at path; a missing file yields the
// zero configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %v: %w", path, err, errdefs.ErrUnavailable)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s malformed: %v: %w", path, err, errdefs.ErrInvalidArgument)
	}
	return cfg, nil
}

// MemoryMaxBytes parses the configured memory cap; empty means
// unlimited.
func (c *Config) MemoryMaxBytes() (int64, error) {
	if c.MemoryMax == "" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(c.MemoryMax)
	if err != nil {
		return 0, fmt.Errorf("memory_max %q: %w", c.MemoryMax, errdefs.ErrInvalidArgument)
	}
	return bytes, nil
}

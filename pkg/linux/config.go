//go:build linux

package linux

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/types"
)

// InitConfig is handed to the re-executed init anchor over its stdin.
// It carries everything the child needs to finish container setup from
// inside the new namespaces.
type InitConfig struct {
	ID       string        `json:"id"`
	Hostname string        `json:"hostname"`
	Rootfs   string        `json:"rootfs"`
	Mounts   []types.Mount `json:"mounts,omitempty"`
	Tmpfs    []types.Layer `json:"tmpfs,omitempty"`
	Policy   types.Policy  `json:"policy"`
}

// WriteInitConfig serialises the config as a single line for the
// child's stdin.
func WriteInitConfig(w io.Writer, cfg InitConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode init config: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	_, err = w.Write(append(payload, '\n'))
	return err
}

// ReadInitConfig decodes the config from the child's stdin.
func ReadInitConfig(r io.Reader) (InitConfig, error) {
	var cfg InitConfig
	dec := json.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode init config: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	if cfg.Rootfs == "" {
		return cfg, fmt.Errorf("init config has no rootfs: %w", errdefs.ErrInvalidArgument)
	}
	return cfg, nil
}

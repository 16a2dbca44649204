//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/types"
)

// DefaultCgroupRoot is the cgroup v2 mount point.
const DefaultCgroupRoot = "/sys/fs/cgroup"

// cpuPeriodUsec is the scheduling period cpu.max limits are derived
// from.
const cpuPeriodUsec = 100000

// Cgroup is a cgroup v2 subtree owned by one container.
type Cgroup struct {
	path string
}

// NewCgroup creates <root>/containerv/<id> and returns it. An existing
// subtree is reused.
func NewCgroup(root, id string) (*Cgroup, error) {
	if root == "" {
		root = DefaultCgroupRoot
	}
	path := filepath.Join(root, "containerv", id)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %v: %w", path, err, errdefs.ErrUnavailable)
	}
	return &Cgroup{path: path}, nil
}

// Path returns the filesystem path of the subtree.
func (c *Cgroup) Path() string {
	return c.path
}

// FormatCPUMax renders the cpu.max value for a percentage of one CPU
// period.
func FormatCPUMax(cpuPercent int) string {
	quota := int64(cpuPercent) * cpuPeriodUsec / 100
	return fmt.Sprintf("%d %d", quota, cpuPeriodUsec)
}

// Apply writes the container's resource caps into the subtree.
func (c *Cgroup) Apply(limits types.Limits) error {
	if limits.MemoryMaxBytes > 0 {
		if err := c.write("memory.max", strconv.FormatInt(limits.MemoryMaxBytes, 10)); err != nil {
			return err
		}
	}
	if limits.CPUPercent > 0 {
		if err := c.write("cpu.max", FormatCPUMax(limits.CPUPercent)); err != nil {
			return err
		}
	}
	if limits.MaxProcesses > 0 {
		if err := c.write("pids.max", strconv.Itoa(limits.MaxProcesses)); err != nil {
			return err
		}
	}
	return nil
}

// AddProcess moves a pid into the subtree.
func (c *Cgroup) AddProcess(pid int) error {
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// KillAll terminates every process in the subtree through cgroup.kill.
func (c *Cgroup) KillAll() error {
	return c.write("cgroup.kill", "1")
}

// Destroy removes the subtree. The subtree must be empty; callers
// KillAll first.
func (c *Cgroup) Destroy() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup %s: %v: %w", c.path, err, errdefs.ErrUnavailable)
	}
	return nil
}

func (c *Cgroup) write(file, value string) error {
	path := filepath.Join(c.path, file)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("write %s: %w", path, errdefs.ErrPermissionDenied)
		}
		return fmt.Errorf("write %s: %v: %w", path, err, errdefs.ErrUnavailable)
	}
	return nil
}

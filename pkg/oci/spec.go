package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/chefbuild/containerv/pkg/types"
)

const (
	// SpecVersion is the runtime-spec revision emitted in every config
	SpecVersion = "1.0.2"

	// defaultPath is prepended to the environment when the caller
	// supplies no PATH of its own
	defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// BuildParams carries everything the spec builder needs to emit a
// config document.
type BuildParams struct {
	// ArgsJSON is the process argv encoded as a JSON array string.
	// Empty emits an empty args list.
	ArgsJSON string

	// Env is the ordered KEY=VALUE environment
	Env []string

	// RootPath is the rootfs path as seen by the runtime; required
	RootPath string

	// Cwd defaults to "/"
	Cwd string

	Hostname string

	// Mounts are additional bind mounts appended after the standard
	// mount table
	Mounts []types.Mount

	// DNSServers is carried for the bundle writer; it does not appear
	// in the emitted document
	DNSServers []string

	// UserNamespace adds a user namespace to the default five
	UserNamespace bool
}

// standardMount describes one row of the fixed mount table.
type standardMount struct {
	destination string
	fsType      string
	source      string
	options     []string
}

var standardMounts = []standardMount{
	{"/proc", "proc", "proc", []string{"nosuid", "noexec", "nodev"}},
	{"/sys", "sysfs", "sysfs", []string{"nosuid", "noexec", "nodev", "ro"}},
	{"/sys/fs/cgroup", "cgroup", "cgroup", []string{"nosuid", "noexec", "nodev", "relatime"}},
	{"/dev", "tmpfs", "tmpfs", []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
	{"/dev/pts", "devpts", "devpts", []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620", "gid=5"}},
	{"/dev/shm", "tmpfs", "shm", []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
	{"/dev/mqueue", "mqueue", "mqueue", []string{"nosuid", "noexec", "nodev"}},
}

// standardDevice describes one row of the fixed device table.
type standardDevice struct {
	path  string
	major int64
	minor int64
}

var standardDevices = []standardDevice{
	{"/dev/null", 1, 3},
	{"/dev/zero", 1, 5},
	{"/dev/full", 1, 7},
	{"/dev/random", 1, 8},
	{"/dev/urandom", 1, 9},
	{"/dev/tty", 5, 0},
}

var maskedPaths = []string{
	"/proc/kcore",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
}

var readonlyPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// hasPathVar reports whether env contains a PATH entry, matching the
// key case-insensitively.
func hasPathVar(env []string) bool {
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if ok && strings.EqualFold(key, "PATH") {
			return true
		}
	}
	return false
}

// buildEnv prepends the default PATH when the caller's environment has
// none, then carries the caller's entries verbatim in order.
func buildEnv(env []string) []string {
	out := make([]string, 0, len(env)+1)
	if !hasPathVar(env) {
		out = append(out, defaultPath)
	}
	return append(out, env...)
}

// parseArgs decodes the argv JSON array; empty input yields an empty
// argv.
func parseArgs(argsJSON string) ([]string, error) {
	if strings.TrimSpace(argsJSON) == "" {
		return []string{}, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("args is not a JSON array: %w", errdefs.ErrInvalidArgument)
	}
	return args, nil
}

func uint32Ptr(v uint32) *uint32             { return &v }
func fileModePtr(v os.FileMode) *os.FileMode { return &v }

// BuildSpec assembles the runtime-spec document for params.
func BuildSpec(params BuildParams) (*specs.Spec, error) {
	if params.RootPath == "" {
		return nil, fmt.Errorf("root path is required: %w", errdefs.ErrInvalidArgument)
	}

	args, err := parseArgs(params.ArgsJSON)
	if err != nil {
		return nil, err
	}

	cwd := params.Cwd
	if cwd == "" {
		cwd = "/"
	}

	mounts := make([]specs.Mount, 0, len(standardMounts)+len(params.Mounts))
	for _, m := range standardMounts {
		mounts = append(mounts, specs.Mount{
			Destination: m.destination,
			Type:        m.fsType,
			Source:      m.source,
			Options:     append([]string(nil), m.options...),
		})
	}
	for _, m := range params.Mounts {
		if m.Source == "" || m.Destination == "" {
			continue
		}
		access := "rw"
		if m.ReadOnly {
			access = "ro"
		}
		mounts = append(mounts, specs.Mount{
			Destination: m.Destination,
			Type:        "bind",
			Source:      m.Source,
			Options:     []string{"rbind", "rprivate", access},
		})
	}

	namespaces := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.NetworkNamespace},
	}
	if params.UserNamespace {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.UserNamespace})
	}

	devices := make([]specs.LinuxDevice, 0, len(standardDevices))
	allowed := make([]specs.LinuxDeviceCgroup, 0, len(standardDevices))
	for _, d := range standardDevices {
		major, minor := d.major, d.minor
		devices = append(devices, specs.LinuxDevice{
			Path:     d.path,
			Type:     "c",
			Major:    major,
			Minor:    minor,
			FileMode: fileModePtr(0666),
			UID:      uint32Ptr(0),
			GID:      uint32Ptr(0),
		})
		allowed = append(allowed, specs.LinuxDeviceCgroup{
			Allow:  true,
			Type:   "c",
			Major:  &major,
			Minor:  &minor,
			Access: "rwm",
		})
	}

	spec := &specs.Spec{
		Version: SpecVersion,
		Process: &specs.Process{
			Terminal: false,
			User:     specs.User{UID: 0, GID: 0},
			Args:     args,
			Env:      buildEnv(params.Env),
			Cwd:      cwd,
		},
		Root: &specs.Root{
			Path:     params.RootPath,
			Readonly: false,
		},
		Hostname: params.Hostname,
		Mounts:   mounts,
		Annotations: map[string]string{
			"com.chef.lcow":   "true",
			"com.chef.gcs":    "true",
			"com.chef.rootfs": params.RootPath,
		},
		Linux: &specs.Linux{
			Namespaces: namespaces,
			Devices:    devices,
			Resources: &specs.LinuxResources{
				Devices: allowed,
			},
			MaskedPaths:   append([]string(nil), maskedPaths...),
			ReadonlyPaths: append([]string(nil), readonlyPaths...),
		},
	}
	return spec, nil
}

// BuildSpecJSON emits the runtime-spec document as compact JSON.
func BuildSpecJSON(params BuildParams) (string, error) {
	spec, err := BuildSpec(params)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode spec: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return string(data), nil
}

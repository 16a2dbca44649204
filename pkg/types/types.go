package types

import "time"

// ContainerState represents the lifecycle state of a container
type ContainerState string

const (
	ContainerStateCreated    ContainerState = "created"
	ContainerStateRunning    ContainerState = "running"
	ContainerStateDestroying ContainerState = "destroying"
	ContainerStateDestroyed  ContainerState = "destroyed"
)

// Backend selects how a container is realized on the host
type Backend string

const (
	// BackendLinux uses namespaces and cgroup v2 on a Linux host
	BackendLinux Backend = "linux"

	// BackendWCOW runs a Windows container through the host compute service
	BackendWCOW Backend = "wcow"

	// BackendLCOW runs a Linux container inside a utility VM through the
	// host compute service
	BackendLCOW Backend = "lcow"
)

// LayerKind identifies a layer variant
type LayerKind string

const (
	// LayerHostDir bind-mounts a host directory into the rootfs
	LayerHostDir LayerKind = "host-dir"

	// LayerArchive expands an archive into a scratch directory and
	// bind-mounts the expansion
	LayerArchive LayerKind = "archive"

	// LayerTmpfs mounts a tmpfs at the destination
	LayerTmpfs LayerKind = "tmpfs"
)

// Layer is one contribution to a container's root filesystem. Exactly
// the fields for its Kind are meaningful.
type Layer struct {
	Kind LayerKind

	// Source is the host directory (host-dir) or archive path (archive)
	Source string

	// Destination is the mount path inside the rootfs
	Destination string

	ReadOnly bool

	// SizeBytes and Mode apply to tmpfs layers
	SizeBytes int64
	Mode      uint32
}

// Limits holds the resource caps applied to a container
type Limits struct {
	// MemoryMaxBytes caps resident memory; 0 means unlimited
	MemoryMaxBytes int64

	// CPUPercent caps CPU usage as a percentage of one CPU period,
	// 1-100; 0 means unlimited
	CPUPercent int

	// MaxProcesses caps the process count; 0 means unlimited
	MaxProcesses int
}

// Policy is the security policy bound to a container
type Policy struct {
	// Capabilities lists Linux capability names retained by the
	// container process; empty drops to the runtime default set
	Capabilities []string

	// UserNamespace adds a user namespace on Linux
	UserNamespace bool

	// IntegrityLevel is the Windows mandatory integrity level label
	IntegrityLevel string

	// AppContainer places the Windows process in an app container
	AppContainer bool

	// SIDs lists additional Windows security identifiers
	SIDs []string

	NoNewPrivileges bool
}

// Mount is a custom bind mount requested for a container
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// TokenContext is a persisted authentication token set
type TokenContext struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

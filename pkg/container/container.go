package container

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/fsutil"
	"github.com/chefbuild/containerv/pkg/log"
	"github.com/chefbuild/containerv/pkg/metrics"
	"github.com/chefbuild/containerv/pkg/supervisor"
	"github.com/chefbuild/containerv/pkg/types"
)

// Options parameterise Create.
type Options struct {
	// Backend defaults to the platform's native choice
	Backend types.Backend

	// Layers declare the rootfs stack, base first
	Layers []types.Layer

	// Mounts are extra bind mounts into the container
	Mounts []types.Mount

	// Hostname defaults to the container id
	Hostname string

	// DNS is a separator-delimited nameserver list
	DNS string

	Limits types.Limits
	Policy types.Policy

	// EnableNetwork attaches the container to the bridge (Linux) or
	// the named HNS network (Windows)
	EnableNetwork bool
	Bridge        string
	NetworkName   string
	CgroupRoot    string

	// LayerFolder is the windowsfilter folder of a WCOW container
	LayerFolder string

	// HyperV requests VM isolation for WCOW
	HyperV bool

	// UVMImage is the utility VM image path for LCOW
	UVMImage string

	// RootfsSource seeds the LCOW bundle rootfs; may be empty
	RootfsSource string

	// AgentPath is the guest path of the supervisor agent for
	// VM-backed containers
	AgentPath string
}

// Container is one isolated execution environment.
type Container struct {
	mu sync.Mutex

	id         string
	runtimeDir string
	stagingDir string
	hostname   string
	state      types.ContainerState

	guestIsWindows bool

	opts Options

	sup    *supervisor.Supervisor
	ticket *supervisor.Ticket

	backend platformBackend

	procs []Process
}

// liveIDs guarantees id uniqueness within the process lifetime.
var (
	liveIDsMu sync.Mutex
	liveIDs   = map[string]bool{}
)

// newID draws a random 12-character lowercase hex identifier.
func newID() (string, error) {
	for attempt := 0; attempt < 16; attempt++ {
		var raw [6]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return "", fmt.Errorf("generate id: %v: %w", err, errdefs.ErrUnavailable)
		}
		id := hex.EncodeToString(raw[:])

		liveIDsMu.Lock()
		taken := liveIDs[id]
		if !taken {
			liveIDs[id] = true
		}
		liveIDsMu.Unlock()
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("id space exhausted: %w", errdefs.ErrUnavailable)
}

func releaseID(id string) {
	liveIDsMu.Lock()
	delete(liveIDs, id)
	liveIDsMu.Unlock()
}

// ID returns the container identifier.
func (c *Container) ID() string { return c.id }

// RuntimeDir returns the container's private workspace.
func (c *Container) RuntimeDir() string { return c.runtimeDir }

// StagingDir returns the host side of the guest transfer area.
func (c *Container) StagingDir() string { return c.stagingDir }

// GuestIsWindows reports whether the guest runs Windows.
func (c *Container) GuestIsWindows() bool { return c.guestIsWindows }

// State returns the lifecycle state.
func (c *Container) State() types.ContainerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Create builds a container: private runtime dir, supervisor claim,
// and a realized platform backend. On any failure everything acquired
// so far is released.
func Create(ctx context.Context, opts Options) (*Container, error) {
	backend, err := newPlatformBackend(opts)
	if err != nil {
		return nil, err
	}
	return createWithBackend(ctx, opts, backend)
}

func createWithBackend(ctx context.Context, opts Options, backend platformBackend) (*Container, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}

	logger := log.WithContainerID(id)

	c := &Container{
		id:         id,
		runtimeDir: filepath.Join(os.TempDir(), "containerv-"+id),
		hostname:   opts.Hostname,
		opts:       opts,
		state:      types.ContainerStateCreated,
	}
	c.stagingDir = filepath.Join(c.runtimeDir, "staging")
	if c.hostname == "" {
		c.hostname = id
	}

	if err := fsutil.MkdirAll(c.stagingDir, 0755); err != nil {
		releaseID(id)
		return nil, err
	}

	sup, ticket, err := supervisor.Acquire()
	if err != nil {
		c.removeRuntimeDir()
		releaseID(id)
		return nil, err
	}
	c.sup = sup
	c.ticket = ticket

	c.backend = backend
	c.guestIsWindows = backend.GuestIsWindows()

	if err := backend.Realize(ctx, c); err != nil {
		logger.Error().Err(err).Msg("container create failed")
		backend.Teardown(ctx, c)
		sup.Release(ticket)
		c.removeRuntimeDir()
		releaseID(id)
		return nil, err
	}

	metrics.ContainersCreated.Inc()
	metrics.ContainersActive.Inc()
	logger.Info().Str("backend", string(backend.Kind())).Msg("container created")
	return c, nil
}

// Spawn starts a process in the container and returns an opaque
// handle. VM-backed containers route through the guest agent; native
// containers through the supervisor.
func (c *Container) Spawn(ctx context.Context, path string, args, env []string) (Process, error) {
	c.mu.Lock()
	if c.state != types.ContainerStateCreated && c.state != types.ContainerStateRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("container %s is %s: %w", c.id, c.state, errdefs.ErrFailedPrecondition)
	}
	c.mu.Unlock()

	p, err := c.backend.Spawn(ctx, c, path, args, env)
	if err != nil {
		log.WithContainerID(c.id).Error().Err(err).Str("path", path).Msg("spawn failed")
		return nil, err
	}

	c.mu.Lock()
	c.procs = append(c.procs, p)
	c.state = types.ContainerStateRunning
	c.mu.Unlock()
	return p, nil
}

// Wait blocks until the process exits and returns its exit code.
func (c *Container) Wait(p Process) (int32, error) {
	return p.Wait()
}

// Kill terminates the process.
func (c *Container) Kill(p Process) error {
	return p.Kill()
}

// Upload copies a host file into the guest.
func (c *Container) Upload(ctx context.Context, hostPath, guestPath string) error {
	return c.backend.Upload(ctx, c, hostPath, guestPath)
}

// Download copies a guest file onto the host.
func (c *Container) Download(ctx context.Context, guestPath, hostPath string) error {
	return c.backend.Download(ctx, c, guestPath, hostPath)
}

// Destroy tears the container down: every tracked process is
// terminated before the backend is released, and the runtime dir is
// removed last. Destroy is idempotent and never fails; secondary
// errors are recorded in the log only.
func (c *Container) Destroy(ctx context.Context) {
	c.mu.Lock()
	if c.state == types.ContainerStateDestroyed || c.state == types.ContainerStateDestroying {
		c.mu.Unlock()
		return
	}
	c.state = types.ContainerStateDestroying
	procs := c.procs
	c.procs = nil
	c.mu.Unlock()

	logger := log.WithContainerID(c.id)
	logger.Info().Msg("destroying container")

	for _, p := range procs {
		if err := p.Kill(); err != nil {
			logger.Debug().Err(err).Msg("process kill during destroy")
		}
	}

	if c.backend != nil {
		c.backend.Teardown(ctx, c)
	}
	if c.sup != nil {
		c.sup.Release(c.ticket)
	}
	c.removeRuntimeDir()
	releaseID(c.id)

	c.mu.Lock()
	c.state = types.ContainerStateDestroyed
	c.mu.Unlock()

	metrics.ContainersDestroyed.Inc()
	metrics.ContainersActive.Dec()
}

func (c *Container) removeRuntimeDir() {
	if err := fsutil.RemoveAll(c.runtimeDir); err != nil {
		log.WithContainerID(c.id).Debug().Err(err).Msg("runtime dir removal")
	}
}

//go:build linux

package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/fsutil"
	"github.com/chefbuild/containerv/pkg/layers"
	"github.com/chefbuild/containerv/pkg/linux"
	"github.com/chefbuild/containerv/pkg/supervisor"
	"github.com/chefbuild/containerv/pkg/types"
)

// linuxBackend realizes containers with namespaces and cgroup v2.
type linuxBackend struct {
	stack *layers.Stack
	state *linux.State
}

// newPlatformBackend selects the backend for this host. Only the
// native Linux backend exists here; HCS backends require a Windows
// build.
func newPlatformBackend(opts Options) (platformBackend, error) {
	switch opts.Backend {
	case "", types.BackendLinux:
		return &linuxBackend{}, nil
	default:
		return nil, fmt.Errorf("backend %s is not available on linux: %w", opts.Backend, errdefs.ErrInvalidArgument)
	}
}

func (b *linuxBackend) Kind() types.Backend  { return types.BackendLinux }
func (b *linuxBackend) GuestIsWindows() bool { return false }

func (b *linuxBackend) Realize(ctx context.Context, c *Container) error {
	if len(c.opts.Layers) == 0 {
		return fmt.Errorf("linux container needs at least one layer: %w", errdefs.ErrInvalidArgument)
	}

	b.stack = layers.NewStack(c.opts.Layers, filepath.Join(c.runtimeDir, "scratch"))

	mounts := append([]types.Mount(nil), c.opts.Mounts...)
	mounts = append(mounts, types.Mount{
		Source:      c.stagingDir,
		Destination: "/chef/staging",
	})
	if err := b.stack.Each(types.LayerHostDir, func(l types.Layer) error {
		if l.Destination == "" || l.Destination == "/" {
			return nil
		}
		mounts = append(mounts, types.Mount{
			Source:      l.Source,
			Destination: l.Destination,
			ReadOnly:    l.ReadOnly,
		})
		return nil
	}); err != nil {
		return err
	}

	state, err := linux.Realize(ctx, c.sup, linux.RealizeOptions{
		ID:            c.id,
		RuntimeDir:    c.runtimeDir,
		Hostname:      c.hostname,
		Stack:         b.stack,
		Mounts:        mounts,
		Limits:        c.opts.Limits,
		Policy:        c.opts.Policy,
		CgroupRoot:    c.opts.CgroupRoot,
		Bridge:        c.opts.Bridge,
		DNS:           c.opts.DNS,
		EnableNetwork: c.opts.EnableNetwork,
	})
	if err != nil {
		return err
	}
	b.state = state
	return nil
}

// Spawn enters the anchor's namespaces through a re-executed helper
// tracked by the supervisor.
func (b *linuxBackend) Spawn(ctx context.Context, c *Container, path string, args, env []string) (Process, error) {
	if b.state == nil || b.state.InitProc == nil {
		return nil, fmt.Errorf("container %s has no namespace anchor: %w", c.id, errdefs.ErrFailedPrecondition)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own binary: %v: %w", err, errdefs.ErrUnavailable)
	}

	argv := []string{"containerv", "nsenter", "--pid", strconv.Itoa(b.state.InitProc.Pid())}
	for _, kv := range env {
		argv = append(argv, "--env", kv)
	}
	argv = append(argv, "--", path)
	argv = append(argv, args...)

	proc, err := c.sup.Spawn(supervisor.Options{
		Path:           self,
		Argv:           argv,
		ForwardSignals: true,
		CgroupDir:      b.state.Cgroup.Path(),
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	return &nativeProc{sup: c.sup, proc: proc}, nil
}

// guestHostPath maps a guest path onto its host view through the
// merged rootfs, rejecting traversal outside it.
func (b *linuxBackend) guestHostPath(guestPath string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(guestPath, "/"))
	host := filepath.Join(b.state.Overlay.Merged, clean)
	if !strings.HasPrefix(host, filepath.Clean(b.state.Overlay.Merged)+string(os.PathSeparator)) {
		return "", fmt.Errorf("guest path %q escapes rootfs: %w", guestPath, errdefs.ErrInvalidArgument)
	}
	return host, nil
}

func (b *linuxBackend) Upload(ctx context.Context, c *Container, hostPath, guestPath string) error {
	dst, err := b.guestHostPath(guestPath)
	if err != nil {
		return err
	}
	if err := fsutil.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return fsutil.CopyFile(hostPath, dst)
}

func (b *linuxBackend) Download(ctx context.Context, c *Container, guestPath, hostPath string) error {
	src, err := b.guestHostPath(guestPath)
	if err != nil {
		return err
	}
	if err := fsutil.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
		return err
	}
	return fsutil.CopyFile(src, hostPath)
}

func (b *linuxBackend) Teardown(ctx context.Context, c *Container) {
	if b.state != nil {
		linux.Teardown(ctx, c.sup, b.state)
		b.state = nil
	}
}

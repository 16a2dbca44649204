//go:build linux

package linux

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"

	"github.com/chefbuild/containerv/pkg/layers"
	"github.com/chefbuild/containerv/pkg/log"
	"github.com/chefbuild/containerv/pkg/oci"
	"github.com/chefbuild/containerv/pkg/supervisor"
	"github.com/chefbuild/containerv/pkg/types"
)

// readyTimeout bounds how long Realize waits for the init anchor to
// finish in-namespace setup.
const readyTimeout = 30 * time.Second

// RealizeOptions carries what the Linux backend needs to stand a
// container up.
type RealizeOptions struct {
	ID         string
	RuntimeDir string
	Hostname   string
	Stack      *layers.Stack
	Mounts     []types.Mount
	Limits     types.Limits
	Policy     types.Policy
	CgroupRoot string
	Bridge     string

	// DNS is the separator-delimited nameserver list written into the
	// rootfs /etc files
	DNS string

	// EnableNetwork attaches a veth pair to the container
	EnableNetwork bool
}

// State is the realized Linux backend of a container.
type State struct {
	InitProc *supervisor.Proc
	Cgroup   *Cgroup
	Overlay  *Overlay
	Network  *Network
}

// Realize assembles the overlay, creates the cgroup, and launches the
// namespace anchor through the supervisor. The anchor finishes setup
// from inside the namespaces and reports readiness on its stdout.
func Realize(ctx context.Context, sup *supervisor.Supervisor, opts RealizeOptions) (*State, error) {
	logger := log.WithContainerID(opts.ID)

	overlay, err := MountOverlay(opts.Stack, opts.RuntimeDir)
	if err != nil {
		return nil, err
	}

	state := &State{Overlay: overlay}

	// The merged dir is the container's rootfs; seed its /etc files
	// before the anchor pivots into it.
	etcPaths := oci.Paths{RootfsDir: overlay.Merged}
	if err := oci.PrepareRootfsStandardFiles(etcPaths, opts.Hostname, opts.DNS); err != nil {
		teardownPartial(ctx, state)
		return nil, err
	}

	cgroup, err := NewCgroup(opts.CgroupRoot, opts.ID)
	if err != nil {
		teardownPartial(ctx, state)
		return nil, err
	}
	state.Cgroup = cgroup
	if err := cgroup.Apply(opts.Limits); err != nil {
		teardownPartial(ctx, state)
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		teardownPartial(ctx, state)
		return nil, fmt.Errorf("resolve own binary: %v: %w", err, errdefs.ErrUnavailable)
	}

	cloneflags := uintptr(unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWNET |
		unix.CLONE_NEWUTS | unix.CLONE_NEWIPC)
	if opts.Policy.UserNamespace {
		cloneflags |= unix.CLONE_NEWUSER
	}

	var cfgBuf bytes.Buffer
	err = WriteInitConfig(&cfgBuf, InitConfig{
		ID:       opts.ID,
		Hostname: opts.Hostname,
		Rootfs:   overlay.Merged,
		Mounts:   opts.Mounts,
		Tmpfs:    tmpfsLayers(opts.Stack),
		Policy:   opts.Policy,
	})
	if err != nil {
		teardownPartial(ctx, state)
		return nil, err
	}

	stdoutR, stdoutW := io.Pipe()
	proc, err := sup.Spawn(supervisor.Options{
		Path:           self,
		Argv:           []string{"containerv", "init"},
		ForwardSignals: true,
		CgroupDir:      cgroup.Path(),
		Cloneflags:     cloneflags,
		Stdin:          &cfgBuf,
		Stdout:         stdoutW,
		Stderr:         os.Stderr,
	})
	if err != nil {
		teardownPartial(ctx, state)
		return nil, err
	}
	state.InitProc = proc

	if err := awaitReady(stdoutR); err != nil {
		logger.Error().Err(err).Msg("init anchor failed")
		sup.Kill(proc)
		sup.Untrack(proc)
		state.InitProc = nil
		teardownPartial(ctx, state)
		return nil, err
	}

	if opts.EnableNetwork {
		network, err := AttachNetwork(ctx, opts.ID, proc.Pid(), opts.Bridge)
		if err != nil {
			logger.Error().Err(err).Msg("network attach failed")
			sup.Kill(proc)
			sup.Untrack(proc)
			state.InitProc = nil
			teardownPartial(ctx, state)
			return nil, err
		}
		state.Network = network
	}

	logger.Debug().Int("init_pid", proc.Pid()).Msg("linux backend realized")
	return state, nil
}

// tmpfsLayers extracts tmpfs entries through the stack's one-shot
// iterator.
func tmpfsLayers(stack *layers.Stack) []types.Layer {
	var out []types.Layer
	stack.Each(types.LayerTmpfs, func(l types.Layer) error {
		out = append(out, l)
		return nil
	})
	return out
}

// awaitReady waits for the anchor's "ready" line.
func awaitReady(r io.Reader) error {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		ch <- result{line, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("init anchor exited before ready: %v: %w", res.err, errdefs.ErrUnavailable)
		}
		if strings.TrimSpace(res.line) != "ready" {
			return fmt.Errorf("unexpected init output %q: %w", res.line, errdefs.ErrFailedPrecondition)
		}
		return nil
	case <-time.After(readyTimeout):
		return fmt.Errorf("init anchor setup: %w", context.DeadlineExceeded)
	}
}

// Teardown releases everything the backend holds. Every step is
// best-effort so a corrupt container can still be removed.
func Teardown(ctx context.Context, sup *supervisor.Supervisor, state *State) {
	if state == nil {
		return
	}
	logger := log.WithComponent("linux-backend")

	if state.Cgroup != nil {
		if err := state.Cgroup.KillAll(); err != nil {
			logger.Debug().Err(err).Msg("cgroup kill")
		}
	}
	if state.InitProc != nil {
		sup.Kill(state.InitProc)
		sup.Untrack(state.InitProc)
	}
	if state.Network != nil {
		state.Network.Detach(ctx)
	}
	teardownPartial(ctx, state)
}

func teardownPartial(ctx context.Context, state *State) {
	logger := log.WithComponent("linux-backend")
	if state.Overlay != nil {
		if err := state.Overlay.Unmount(); err != nil {
			logger.Debug().Err(err).Msg("overlay unmount")
		}
	}
	if state.Cgroup != nil {
		if err := state.Cgroup.Destroy(); err != nil {
			logger.Debug().Err(err).Msg("cgroup destroy")
		}
	}
}

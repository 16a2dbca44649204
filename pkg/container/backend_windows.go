//go:build windows

package container

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Microsoft/hcsshim"
	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/agent"
	"github.com/chefbuild/containerv/pkg/fsutil"
	"github.com/chefbuild/containerv/pkg/hcs"
	"github.com/chefbuild/containerv/pkg/log"
	"github.com/chefbuild/containerv/pkg/metrics"
	"github.com/chefbuild/containerv/pkg/oci"
	"github.com/chefbuild/containerv/pkg/types"
)

// defaultAgentPath is where the LCOW guest image carries the
// supervisor agent.
const defaultAgentPath = "/sbin/pid1d"

// guestStaging is the in-guest mount of the host staging directory.
const guestStaging = "/chef/staging"

// newPlatformBackend selects WCOW or LCOW; the native Linux backend
// requires a Linux build.
func newPlatformBackend(opts Options) (platformBackend, error) {
	api, err := hcs.ResolveComputeAPI()
	if err != nil {
		return nil, err
	}
	switch opts.Backend {
	case "", types.BackendWCOW:
		return &wcowBackend{api: api}, nil
	case types.BackendLCOW:
		return &lcowBackend{api: api}, nil
	default:
		return nil, fmt.Errorf("backend %s is not available on windows: %w", opts.Backend, errdefs.ErrInvalidArgument)
	}
}

// hcsProc wraps a compute-system process as an engine handle.
type hcsProc struct {
	process hcsshim.Process
}

func (p *hcsProc) Wait() (int32, error) {
	if err := p.process.Wait(); err != nil {
		return 0, fmt.Errorf("wait compute process: %v: %w", err, errdefs.ErrUnavailable)
	}
	code, err := p.process.ExitCode()
	if err != nil {
		return 0, fmt.Errorf("exit code: %v: %w", err, errdefs.ErrUnavailable)
	}
	p.process.Close()
	return int32(code), nil
}

func (p *hcsProc) Kill() error {
	if err := p.process.Kill(); err != nil {
		return fmt.Errorf("kill compute process: %v: %w", err, errdefs.ErrUnavailable)
	}
	return nil
}

// wcowBackend runs native Windows containers.
type wcowBackend struct {
	api    hcs.ComputeAPI
	system *hcs.System
}

func (b *wcowBackend) Kind() types.Backend  { return types.BackendWCOW }
func (b *wcowBackend) GuestIsWindows() bool { return true }

func (b *wcowBackend) Realize(ctx context.Context, c *Container) error {
	if c.opts.LayerFolder == "" {
		return fmt.Errorf("wcow container needs a layer folder: %w", errdefs.ErrInvalidArgument)
	}

	system, err := hcs.CreateWCOW(b.api, hcs.WCOWOptions{
		ID:          c.id,
		LayerFolder: c.opts.LayerFolder,
		HyperV:      c.opts.HyperV,
		Hostname:    c.hostname,
	})
	if err != nil {
		return err
	}
	b.system = system

	if c.opts.EnableNetwork && c.opts.NetworkName != "" {
		if err := system.AttachEndpoint(c.opts.NetworkName); err != nil {
			system.Teardown()
			b.system = nil
			return err
		}
	}
	return nil
}

func (b *wcowBackend) Spawn(ctx context.Context, c *Container, path string, args, env []string) (Process, error) {
	if b.system == nil {
		return nil, fmt.Errorf("container %s has no compute system: %w", c.id, errdefs.ErrFailedPrecondition)
	}

	envMap := make(map[string]string, len(env))
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if ok {
			envMap[key] = value
		}
	}

	commandLine := path
	if len(args) > 0 {
		commandLine += " " + strings.Join(args, " ")
	}

	process, err := b.system.Compute.CreateProcess(&hcsshim.ProcessConfig{
		CommandLine:      commandLine,
		Environment:      envMap,
		WorkingDirectory: `C:\`,
	})
	if err != nil {
		return nil, fmt.Errorf("create compute process: %v: %w", err, errdefs.ErrUnavailable)
	}
	metrics.ProcessesSpawned.WithLabelValues("hcs").Inc()
	return &hcsProc{process: process}, nil
}

func (b *wcowBackend) Upload(ctx context.Context, c *Container, hostPath, guestPath string) error {
	staged := filepath.Join(c.stagingDir, filepath.Base(guestPath))
	if err := fsutil.CopyFile(hostPath, staged); err != nil {
		return err
	}
	p, err := b.Spawn(ctx, c, "cmd", []string{"/c", "copy", `C:\chef\staging\` + filepath.Base(guestPath), guestPath}, nil)
	if err != nil {
		return err
	}
	code, err := p.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("guest copy exited %d: %w", code, errdefs.ErrUnavailable)
	}
	return nil
}

func (b *wcowBackend) Download(ctx context.Context, c *Container, guestPath, hostPath string) error {
	staged := filepath.Base(guestPath)
	p, err := b.Spawn(ctx, c, "cmd", []string{"/c", "copy", guestPath, `C:\chef\staging\` + staged}, nil)
	if err != nil {
		return err
	}
	code, err := p.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("guest copy exited %d: %w", code, errdefs.ErrUnavailable)
	}
	return fsutil.CopyFile(filepath.Join(c.stagingDir, staged), hostPath)
}

func (b *wcowBackend) Teardown(ctx context.Context, c *Container) {
	if b.system != nil {
		b.system.Teardown()
		b.system = nil
	}
}

// lcowBackend runs Linux containers inside a utility VM.
type lcowBackend struct {
	api    hcs.ComputeAPI
	system *hcs.System
	bundle oci.Paths

	session     *agent.Session
	sessionProc hcsshim.Process
}

func (b *lcowBackend) Kind() types.Backend  { return types.BackendLCOW }
func (b *lcowBackend) GuestIsWindows() bool { return false }

func (b *lcowBackend) Realize(ctx context.Context, c *Container) error {
	paths := oci.GetPaths(c.runtimeDir)
	if err := oci.PrepareRootfs(paths, c.opts.RootfsSource); err != nil {
		return err
	}
	if err := oci.PrepareRootfsMountpoints(paths); err != nil {
		return err
	}
	if err := oci.PrepareRootfsStandardFiles(paths, c.hostname, c.opts.DNS); err != nil {
		return err
	}

	mounts := append([]types.Mount(nil), c.opts.Mounts...)
	mounts = append(mounts, types.Mount{
		Source:      c.stagingDir,
		Destination: guestStaging,
	})
	specJSON, err := oci.BuildSpecJSON(oci.BuildParams{
		RootPath:      "/chef/rootfs",
		Hostname:      c.hostname,
		Mounts:        mounts,
		DNSServers:    oci.ParseDNSServers(c.opts.DNS),
		UserNamespace: c.opts.Policy.UserNamespace,
	})
	if err != nil {
		return err
	}
	if err := oci.WriteConfig(paths, specJSON); err != nil {
		return err
	}
	b.bundle = paths

	system, err := hcs.CreateLCOW(b.api, hcs.LCOWOptions{
		ID:         c.id,
		BundlePath: paths,
		StagingDir: c.stagingDir,
		UVMImage:   c.opts.UVMImage,
		Hostname:   c.hostname,
	})
	if err != nil {
		return err
	}
	b.system = system

	if c.opts.EnableNetwork && c.opts.NetworkName != "" {
		if err := system.AttachEndpoint(c.opts.NetworkName); err != nil {
			system.Teardown()
			b.system = nil
			return err
		}
	}
	return nil
}

// ensureSession lazily starts the guest agent and re-establishes a
// dead session once.
func (b *lcowBackend) ensureSession(c *Container) (*agent.Session, error) {
	if b.session != nil && !b.session.Dead() {
		return b.session, nil
	}
	b.closeSession()

	agentPath := c.opts.AgentPath
	if agentPath == "" {
		agentPath = defaultAgentPath
	}

	process, err := b.system.Compute.CreateProcess(&hcsshim.ProcessConfig{
		CommandLine:      agentPath,
		WorkingDirectory: "/",
		CreateStdInPipe:  true,
		CreateStdOutPipe: true,
		CreateStdErrPipe: false,
	})
	if err != nil {
		return nil, fmt.Errorf("start guest agent: %v: %w", err, errdefs.ErrUnavailable)
	}

	stdin, stdout, _, err := process.Stdio()
	if err != nil {
		process.Kill()
		process.Close()
		return nil, fmt.Errorf("guest agent stdio: %v: %w", err, errdefs.ErrUnavailable)
	}

	session := agent.NewSession(stdout, stdin)
	if err := session.Start(); err != nil {
		process.Kill()
		process.Close()
		return nil, err
	}

	b.session = session
	b.sessionProc = process
	log.WithContainerID(c.id).Debug().Msg("guest agent session established")
	return session, nil
}

func (b *lcowBackend) closeSession() {
	if b.session != nil {
		b.session.Close()
		b.session = nil
	}
	if b.sessionProc != nil {
		b.sessionProc.Kill()
		b.sessionProc.Close()
		b.sessionProc = nil
	}
}

func (b *lcowBackend) Spawn(ctx context.Context, c *Container, path string, args, env []string) (Process, error) {
	if b.system == nil {
		return nil, fmt.Errorf("container %s has no compute system: %w", c.id, errdefs.ErrFailedPrecondition)
	}

	session, err := b.ensureSession(c)
	if err != nil {
		return nil, err
	}
	id, _, err := session.Spawn(path, args, env, false)
	if err != nil {
		return nil, err
	}
	return newAgentProc(session, id), nil
}

func (b *lcowBackend) Upload(ctx context.Context, c *Container, hostPath, guestPath string) error {
	staged := filepath.Base(guestPath)
	if err := fsutil.CopyFile(hostPath, filepath.Join(c.stagingDir, staged)); err != nil {
		return err
	}

	session, err := b.ensureSession(c)
	if err != nil {
		return err
	}
	_, code, err := session.Spawn("/bin/cp", []string{guestStaging + "/" + staged, guestPath}, nil, true)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("guest copy exited %d: %w", code, errdefs.ErrUnavailable)
	}
	return nil
}

func (b *lcowBackend) Download(ctx context.Context, c *Container, guestPath, hostPath string) error {
	session, err := b.ensureSession(c)
	if err != nil {
		return err
	}
	return session.ReadFileToHost(guestPath, hostPath)
}

func (b *lcowBackend) Teardown(ctx context.Context, c *Container) {
	b.closeSession()
	if b.system != nil {
		b.system.Teardown()
		b.system = nil
	}
}

package container

import (
	"context"

	"github.com/chefbuild/containerv/pkg/agent"
	"github.com/chefbuild/containerv/pkg/metrics"
	"github.com/chefbuild/containerv/pkg/supervisor"
	"github.com/chefbuild/containerv/pkg/types"
)

// Process is an opaque handle to a process running in a container.
type Process interface {
	// Wait blocks until the process exits and returns its exit code
	Wait() (int32, error)

	// Kill terminates the process
	Kill() error
}

// platformBackend realizes and tears down one container on a specific
// isolation mechanism.
type platformBackend interface {
	Kind() types.Backend
	GuestIsWindows() bool

	Realize(ctx context.Context, c *Container) error
	Spawn(ctx context.Context, c *Container, path string, args, env []string) (Process, error)
	Upload(ctx context.Context, c *Container, hostPath, guestPath string) error
	Download(ctx context.Context, c *Container, guestPath, hostPath string) error
	Teardown(ctx context.Context, c *Container)
}

// nativeProc routes through the supervisor.
type nativeProc struct {
	sup  *supervisor.Supervisor
	proc *supervisor.Proc
}

func (p *nativeProc) Wait() (int32, error) {
	code, err := p.sup.Wait(p.proc)
	if err != nil {
		return 0, err
	}
	p.sup.Untrack(p.proc)
	return code, nil
}

func (p *nativeProc) Kill() error {
	return p.sup.Kill(p.proc)
}

// agentProc routes through a guest agent session; the id names the
// guest-side job.
type agentProc struct {
	session *agent.Session
	id      uint64
}

func (p *agentProc) Wait() (int32, error) {
	return p.session.Wait(p.id)
}

func (p *agentProc) Kill() error {
	return p.session.Kill(p.id, true)
}

func newAgentProc(session *agent.Session, id uint64) Process {
	metrics.ProcessesSpawned.WithLabelValues("agent").Inc()
	return &agentProc{session: session, id: id}
}

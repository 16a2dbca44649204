package supervisor

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/log"
	"github.com/chefbuild/containerv/pkg/metrics"
)

// Options controls a single spawn.
type Options struct {
	// Path is the executable to run
	Path string

	// Argv is the full argument vector including argv[0]
	Argv []string

	// Envv is the KEY=VALUE environment; empty inherits the host's
	Envv []string

	// WaitForExit makes Spawn block until the child exits
	WaitForExit bool

	WorkingDirectory string

	// Resource caps; zero means unlimited
	MemoryLimitBytes int64
	CPUPercent       int
	ProcessLimit     int

	// ForwardSignals includes the child in SIGTERM/SIGINT forwarding
	ForwardSignals bool

	// UID and GID apply on Linux when non-zero
	UID uint32
	GID uint32

	// CgroupDir, when set on Linux, receives the child pid after spawn
	CgroupDir string

	// Cloneflags are extra clone(2) namespace flags applied on Linux;
	// ignored elsewhere
	Cloneflags uintptr

	// Stdio; nil inherits the supervisor's own
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Proc is a handle to one tracked child process.
type Proc struct {
	handle   uint64
	pid      int
	opts     Options
	done     chan struct{}
	exitCode int32
	waiting  atomic.Bool

	// platform-specific process state
	platform procState
}

// Pid returns the host pid of the child.
func (p *Proc) Pid() int { return p.pid }

// Handle returns the supervisor-scoped identifier of the child.
func (p *Proc) Handle() uint64 { return p.handle }

// Supervisor tracks every child spawned on behalf of containers. There
// is one per process, managed through Acquire and Release.
type Supervisor struct {
	mu         sync.Mutex
	procs      map[uint64]*Proc
	nextHandle uint64
	refs       int

	// pending holds children between platform spawn and handle
	// registration so the reaper can always find them by pid
	pending []*Proc

	platform serviceState
}

var (
	globalMu sync.Mutex
	global   *Supervisor
)

// Ticket is one container's claim on the supervisor. Release is
// idempotent.
type Ticket struct {
	once sync.Once
}

// Acquire returns the process-wide supervisor, initialising the
// platform service on the first acquisition.
func Acquire() (*Supervisor, *Ticket, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		global = &Supervisor{
			procs:      make(map[uint64]*Proc),
			nextHandle: 1,
		}
	}

	if global.refs == 0 {
		if err := global.platformInit(); err != nil {
			return nil, nil, fmt.Errorf("supervisor init: %w", err)
		}
		log.WithComponent("supervisor").Debug().Msg("service initialised")
	}
	global.refs++

	return global, &Ticket{}, nil
}

// Release drops one claim. The last release terminates every tracked
// child and tears the platform service down.
func (s *Supervisor) Release(t *Ticket) {
	t.once.Do(func() {
		globalMu.Lock()
		defer globalMu.Unlock()

		s.refs--
		if s.refs > 0 {
			return
		}

		s.mu.Lock()
		procs := make([]*Proc, 0, len(s.procs))
		for _, p := range s.procs {
			procs = append(procs, p)
		}
		s.procs = make(map[uint64]*Proc)
		s.mu.Unlock()

		for _, p := range procs {
			if err := s.kill(p); err != nil {
				log.WithComponent("supervisor").Warn().Err(err).Int("pid", p.pid).Msg("teardown kill failed")
			}
		}
		s.platformTeardown()
		log.WithComponent("supervisor").Debug().Msg("service released")
	})
}

// Spawn starts a child and registers it before returning. With
// WaitForExit set it also blocks until the child exits.
func (s *Supervisor) Spawn(opts Options) (*Proc, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("spawn: path is required: %w", errdefs.ErrInvalidArgument)
	}

	p, err := s.platformSpawn(opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	p.handle = s.nextHandle
	s.nextHandle++
	s.procs[p.handle] = p
	for i, pp := range s.pending {
		if pp == p {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	metrics.ProcessesSpawned.WithLabelValues("supervisor").Inc()

	if opts.WaitForExit {
		<-p.done
	}
	return p, nil
}

// Wait blocks until the child exits and returns its exit code. At most
// one waiter is allowed per handle.
func (s *Supervisor) Wait(p *Proc) (int32, error) {
	if !p.waiting.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("process %d already has a waiter: %w", p.pid, errdefs.ErrFailedPrecondition)
	}
	<-p.done
	return p.exitCode, nil
}

// Kill terminates the child immediately.
func (s *Supervisor) Kill(p *Proc) error {
	return s.kill(p)
}

// Untrack removes the bookkeeping for a child without terminating it.
func (s *Supervisor) Untrack(p *Proc) {
	s.mu.Lock()
	delete(s.procs, p.handle)
	s.mu.Unlock()
}

// Tracked returns the number of children currently tracked.
func (s *Supervisor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// forwardTargets snapshots the children opted into signal forwarding.
func (s *Supervisor) forwardTargets() []*Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := make([]*Proc, 0, len(s.procs))
	for _, p := range s.procs {
		if p.opts.ForwardSignals {
			targets = append(targets, p)
		}
	}
	return targets
}

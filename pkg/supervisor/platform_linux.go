//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"

	"github.com/chefbuild/containerv/pkg/log"
)

// procState holds the Linux-side process bookkeeping.
type procState struct {
	cmd  *exec.Cmd
	pgid int
}

// serviceState holds the Linux service: the signal forwarder and, when
// running as pid 1, the orphan reaper. With the reaper active, child
// exits are delivered by the reaper instead of per-child waiters so
// the two never race over the same wait status.
type serviceState struct {
	signals chan os.Signal
	stop    chan struct{}
	reaper  bool
}

// platformInit installs the SIGTERM/SIGINT forwarder and, when this
// process is pid 1, the orphan reaper.
func (s *Supervisor) platformInit() error {
	s.platform.signals = make(chan os.Signal, 4)
	s.platform.stop = make(chan struct{})
	s.platform.reaper = os.Getpid() == 1

	signal.Notify(s.platform.signals, syscall.SIGTERM, syscall.SIGINT)
	go s.forwardSignals()

	if s.platform.reaper {
		go s.reapChildren()
	}
	return nil
}

func (s *Supervisor) platformTeardown() {
	signal.Stop(s.platform.signals)
	close(s.platform.stop)
}

// forwardSignals relays termination signals to every tracked child
// that opted in, addressing the whole process group.
func (s *Supervisor) forwardSignals() {
	logger := log.WithComponent("supervisor")
	for {
		select {
		case sig := <-s.platform.signals:
			unixSig, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			for _, p := range s.forwardTargets() {
				if err := unix.Kill(-p.platform.pgid, unixSig); err != nil {
					logger.Warn().Err(err).Int("pid", p.pid).Msg("signal forward failed")
				}
			}
		case <-s.platform.stop:
			return
		}
	}
}

// reapChildren is the pid-1 duty loop: it collects every exiting
// child, delivering exit codes to tracked processes and discarding
// orphans re-parented onto us.
func (s *Supervisor) reapChildren() {
	sigchld := make(chan os.Signal, 16)
	signal.Notify(sigchld, syscall.SIGCHLD)
	defer signal.Stop(sigchld)

	for {
		select {
		case <-sigchld:
			for {
				var status unix.WaitStatus
				pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
				if err != nil || pid <= 0 {
					break
				}
				if p := s.procByPid(pid); p != nil {
					switch {
					case status.Exited():
						p.exitCode = int32(status.ExitStatus())
					case status.Signaled():
						p.exitCode = 128 + int32(status.Signal())
					}
					p.platform.cmd.Process.Release()
					close(p.done)
				}
			}
		case <-s.platform.stop:
			return
		}
	}
}

func (s *Supervisor) procByPid(pid int) *Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.pid == pid {
			return p
		}
	}
	for _, p := range s.pending {
		if p.pid == pid {
			return p
		}
	}
	return nil
}

// platformSpawn forks and execs the child in its own process group and
// assigns it to the requested cgroup.
func (s *Supervisor) platformSpawn(opts Options) (*Proc, error) {
	argv := opts.Argv
	if len(argv) == 0 {
		argv = []string{opts.Path}
	}

	cmd := exec.Command(opts.Path, argv[1:]...)
	cmd.Args = argv
	cmd.Env = opts.Envv
	cmd.Dir = opts.WorkingDirectory
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	attr := &syscall.SysProcAttr{Setpgid: true, Cloneflags: opts.Cloneflags}
	if opts.UID != 0 || opts.GID != 0 {
		attr.Credential = &syscall.Credential{Uid: opts.UID, Gid: opts.GID}
	}
	cmd.SysProcAttr = attr

	// Under the pid-1 reaper the lock is held from Start until the child
	// is on the pending list, so an early exit still finds its handle.
	if s.platform.reaper {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	if err := cmd.Start(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("spawn %s: %w", opts.Path, errdefs.ErrNotFound)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("spawn %s: %w", opts.Path, errdefs.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("spawn %s: %v: %w", opts.Path, err, errdefs.ErrUnavailable)
	}

	pid := cmd.Process.Pid
	if opts.CgroupDir != "" {
		procs := filepath.Join(opts.CgroupDir, "cgroup.procs")
		if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0644); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return nil, fmt.Errorf("assign pid %d to cgroup: %v: %w", pid, err, errdefs.ErrUnavailable)
		}
	}

	p := &Proc{
		pid:  pid,
		opts: opts,
		done: make(chan struct{}),
		platform: procState{
			cmd:  cmd,
			pgid: pid,
		},
	}

	// Under the pid-1 reaper, exits arrive through reapChildren; a
	// per-child waiter here would race it over the wait status. The
	// pending list makes the child findable by pid until Spawn
	// registers its handle.
	if s.platform.reaper {
		s.pending = append(s.pending, p)
	} else {
		go func() {
			err := cmd.Wait()
			if exit, ok := err.(*exec.ExitError); ok {
				p.exitCode = int32(exit.ExitCode())
			} else if err != nil {
				p.exitCode = -1
			}
			close(p.done)
		}()
	}

	return p, nil
}

// kill sends SIGKILL to the child's process group, falling back to the
// process itself.
func (s *Supervisor) kill(p *Proc) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := unix.Kill(-p.platform.pgid, unix.SIGKILL); err != nil {
		if err := p.platform.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill pid %d: %v: %w", p.pid, err, errdefs.ErrUnavailable)
		}
	}
	return nil
}

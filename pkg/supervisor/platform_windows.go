//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"unsafe"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/windows"
)

// procState holds the Windows-side process bookkeeping.
type procState struct {
	cmd     *exec.Cmd
	process windows.Handle
}

// serviceState holds the Job Object every tracked process is assigned
// to. Kill-on-close guarantees nothing outlives the supervisor.
type serviceState struct {
	job windows.Handle
}

// platformInit creates the Job Object with kill-on-close semantics.
func (s *Supervisor) platformInit() error {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return fmt.Errorf("create job object: %v: %w", err, errdefs.ErrUnavailable)
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		return fmt.Errorf("configure job object: %v: %w", err, errdefs.ErrUnavailable)
	}

	s.platform.job = job
	return nil
}

// platformTeardown closes the Job Object; kill-on-close terminates any
// process still assigned.
func (s *Supervisor) platformTeardown() {
	if s.platform.job != 0 {
		windows.CloseHandle(s.platform.job)
		s.platform.job = 0
	}
}

// applyLimits writes the per-spawn resource caps onto the job.
func (s *Supervisor) applyLimits(opts Options) error {
	if opts.MemoryLimitBytes > 0 || opts.ProcessLimit > 0 {
		info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{}
		if opts.MemoryLimitBytes > 0 {
			info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_PROCESS_MEMORY
			info.ProcessMemoryLimit = uintptr(opts.MemoryLimitBytes)
		}
		if opts.ProcessLimit > 0 {
			info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_ACTIVE_PROCESS
			info.BasicLimitInformation.ActiveProcessLimit = uint32(opts.ProcessLimit)
		}
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE
		if _, err := windows.SetInformationJobObject(
			s.platform.job,
			windows.JobObjectExtendedLimitInformation,
			uintptr(unsafe.Pointer(&info)),
			uint32(unsafe.Sizeof(info)),
		); err != nil {
			return fmt.Errorf("set job limits: %v: %w", err, errdefs.ErrUnavailable)
		}
	}

	if opts.CPUPercent > 0 {
		rate := windows.JOBOBJECT_CPU_RATE_CONTROL_INFORMATION{
			ControlFlags: windows.JOB_OBJECT_CPU_RATE_CONTROL_ENABLE | windows.JOB_OBJECT_CPU_RATE_CONTROL_HARD_CAP,
			Value:        uint32(opts.CPUPercent) * 100,
		}
		if _, err := windows.SetInformationJobObject(
			s.platform.job,
			windows.JobObjectCpuRateControlInformation,
			uintptr(unsafe.Pointer(&rate)),
			uint32(unsafe.Sizeof(rate)),
		); err != nil {
			return fmt.Errorf("set job cpu rate: %v: %w", err, errdefs.ErrUnavailable)
		}
	}
	return nil
}

// platformSpawn starts the child and assigns it to the Job Object.
func (s *Supervisor) platformSpawn(opts Options) (*Proc, error) {
	if err := s.applyLimits(opts); err != nil {
		return nil, err
	}

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

	if err := cmd.Start(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("spawn %s: %w", opts.Path, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("spawn %s: %v: %w", opts.Path, err, errdefs.ErrUnavailable)
	}

	pid := cmd.Process.Pid
	process, err := windows.OpenProcess(
		windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE|windows.SYNCHRONIZE,
		false,
		uint32(pid),
	)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("open process %d: %v: %w", pid, err, errdefs.ErrUnavailable)
	}
	if err := windows.AssignProcessToJobObject(s.platform.job, process); err != nil {
		windows.CloseHandle(process)
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("assign process %d to job: %v: %w", pid, err, errdefs.ErrUnavailable)
	}

	p := &Proc{
		pid:  pid,
		opts: opts,
		done: make(chan struct{}),
		platform: procState{
			cmd:     cmd,
			process: process,
		},
	}

	go func() {
		err := cmd.Wait()
		if exit, ok := err.(*exec.ExitError); ok {
			p.exitCode = int32(exit.ExitCode())
		} else if err != nil {
			p.exitCode = -1
		}
		windows.CloseHandle(p.platform.process)
		close(p.done)
	}()

	return p, nil
}

// kill terminates the child through TerminateProcess.
func (s *Supervisor) kill(p *Proc) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.platform.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("terminate pid %d: %v: %w", p.pid, err, errdefs.ErrUnavailable)
	}
	return nil
}

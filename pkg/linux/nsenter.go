//go:build linux

package linux

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// nsFiles are joined in this order; mnt last so the other /proc files
// stay reachable while we work through the list.
var nsFiles = []string{"user", "ipc", "uts", "net", "pid", "mnt"}

// RunNsenter joins the namespaces of the container's init anchor, then
// forks and execs the target command. The fork is required for pid
// namespace membership, which only applies to children created after
// setns. The target's exit code becomes our own. It runs inside a
// re-executed child of the containerv binary and never returns on
// success.
func RunNsenter(initPid int, cwd string, argv, envv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("nsenter: empty argv")
	}

	runtime.LockOSThread()

	for _, ns := range nsFiles {
		path := fmt.Sprintf("/proc/%d/ns/%s", initPid, ns)
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			if ns == "user" {
				// The anchor may not have a user namespace.
				continue
			}
			return fmt.Errorf("open %s: %w", path, err)
		}
		err = unix.Setns(fd, 0)
		unix.Close(fd)
		if err != nil {
			if ns == "user" {
				continue
			}
			return fmt.Errorf("setns %s: %w", ns, err)
		}
	}

	// After joining the mount namespace we see the pivoted rootfs.
	workDir := cwd
	if workDir == "" {
		workDir = "/"
	}

	if len(envv) == 0 {
		envv = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	}

	pid, err := syscall.ForkExec(argv[0], argv, &syscall.ProcAttr{
		Dir:   workDir,
		Env:   envv,
		Files: []uintptr{0, 1, 2},
	})
	if err != nil {
		return fmt.Errorf("exec %s: %w", argv[0], err)
	}

	var status unix.WaitStatus
	for {
		if _, err := unix.Wait4(pid, &status, 0, nil); err != unix.EINTR {
			break
		}
	}
	switch {
	case status.Exited():
		os.Exit(status.ExitStatus())
	case status.Signaled():
		os.Exit(128 + int(status.Signal()))
	}
	os.Exit(0)
	return nil
}

//go:build linux

package linux

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/chefbuild/containerv/pkg/types"
)

// initMount mirrors the fixed mount table of the bundle spec; the
// init anchor applies it directly with mount(2).
type initMount struct {
	target string
	fstype string
	source string
	flags  uintptr
	data   string
}

var initMounts = []initMount{
	{"/proc", "proc", "proc", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV, ""},
	{"/sys", "sysfs", "sysfs", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_RDONLY, ""},
	{"/sys/fs/cgroup", "cgroup2", "cgroup", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_RELATIME, ""},
	{"/dev", "tmpfs", "tmpfs", unix.MS_NOSUID | unix.MS_STRICTATIME, "mode=755,size=65536k"},
	{"/dev/pts", "devpts", "devpts", unix.MS_NOSUID | unix.MS_NOEXEC, "newinstance,ptmxmode=0666,mode=0620,gid=5"},
	{"/dev/shm", "tmpfs", "shm", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV, "mode=1777,size=65536k"},
	{"/dev/mqueue", "mqueue", "mqueue", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV, ""},
}

type initDevice struct {
	path  string
	major uint32
	minor uint32
}

var initDevices = []initDevice{
	{"/dev/null", 1, 3},
	{"/dev/zero", 1, 5},
	{"/dev/full", 1, 7},
	{"/dev/random", 1, 8},
	{"/dev/urandom", 1, 9},
	{"/dev/tty", 5, 0},
}

var initMaskedPaths = []string{
	"/proc/kcore",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
}

var initReadonlyPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// capabilityBits maps capability names accepted in a policy to their
// kernel numbers.
var capabilityBits = map[string]int{
	"CAP_CHOWN":            0,
	"CAP_DAC_OVERRIDE":     1,
	"CAP_FOWNER":           3,
	"CAP_FSETID":           4,
	"CAP_KILL":             5,
	"CAP_SETGID":           6,
	"CAP_SETUID":           7,
	"CAP_SETPCAP":          8,
	"CAP_NET_BIND_SERVICE": 10,
	"CAP_NET_RAW":          13,
	"CAP_SYS_CHROOT":       18,
	"CAP_MKNOD":            27,
	"CAP_AUDIT_WRITE":      29,
	"CAP_SETFCAP":          31,
}

const lastCap = 40

// RunInit finishes container setup from inside the freshly created
// namespaces, reports readiness on stdout, then serves as the
// container's pid 1 until signalled. It never returns on success.
func RunInit(cfg InitConfig) error {
	if err := unix.Sethostname([]byte(cfg.Hostname)); err != nil {
		return fmt.Errorf("sethostname: %w", err)
	}

	if err := setupRootfs(cfg); err != nil {
		return err
	}

	if err := applyPolicy(cfg.Policy); err != nil {
		return err
	}

	// Tell the host side we are up.
	fmt.Println("ready")

	reapForever()
	return nil
}

// setupRootfs makes the overlay a mount point, applies the standard
// mounts, devices, and path restrictions, then pivots into it.
func setupRootfs(cfg InitConfig) error {
	// Stop mount events from leaking to the host.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}
	if err := unix.Mount(cfg.Rootfs, cfg.Rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind rootfs: %w", err)
	}

	for _, m := range initMounts {
		target := filepath.Join(cfg.Rootfs, m.target)
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", target, err)
		}
		if err := unix.Mount(m.source, target, m.fstype, m.flags, m.data); err != nil {
			return fmt.Errorf("mount %s: %w", m.target, err)
		}
	}

	for _, d := range initDevices {
		path := filepath.Join(cfg.Rootfs, d.path)
		dev := unix.Mkdev(d.major, d.minor)
		if err := unix.Mknod(path, unix.S_IFCHR|0666, int(dev)); err != nil && !os.IsExist(err) {
			// Devices can't be created without CAP_MKNOD in a user
			// namespace; bind the host node instead.
			if err := bindDevice(d.path, path); err != nil {
				return fmt.Errorf("device %s: %w", d.path, err)
			}
		}
	}

	for _, m := range cfg.Mounts {
		if m.Source == "" || m.Destination == "" {
			continue
		}
		target := filepath.Join(cfg.Rootfs, m.Destination)
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", target, err)
		}
		flags := uintptr(unix.MS_BIND | unix.MS_REC | unix.MS_PRIVATE)
		if err := unix.Mount(m.Source, target, "", flags, ""); err != nil {
			return fmt.Errorf("bind %s: %w", m.Destination, err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount ro %s: %w", m.Destination, err)
			}
		}
	}

	for _, l := range cfg.Tmpfs {
		target := filepath.Join(cfg.Rootfs, l.Destination)
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", target, err)
		}
		data := fmt.Sprintf("size=%d,mode=%o", l.SizeBytes, l.Mode)
		if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, data); err != nil {
			return fmt.Errorf("tmpfs %s: %w", l.Destination, err)
		}
	}

	if err := pivotRoot(cfg.Rootfs); err != nil {
		return err
	}

	for _, p := range initMaskedPaths {
		maskPath(p)
	}
	for _, p := range initReadonlyPaths {
		readonlyPath(p)
	}
	return nil
}

func bindDevice(hostPath, target string) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	f.Close()
	return unix.Mount(hostPath, target, "", unix.MS_BIND, "")
}

func pivotRoot(rootfs string) error {
	oldRoot := filepath.Join(rootfs, ".pivot-old")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir pivot dir: %w", err)
	}
	if err := unix.PivotRoot(rootfs, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := unix.Unmount("/.pivot-old", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	os.RemoveAll("/.pivot-old")
	return nil
}

// maskPath hides a path with an empty tmpfs or /dev/null bind.
func maskPath(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	if fi.IsDir() {
		unix.Mount("tmpfs", path, "tmpfs", unix.MS_RDONLY, "size=0")
		return
	}
	unix.Mount("/dev/null", path, "", unix.MS_BIND, "")
}

// readonlyPath remounts a path read-only in place.
func readonlyPath(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := unix.Mount(path, path, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return
	}
	unix.Mount(path, path, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, "")
}

// applyPolicy drops bounding-set capabilities outside the retained set
// and sets the no-new-privileges bit.
func applyPolicy(policy types.Policy) error {
	keep := make(map[int]bool, len(policy.Capabilities))
	for _, name := range policy.Capabilities {
		if bit, ok := capabilityBits[strings.ToUpper(name)]; ok {
			keep[bit] = true
		}
	}
	if len(policy.Capabilities) == 0 {
		// Default set: retain the basics a build workload needs.
		for _, bit := range capabilityBits {
			keep[bit] = true
		}
	}

	for cap := 0; cap <= lastCap; cap++ {
		if keep[cap] {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(cap), 0, 0, 0); err != nil && err != unix.EINVAL {
			return fmt.Errorf("drop capability %d: %w", cap, err)
		}
	}

	if policy.NoNewPrivileges {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("set no_new_privs: %w", err)
		}
	}
	return nil
}

// reapForever is the pid-1 duty loop: collect orphans until SIGTERM or
// SIGINT arrives, then exit.
func reapForever() {
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, unix.SIGTERM, unix.SIGINT, unix.SIGCHLD)

	for sig := range signals {
		switch sig {
		case unix.SIGCHLD:
			for {
				pid, err := unix.Wait4(-1, nil, unix.WNOHANG, nil)
				if err != nil || pid <= 0 {
					break
				}
			}
		default:
			os.Exit(0)
		}
	}
}

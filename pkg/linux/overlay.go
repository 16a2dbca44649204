//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"

	"github.com/chefbuild/containerv/pkg/layers"
)

// Overlay is the assembled overlay rootfs of one container. Upper and
// work directories live under the container's runtime dir so teardown
// removes them with everything else.
type Overlay struct {
	// Merged is the mount point exposed as the container rootfs
	Merged string

	upper string
	work  string
}

// MountOverlay assembles an overlay from the layer stack's lower
// directories. When the stack has no lower directories (no host-dir
// layer at "/" and no archive layer) the stack's rootfs is used
// directly and no mount happens.
func MountOverlay(stack *layers.Stack, runtimeDir string) (*Overlay, error) {
	lowers, err := stack.LowerDirs()
	if err != nil {
		return nil, err
	}
	if len(lowers) == 0 {
		rootfs, err := stack.Rootfs()
		if err != nil {
			return nil, err
		}
		return &Overlay{Merged: rootfs}, nil
	}

	o := &Overlay{
		Merged: filepath.Join(runtimeDir, "rootfs"),
		upper:  filepath.Join(runtimeDir, "upper"),
		work:   filepath.Join(runtimeDir, "work"),
	}
	for _, dir := range []string{o.Merged, o.upper, o.work} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("overlay dir %s: %v: %w", dir, err, errdefs.ErrUnavailable)
		}
	}

	// overlayfs wants the topmost lower first.
	reversed := make([]string, 0, len(lowers))
	for i := len(lowers) - 1; i >= 0; i-- {
		reversed = append(reversed, lowers[i])
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(reversed, ":"), o.upper, o.work)
	if err := unix.Mount("overlay", o.Merged, "overlay", 0, data); err != nil {
		if err == unix.EPERM || err == unix.EACCES {
			return nil, fmt.Errorf("mount overlay at %s: %w", o.Merged, errdefs.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("mount overlay at %s: %v: %w", o.Merged, err, errdefs.ErrUnavailable)
	}
	return o, nil
}

// Unmount detaches the overlay. A stack that needed no mount is a
// no-op.
func (o *Overlay) Unmount() error {
	if o.upper == "" {
		return nil
	}
	if err := unix.Unmount(o.Merged, unix.MNT_DETACH); err != nil && err != unix.EINVAL {
		return fmt.Errorf("unmount overlay %s: %v: %w", o.Merged, err, errdefs.ErrUnavailable)
	}
	return nil
}

//go:build linux

package container

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefbuild/containerv/pkg/linux"
	"github.com/chefbuild/containerv/pkg/types"
)

func TestGuestHostPathMapping(t *testing.T) {
	b := &linuxBackend{
		state: &linux.State{
			Overlay: &linux.Overlay{Merged: "/tmp/containerv-test/rootfs"},
		},
	}

	host, err := b.guestHostPath("/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/containerv-test/rootfs/etc/hosts", host)

	// Relative and messy paths normalise inside the rootfs.
	host, err = b.guestHostPath("var/../etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/containerv-test/rootfs/etc/hosts", host)
}

func TestGuestHostPathRejectsEscape(t *testing.T) {
	b := &linuxBackend{
		state: &linux.State{
			Overlay: &linux.Overlay{Merged: "/tmp/containerv-test/rootfs"},
		},
	}

	for _, p := range []string{"/", "/.."} {
		_, err := b.guestHostPath(p)
		assert.True(t, errdefs.IsInvalidArgument(err), "path %q", p)
	}
}

func TestNewPlatformBackendRejectsForeign(t *testing.T) {
	_, err := newPlatformBackend(Options{Backend: types.BackendWCOW})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = newPlatformBackend(Options{Backend: types.BackendLCOW})
	assert.True(t, errdefs.IsInvalidArgument(err))

	b, err := newPlatformBackend(Options{})
	require.NoError(t, err)
	assert.Equal(t, types.BackendLinux, b.Kind())
	assert.False(t, b.GuestIsWindows())
}

// Package layers models the ordered stack of contributions that make
// up a container's root filesystem: host directory binds, archives
// expanded on first use, and tmpfs mounts.
//
// The first declared layer is the base rootfs; later layers overlay it
// in declaration order.
package layers

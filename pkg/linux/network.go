//go:build linux

package linux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/log"
)

// DefaultBridge is the host bridge container veths join.
const DefaultBridge = "containerv0"

// Network is the veth plumbing attached to one container.
type Network struct {
	bridge   string
	hostVeth string
	peerVeth string
}

// ipCmd runs one iproute2 invocation and surfaces its combined output
// on failure.
func ipCmd(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ip", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s: %v (output: %s): %w",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)), errdefs.ErrUnavailable)
	}
	return nil
}

// vethNames derives stable interface names from the container id,
// bounded by IFNAMSIZ.
func vethNames(id string) (host, peer string) {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "cv-" + short, "cvp-" + short
}

// AttachNetwork creates a veth pair, moves the peer end into the
// anchor's network namespace, and joins the host end to the bridge.
// The bridge must already exist.
func AttachNetwork(ctx context.Context, id string, initPid int, bridge string) (*Network, error) {
	if bridge == "" {
		bridge = DefaultBridge
	}
	host, peer := vethNames(id)

	if err := ipCmd(ctx, "link", "add", host, "type", "veth", "peer", "name", peer); err != nil {
		return nil, err
	}

	n := &Network{bridge: bridge, hostVeth: host, peerVeth: peer}
	if err := ipCmd(ctx, "link", "set", peer, "netns", strconv.Itoa(initPid)); err != nil {
		n.Detach(ctx)
		return nil, err
	}
	if err := ipCmd(ctx, "link", "set", host, "master", bridge); err != nil {
		n.Detach(ctx)
		return nil, err
	}
	if err := ipCmd(ctx, "link", "set", host, "up"); err != nil {
		n.Detach(ctx)
		return nil, err
	}

	// Bring the in-container end up; address assignment is left to the
	// workload or DHCP on the bridge.
	pidArg := strconv.Itoa(initPid)
	if err := nsenterIP(ctx, pidArg, "link", "set", "lo", "up"); err != nil {
		log.WithComponent("linux-network").Warn().Err(err).Msg("loopback up failed")
	}
	if err := nsenterIP(ctx, pidArg, "link", "set", peer, "up"); err != nil {
		log.WithComponent("linux-network").Warn().Err(err).Msg("peer up failed")
	}

	return n, nil
}

// nsenterIP runs an ip command inside the container's network
// namespace.
func nsenterIP(ctx context.Context, pid string, args ...string) error {
	full := append([]string{"-t", pid, "-n", "ip"}, args...)
	cmd := exec.CommandContext(ctx, "nsenter", full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nsenter ip %s: %v (output: %s): %w",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)), errdefs.ErrUnavailable)
	}
	return nil
}

// Detach removes the host-side veth; the kernel removes the peer with
// it. Best-effort.
func (n *Network) Detach(ctx context.Context) {
	if n == nil || n.hostVeth == "" {
		return
	}
	if err := ipCmd(ctx, "link", "del", n.hostVeth); err != nil {
		log.WithComponent("linux-network").Debug().Err(err).Str("veth", n.hostVeth).Msg("veth delete failed")
	}
}

// EnsureBridge creates the bridge if it does not exist and enables
// masquerading for traffic leaving it.
func EnsureBridge(ctx context.Context, bridge, subnet string) error {
	if bridge == "" {
		bridge = DefaultBridge
	}
	if err := exec.CommandContext(ctx, "ip", "link", "show", bridge).Run(); err == nil {
		return nil
	}

	if err := ipCmd(ctx, "link", "add", bridge, "type", "bridge"); err != nil {
		return err
	}
	if subnet != "" {
		if err := ipCmd(ctx, "addr", "add", subnet, "dev", bridge); err != nil {
			return err
		}
	}
	if err := ipCmd(ctx, "link", "set", bridge, "up"); err != nil {
		return err
	}

	if subnet != "" {
		cmd := exec.CommandContext(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING",
			"-s", subnet, "!", "-o", bridge, "-j", "MASQUERADE")
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("iptables masquerade: %v (output: %s): %w",
				err, strings.TrimSpace(string(output)), errdefs.ErrUnavailable)
		}
	}
	return nil
}

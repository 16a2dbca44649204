package oci

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/fsutil"
)

// Paths locates the pieces of an OCI bundle under a container's
// runtime directory.
type Paths struct {
	BundleDir  string
	RootfsDir  string
	ConfigPath string
}

// StandardMountpoints is the canonical list of Linux mountpoints
// created inside every rootfs.
var StandardMountpoints = []string{
	"/proc",
	"/sys",
	"/sys/fs/cgroup",
	"/dev",
	"/dev/pts",
	"/dev/shm",
	"/dev/mqueue",
}

// GetPaths computes the bundle layout for a runtime directory. No
// filesystem writes happen here.
func GetPaths(runtimeDir string) Paths {
	bundle := fsutil.JoinPath(runtimeDir, "oci-bundle")
	return Paths{
		BundleDir:  bundle,
		RootfsDir:  fsutil.JoinPath(bundle, "rootfs"),
		ConfigPath: fsutil.JoinPath(bundle, "config.json"),
	}
}

// PrepareRootfs populates the bundle rootfs from sourceRootfs with a
// best-effort recursive copy. Symlinks are re-created with their target
// taken verbatim; entries whose link target cannot be read are skipped.
// An empty sourceRootfs creates just the empty rootfs directory.
func PrepareRootfs(paths Paths, sourceRootfs string) error {
	if err := fsutil.MkdirAll(paths.RootfsDir, 0755); err != nil {
		return err
	}
	if sourceRootfs == "" {
		return nil
	}

	entries, err := fsutil.Walk(sourceRootfs)
	if err != nil {
		return err
	}

	for _, e := range entries {
		dst := fsutil.JoinPath(paths.RootfsDir, e.SubPath)
		switch e.Kind {
		case fsutil.KindDirectory:
			if err := fsutil.MkdirAll(dst, 0755); err != nil {
				return err
			}
		case fsutil.KindFile:
			if err := fsutil.CopyFile(e.AbsPath, dst); err != nil {
				return err
			}
		case fsutil.KindSymlink:
			target, err := fsutil.ReadLink(e.AbsPath)
			if err != nil {
				continue
			}
			if err := fsutil.Symlink(target, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// PrepareRootfsMountpoints creates the standard Linux mountpoints
// inside the rootfs.
func PrepareRootfsMountpoints(paths Paths) error {
	for _, mp := range StandardMountpoints {
		dir := fsutil.JoinPath(paths.RootfsDir, strings.TrimPrefix(mp, "/"))
		if err := fsutil.MkdirAll(dir, 0755); err != nil {
			return err
		}
		if err := fsutil.Chmod(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// PrepareRootfsDir creates a directory (and parents) inside the rootfs
// from a Linux-style path. Paths whose normalised form escapes the
// rootfs through a ".." segment are rejected.
func PrepareRootfsDir(paths Paths, linuxPath string, mode uint32) error {
	rel := strings.TrimPrefix(strings.ReplaceAll(linuxPath, "\\", "/"), "/")
	norm := path.Clean(rel)
	if norm == "." || norm == "/" {
		return nil
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return fmt.Errorf("rootfs dir %q escapes rootfs: %w", linuxPath, errdefs.ErrInvalidArgument)
		}
	}
	dir := fsutil.JoinPath(paths.RootfsDir, norm)
	if err := fsutil.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return fsutil.Chmod(dir, fs.FileMode(mode))
}

// ParseDNSServers splits a DNS server list on ';', ',', or whitespace,
// dropping empty fields.
func ParseDNSServers(dnsCSV string) []string {
	fields := strings.FieldsFunc(dnsCSV, func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '\t'
	})
	servers := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			servers = append(servers, f)
		}
	}
	return servers
}

// PrepareRootfsStandardFiles writes /etc/hosts, /etc/hostname, and
// /etc/resolv.conf into the rootfs. An empty hostname defaults to
// "localhost"; an empty DNS string yields an empty resolv.conf.
func PrepareRootfsStandardFiles(paths Paths, hostname, dnsCSV string) error {
	if hostname == "" {
		hostname = "localhost"
	}

	etc := fsutil.JoinPath(paths.RootfsDir, "etc")
	if err := fsutil.MkdirAll(etc, 0755); err != nil {
		return err
	}

	hosts := "127.0.0.1\tlocalhost\n127.0.1.1\t" + hostname + "\n"
	if err := fsutil.WriteTextFile(fsutil.JoinPath(etc, "hosts"), hosts, 0644); err != nil {
		return err
	}

	if err := fsutil.WriteTextFile(fsutil.JoinPath(etc, "hostname"), hostname+"\n", 0644); err != nil {
		return err
	}

	var resolv strings.Builder
	for _, srv := range ParseDNSServers(dnsCSV) {
		resolv.WriteString("nameserver ")
		resolv.WriteString(srv)
		resolv.WriteString("\n")
	}
	return fsutil.WriteTextFile(fsutil.JoinPath(etc, "resolv.conf"), resolv.String(), 0644)
}

// WriteConfig writes the runtime-spec document into the bundle,
// creating the bundle directory if needed. Trailing whitespace is
// stripped from the document.
func WriteConfig(paths Paths, jsonText string) error {
	if err := fsutil.MkdirAll(paths.BundleDir, 0755); err != nil {
		return err
	}
	return fsutil.WriteTextFile(paths.ConfigPath, strings.TrimRight(jsonText, " \t\r\n"), 0644)
}

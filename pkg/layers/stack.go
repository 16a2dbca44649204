package layers

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/fsutil"
	"github.com/chefbuild/containerv/pkg/types"
)

// Stack is an ordered sequence of layers. The zero value is empty.
type Stack struct {
	mu       sync.Mutex
	layers   []types.Layer
	scratch  string
	expanded map[int]string
	consumed map[types.LayerKind]bool
}

// NewStack builds a stack from declared layers. scratchDir hosts
// archive expansions; it may be empty when the stack has no archive
// layers.
func NewStack(declared []types.Layer, scratchDir string) *Stack {
	return &Stack{
		layers:   append([]types.Layer(nil), declared...),
		scratch:  scratchDir,
		expanded: make(map[int]string),
		consumed: make(map[types.LayerKind]bool),
	}
}

// Len returns the number of declared layers.
func (s *Stack) Len() int {
	return len(s.layers)
}

// Layers returns the declared layers in order.
func (s *Stack) Layers() []types.Layer {
	return append([]types.Layer(nil), s.layers...)
}

// Rootfs returns the host path of the topmost writable layer, the one
// the engine treats as the container's root. Read-only and tmpfs
// layers are skipped.
func (s *Stack) Rootfs() (string, error) {
	for i := len(s.layers) - 1; i >= 0; i-- {
		l := s.layers[i]
		switch l.Kind {
		case types.LayerHostDir:
			if !l.ReadOnly {
				return l.Source, nil
			}
		case types.LayerArchive:
			return s.ExpandArchive(i)
		}
	}
	return "", fmt.Errorf("layer stack has no writable layer: %w", errdefs.ErrNotFound)
}

// LowerDirs returns the host paths of the base and archive layers in
// declared order, expanding archives as needed. Base layers are the
// host-dir layers mounted at "/"; host-dir layers with another
// destination are left out. Used to assemble overlay lowerdir options.
func (s *Stack) LowerDirs() ([]string, error) {
	var dirs []string
	for i, l := range s.layers {
		switch l.Kind {
		case types.LayerHostDir:
			if l.Destination != "" && l.Destination != "/" {
				continue
			}
			dirs = append(dirs, l.Source)
		case types.LayerArchive:
			dir, err := s.ExpandArchive(i)
			if err != nil {
				return nil, err
			}
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

// Each iterates the layers of one variant in declaration order. The
// iteration for a given kind is finite and non-restartable: a second
// call for the same kind returns an error.
func (s *Stack) Each(kind types.LayerKind, fn func(types.Layer) error) error {
	s.mu.Lock()
	if s.consumed[kind] {
		s.mu.Unlock()
		return fmt.Errorf("layer iterator for %s already consumed: %w", kind, errdefs.ErrFailedPrecondition)
	}
	s.consumed[kind] = true
	s.mu.Unlock()

	for _, l := range s.layers {
		if l.Kind != kind {
			continue
		}
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

// ExpandArchive expands the archive layer at index into a scratch
// directory, once; subsequent calls return the cached expansion.
func (s *Stack) ExpandArchive(index int) (string, error) {
	if index < 0 || index >= len(s.layers) || s.layers[index].Kind != types.LayerArchive {
		return "", fmt.Errorf("layer %d is not an archive: %w", index, errdefs.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if dir, ok := s.expanded[index]; ok {
		return dir, nil
	}

	if s.scratch == "" {
		return "", fmt.Errorf("archive layer requires a scratch directory: %w", errdefs.ErrInvalidArgument)
	}
	dir := filepath.Join(s.scratch, fmt.Sprintf("layer-%d", index))
	if err := fsutil.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if err := extractTar(s.layers[index].Source, dir); err != nil {
		fsutil.RemoveAll(dir)
		return "", err
	}
	s.expanded[index] = dir
	return dir, nil
}

// extractTar unpacks a tar or tar.gz archive into dir. Entries that
// would escape dir are rejected.
func extractTar(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("archive %s: %w", archivePath, errdefs.ErrNotFound)
		}
		return fmt.Errorf("archive %s: %v: %w", archivePath, err, errdefs.ErrUnavailable)
	}
	defer f.Close()

	var reader io.Reader = f

	// Sniff the gzip magic to accept both .tar and .tar.gz.
	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("archive %s: %v: %w", archivePath, err, errdefs.ErrUnavailable)
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("archive %s: %v: %w", archivePath, err, errdefs.ErrInvalidArgument)
		}
		defer gz.Close()
		reader = gz
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("archive %s: %v: %w", archivePath, err, errdefs.ErrUnavailable)
		}
	}

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive %s: %v: %w", archivePath, err, errdefs.ErrInvalidArgument)
		}

		name := filepath.FromSlash(hdr.Name)
		target := filepath.Join(dir, name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
			return fmt.Errorf("archive entry %q escapes destination: %w", hdr.Name, errdefs.ErrInvalidArgument)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsutil.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := fsutil.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
			if err != nil {
				return fmt.Errorf("archive extract %s: %v: %w", target, err, errdefs.ErrUnavailable)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("archive extract %s: %v: %w", target, err, errdefs.ErrUnavailable)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("archive extract %s: %v: %w", target, err, errdefs.ErrUnavailable)
			}
		case tar.TypeSymlink:
			if err := fsutil.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := fsutil.Symlink(hdr.Linkname, target); err != nil {
				continue
			}
		}
	}
}

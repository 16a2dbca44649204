package hcs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/fsutil"
)

// layerChainFile names the parent-chain manifest inside a
// windowsfilter layer folder.
const layerChainFile = "layerchain.json"

// ReadLayerChain loads and resolves the parent layer chain of a
// windowsfilter folder. Entries that are relative or point at missing
// folders are resolved against the folder itself and its parents
// subdirectory. When resolution changed any entry the file is
// rewritten in place.
func ReadLayerChain(layerFolder string) ([]string, error) {
	path := filepath.Join(layerFolder, layerChainFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %v: %w", path, err, errdefs.ErrUnavailable)
	}

	var chain []string
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("%s is not a JSON array: %w", path, errdefs.ErrInvalidArgument)
	}

	resolved := make([]string, len(chain))
	changed := false
	for i, entry := range chain {
		r, err := resolveChainEntry(layerFolder, entry)
		if err != nil {
			return nil, err
		}
		resolved[i] = r
		if r != entry {
			changed = true
		}
	}

	if changed {
		out, err := json.Marshal(resolved)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %v: %w", path, err, errdefs.ErrInvalidArgument)
		}
		if err := fsutil.WriteTextFile(path, string(out), 0644); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// resolveChainEntry maps one chain entry to an existing absolute
// folder: the entry itself, its base name under the layer folder, or
// its base name under the parents subdirectory.
func resolveChainEntry(layerFolder, entry string) (string, error) {
	if filepath.IsAbs(entry) && dirExists(entry) {
		return entry, nil
	}

	base := filepath.Base(entry)
	candidates := []string{
		filepath.Join(layerFolder, base),
		filepath.Join(layerFolder, "parents", base),
	}
	for _, c := range candidates {
		if dirExists(c) {
			abs, err := filepath.Abs(c)
			if err != nil {
				return "", fmt.Errorf("resolve %s: %v: %w", c, err, errdefs.ErrUnavailable)
			}
			return abs, nil
		}
	}
	return "", fmt.Errorf("parent layer %q not found under %s: %w", entry, layerFolder, errdefs.ErrNotFound)
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// ValidateUtilityVM checks the base layer carries a utility VM image:
// either UtilityVM.vhdx or a UtilityVM\Files tree.
func ValidateUtilityVM(baseLayer string) error {
	vhdx := filepath.Join(baseLayer, "UtilityVM.vhdx")
	if fi, err := os.Stat(vhdx); err == nil && !fi.IsDir() {
		return nil
	}
	files := filepath.Join(baseLayer, "UtilityVM", "Files")
	if dirExists(files) {
		return nil
	}
	return fmt.Errorf("no utility VM under %s: %w", baseLayer, errdefs.ErrNotFound)
}

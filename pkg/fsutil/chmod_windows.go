//go:build windows

package fsutil

import "os"

// Chmod is a no-op on Windows, which has no Unix permission bits.
func Chmod(path string, mode os.FileMode) error {
	return nil
}

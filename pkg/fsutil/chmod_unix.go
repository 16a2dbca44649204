//go:build !windows

package fsutil

import "os"

// Chmod sets the Unix permission bits on path.
func Chmod(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return wrapErr("chmod "+path, err)
	}
	return nil
}

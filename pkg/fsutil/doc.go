// Package fsutil is the platform abstraction used by the rest of
// containerv for filesystem work: recursive walks, mkdir -p, text file
// emission, symlink and file copies.
//
// Every operation reports failures as containerd errdefs kinds so upper
// layers can branch on the class of failure without inspecting platform
// error values:
//
//	errdefs.ErrInvalidArgument  bad paths, ".." traversal
//	errdefs.ErrNotFound         missing source files
//	errdefs.ErrAlreadyExists    a distinct artifact occupies the path
//	errdefs.ErrPermissionDenied permission refusal
//	errdefs.ErrUnavailable      any other I/O failure
package fsutil

// Package supervisor provides the process-wide child supervisor used
// by every container. It is reference counted: the first Acquire
// initialises the platform service (orphan reaping and signal
// forwarding on Linux, a kill-on-close Job Object on Windows) and the
// last Release tears it down, terminating every still-tracked child.
//
// Spawned children are registered before Spawn returns, so a
// concurrent teardown always sees them.
package supervisor

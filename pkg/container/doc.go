// Package container is the public surface of the runtime: it creates
// containers, supervises their processes, moves files in and out, and
// guarantees teardown.
//
// A container binds the bundle writer, the layer stack, the
// process-wide supervisor, and one platform backend (Linux namespaces,
// WCOW, or LCOW). Process handles are opaque: callers wait on and kill
// them without knowing whether the process lives on the host, in a
// compute system, or behind the guest agent.
package container

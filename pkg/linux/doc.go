// Package linux realizes containers on a Linux host: cgroup v2
// limits, an overlay rootfs assembled from the layer stack, namespace
// creation through a re-executed init anchor, in-namespace mount and
// device setup, and bridge/veth networking.
//
// The package is split between host-side code (Realize, Teardown) and
// code that runs inside the new namespaces (RunInit, RunNsenter),
// reached through hidden subcommands of the containerv binary.
package linux

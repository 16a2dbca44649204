// Package hcs realizes containers on Windows through the host compute
// service: native Windows containers from a windowsfilter layer chain,
// optionally Hyper-V isolated, and Linux containers hosted in a
// utility VM with an OCI bundle mapped into the guest. Endpoint
// attachment goes through the host network service.
//
// The compute service is consumed through the ComputeAPI capability
// set, resolved once at startup, so the rest of the package never
// binds to provider entry points by name.
package hcs

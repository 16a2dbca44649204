// Package oci prepares OCI runtime bundles for containerv.
//
// It covers two concerns: laying out the on-disk bundle
// (<runtime>/oci-bundle/{rootfs,config.json}) with its standard
// mountpoints and /etc files, and emitting the runtime-spec config
// document from a BuildParams value. The emitted document pins
// ociVersion 1.0.2 and the fixed mount, device, masked-path, and
// readonly-path tables the utility VM guest expects.
package oci

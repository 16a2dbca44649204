// Package types contains the shared data structures used across the
// containerv packages: layer declarations, resource limits, security
// policy, and lifecycle states.
package types

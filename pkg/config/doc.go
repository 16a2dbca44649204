// Package config loads the YAML client configuration consumed by the
// containerv command line tools.
package config

//go:build !linux

package main

import "github.com/spf13/cobra"

// addPlatformCommands has nothing to add outside Linux; the HCS
// backends need no re-exec helpers.
func addPlatformCommands(root *cobra.Command) {}

//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chefbuild/containerv/pkg/linux"
)

// addPlatformCommands registers the hidden re-exec entry points the
// Linux backend spawns: "init" runs inside the fresh namespaces and
// "nsenter" joins an existing container to exec a command.
func addPlatformCommands(root *cobra.Command) {
	root.AddCommand(initCmd)
	root.AddCommand(nsenterCmd)
}

var initCmd = &cobra.Command{
	Use:    "init",
	Short:  "Internal: container namespace anchor",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := linux.ReadInitConfig(os.Stdin)
		if err != nil {
			return err
		}
		return linux.RunInit(cfg)
	},
}

var nsenterCmd = &cobra.Command{
	Use:    "nsenter",
	Short:  "Internal: run a command inside a container",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, _ := cmd.Flags().GetInt("pid")
		cwd, _ := cmd.Flags().GetString("cwd")
		env, _ := cmd.Flags().GetStringArray("env")
		if pid <= 0 {
			return fmt.Errorf("nsenter: --pid is required")
		}
		return linux.RunNsenter(pid, cwd, args, env)
	},
}

func init() {
	nsenterCmd.Flags().Int("pid", 0, "Pid of the container's init anchor")
	nsenterCmd.Flags().String("cwd", "", "Working directory inside the container")
	nsenterCmd.Flags().StringArray("env", nil, "Environment entry KEY=VALUE (repeatable)")
	nsenterCmd.Flags().SetInterspersed(false)
}

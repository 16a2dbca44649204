package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chefbuild/containerv/pkg/agent"
	"github.com/chefbuild/containerv/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pid1d",
	Short: "pid1d - in-guest supervisor agent",
	Long: `pid1d runs as the supervisor agent inside a container guest. It
serves the line-delimited JSON protocol on stdio: the host writes one
request per line and reads one response per line, in order.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel, _ := cmd.Flags().GetString("log-level")
		log.Init(log.Config{
			Level:      log.Level(logLevel),
			JSONOutput: true,
			Output:     os.Stderr,
		})

		server := agent.NewServer()
		return server.Serve(os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.Flags().String("log-level", "warn", "Log level (debug, info, warn, error)")
}

// Package cmd implements the ov CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ov",
	Short: "Overstory multi-agent orchestration",
	Long: `Overstory coordinates a fleet of coding agents: durable sessions,
inter-agent mail, out-of-band wake nudges, and a watchdog that
escalates or terminates stalled agents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

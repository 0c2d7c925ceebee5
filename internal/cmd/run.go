package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage the current-run pointer",
}

var runSetCmd = &cobra.Command{
	Use:   "set <run-id>",
	Short: "Mark a run as current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.runs.SetCurrentRun(args[0]); err != nil {
			return err
		}
		fmt.Printf("Current run: %s\n", args[0])
		return nil
	},
}

var runShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current run id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.runs.CurrentRun()
		if err != nil {
			return err
		}
		if id == "" {
			fmt.Println("No current run.")
			return nil
		}
		fmt.Println(id)
		return nil
	},
}

var runClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the current-run pointer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.runs.ClearCurrentRun()
	},
}

func init() {
	runCmd.AddCommand(runSetCmd, runShowCmd, runClearCmd)
	rootCmd.AddCommand(runCmd)
}

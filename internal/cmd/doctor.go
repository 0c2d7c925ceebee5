package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/doctor"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/workspace"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the project's environment and state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspace.FindFromCwd()
		if err != nil {
			return fmt.Errorf("not inside an Overstory project (missing %s): %w",
				workspace.Marker, err)
		}

		ctx := &doctor.Context{
			Root:     root,
			StateDir: workspace.StateDir(root),
			Cfg:      config.Default(),
		}
		results, failed := doctor.RunAll(ctx, doctor.AllChecks())

		for _, r := range results {
			fmt.Printf("%s %s: %s\n", statusGlyph(r.Status), style.Bold.Render(r.Name), r.Message)
			for _, d := range r.Details {
				fmt.Printf("    %s\n", style.Dim.Render(d))
			}
			if r.FixHint != "" {
				fmt.Printf("    %s\n", style.Warning.Render("fix: "+r.FixHint))
			}
		}
		if failed {
			return fmt.Errorf("doctor found problems")
		}
		return nil
	},
}

func statusGlyph(s doctor.Status) string {
	switch s {
	case doctor.StatusOK:
		return style.Success.Render("✓")
	case doctor.StatusWarning:
		return style.Warning.Render("!")
	default:
		return style.Danger.Render("✗")
	}
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/nudge"
)

var (
	nudgeMessage string
	nudgeForce   bool
)

var nudgeCmd = &cobra.Command{
	Use:   "nudge <agent>",
	Short: "Leave a wake-up marker for an agent",
	Long: `Leave a pending-nudge marker for an agent. The marker wakes a
long-polling mail wait and prompts the agent to check its inbox. Nudges
are debounced against the recipient's recent mail checks unless --force
is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res := a.sender.Nudge(args[0], nudge.Marker{
			From:    detectSender(),
			Reason:  "manual",
			Subject: nudgeMessage,
		}, nudgeForce)
		if res.Delivered {
			fmt.Printf("Nudged %s\n", args[0])
		} else {
			fmt.Printf("Nudge suppressed: %s\n", res.Reason)
		}
		return nil
	},
}

func init() {
	nudgeCmd.Flags().StringVarP(&nudgeMessage, "message", "m", "", "note shown to the agent")
	nudgeCmd.Flags().BoolVarP(&nudgeForce, "force", "f", false, "bypass the debounce window")
	rootCmd.AddCommand(nudgeCmd)
}

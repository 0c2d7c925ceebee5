package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/tui/feed"
)

var feedBacklog int

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Follow the live event feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tailer, err := feed.NewTailer(a.eventLog.Path(), feedBacklog)
		if err != nil {
			return err
		}
		defer func() { _ = tailer.Close() }()

		p := tea.NewProgram(feed.NewModel(tailer), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("running feed: %w", err)
		}
		return nil
	},
}

func init() {
	feedCmd.Flags().IntVar(&feedBacklog, "backlog", 50, "events to replay on start")
	rootCmd.AddCommand(feedCmd)
}

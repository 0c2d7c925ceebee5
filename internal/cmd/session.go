package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/session"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage agent sessions",
}

var (
	sessionListAll  bool
	sessionListJSON bool
)

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var sessions []*session.Session
		if sessionListAll {
			sessions, err = a.sessions.GetAll()
		} else {
			sessions, err = a.sessions.GetActive()
		}
		if err != nil {
			return err
		}
		if sessionListJSON {
			return json.NewEncoder(os.Stdout).Encode(sessions)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}

		t := style.NewTable(
			style.Column{Name: "AGENT", Width: 18},
			style.Column{Name: "CAPABILITY", Width: 12},
			style.Column{Name: "STATE", Width: 10},
			style.Column{Name: "RUN", Width: 12},
			style.Column{Name: "ESC", Width: 4, Align: style.AlignRight},
			style.Column{Name: "LAST ACTIVITY", Width: 14},
		)
		now := time.Now()
		for _, s := range sessions {
			t.AddRow(s.AgentName, string(s.Capability), style.State(string(s.State)),
				s.RunID, escalationCell(s), formatAge(now.Sub(s.LastActivity)))
		}
		fmt.Print(t.Render())
		return nil
	},
}

var sessionRegisterCmd = &cobra.Command{
	Use:   "register <agent> <capability>",
	Short: "Register or replace a session record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if !session.IsValidCapability(args[1]) {
			return fmt.Errorf("unknown capability %q", args[1])
		}
		now := time.Now()
		s := &session.Session{
			AgentName:    args[0],
			Capability:   session.Capability(args[1]),
			TmuxSession:  sessionRegisterTmux,
			State:        session.StateBooting,
			RunID:        sessionRegisterRun,
			StartedAt:    now,
			LastActivity: now,
		}
		if err := a.sessions.Upsert(s); err != nil {
			return err
		}
		fmt.Printf("Registered %s (%s)\n", s.AgentName, s.Capability)
		return nil
	},
}

var (
	sessionRegisterTmux string
	sessionRegisterRun  string
)

var sessionStateCmd = &cobra.Command{
	Use:   "state <agent> <state>",
	Short: "Set a session's lifecycle state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if !session.IsValidState(args[1]) {
			return fmt.Errorf("unknown state %q", args[1])
		}
		if err := a.sessions.UpdateState(args[0], session.State(args[1])); err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", args[0], style.State(args[1]))
		return nil
	},
}

var sessionHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Record activity for the calling agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.sessions.TouchActivity(detectSender(), time.Now())
	},
}

var sessionMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "List recorded per-session outcome metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		metrics, err := store.OpenMetricsStore(a.stateDir)
		if err != nil {
			return err
		}
		defer metrics.Close()

		rows, err := metrics.List(100)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No metrics recorded.")
			return nil
		}
		t := style.NewTable(
			style.Column{Name: "AGENT", Width: 18},
			style.Column{Name: "CAPABILITY", Width: 12},
			style.Column{Name: "RUN", Width: 12},
			style.Column{Name: "FINAL", Width: 10},
			style.Column{Name: "REASON", Width: 32},
		)
		for _, m := range rows {
			t.AddRow(m.AgentName, m.Capability, m.RunID,
				style.State(m.FinalState), m.Reason)
		}
		fmt.Print(t.Render())
		return nil
	},
}

func escalationCell(s *session.Session) string {
	if s.EscalationLevel == 0 && s.StalledSince == nil {
		return ""
	}
	return fmt.Sprintf("%d", s.EscalationLevel)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%.1fh ago", d.Hours())
	}
}

func init() {
	sessionListCmd.Flags().BoolVarP(&sessionListAll, "all", "a", false, "include terminal sessions")
	sessionListCmd.Flags().BoolVar(&sessionListJSON, "json", false, "JSON output")

	sessionRegisterCmd.Flags().StringVar(&sessionRegisterTmux, "tmux", "", "tmux session name")
	sessionRegisterCmd.Flags().StringVar(&sessionRegisterRun, "run", "", "run id")

	sessionCmd.AddCommand(sessionListCmd, sessionRegisterCmd, sessionStateCmd,
		sessionHeartbeatCmd, sessionMetricsCmd)
	rootCmd.AddCommand(sessionCmd)
}

package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/session"
	"github.com/overstory-ai/overstory/internal/tmux"
	"github.com/overstory-ai/overstory/internal/util"
)

// strippedEnvVars are removed before spawning an agent terminal. They mark
// a nested-agent context; a freshly spawned agent must not inherit them.
var strippedEnvVars = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"}

var (
	terminalStartDir        string
	terminalStartRun        string
	terminalStartCapability string
)

var terminalStartCmd = &cobra.Command{
	Use:   "terminal-start <agent> -- <command> [args...]",
	Short: "Spawn an agent's terminal session and register it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		agent := args[0]
		command := strings.Join(args[1:], " ")

		if !session.IsValidCapability(terminalStartCapability) {
			return fmt.Errorf("unknown capability %q", terminalStartCapability)
		}

		for _, v := range strippedEnvVars {
			_ = os.Unsetenv(v)
		}

		t := tmux.NewTmux()
		if !t.IsAvailable() {
			return fmt.Errorf("tmux is not installed")
		}

		name := tmux.SessionName(agent)
		workDir := util.ExpandHome(terminalStartDir)
		if workDir == "" {
			workDir = a.root
		}
		fullCommand := fmt.Sprintf("OVERSTORY_AGENT=%s %s", util.SanitizeName(agent), command)
		if err := t.NewSessionWithCommand(name, workDir, fullCommand); err != nil {
			return err
		}

		now := time.Now()
		s := &session.Session{
			AgentName:    agent,
			Capability:   session.Capability(terminalStartCapability),
			WorktreePath: workDir,
			TmuxSession:  name,
			State:        session.StateBooting,
			RunID:        terminalStartRun,
			StartedAt:    now,
			LastActivity: now,
		}
		if pid, err := t.PanePID(name); err == nil {
			s.PID = &pid
		}
		if err := a.sessions.Upsert(s); err != nil {
			return err
		}

		fmt.Printf("Started %s in tmux session %s\n", agent, name)
		return nil
	},
}

func init() {
	terminalStartCmd.Flags().StringVar(&terminalStartDir, "dir", "", "working directory (default project root)")
	terminalStartCmd.Flags().StringVar(&terminalStartRun, "run", "", "run id to attach the session to")
	terminalStartCmd.Flags().StringVar(&terminalStartCapability, "capability", "coordinator", "agent capability")
	rootCmd.AddCommand(terminalStartCmd)
}

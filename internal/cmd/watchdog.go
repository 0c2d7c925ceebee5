package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/beads"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/mulch"
	"github.com/overstory-ai/overstory/internal/session"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/tmux"
	"github.com/overstory-ai/overstory/internal/triage"
	"github.com/overstory-ai/overstory/internal/util"
	"github.com/overstory-ai/overstory/internal/watchdog"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Run the session health reconciler",
}

var watchdogVerbose bool

var watchdogRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Tick periodically until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		w, metrics, err := buildWatchdog(a)
		if err != nil {
			return err
		}
		defer metrics.Close()

		ctx, cancel := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("Watchdog running (interval %s). Ctrl-C to stop.\n",
			a.cfg.Watchdog.Interval.Duration)
		w.Run(ctx)
		fmt.Println("Watchdog stopped.")
		return nil
	},
}

var watchdogTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one health pass and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		w, metrics, err := buildWatchdog(a)
		if err != nil {
			return err
		}
		defer metrics.Close()

		w.Tick(cmd.Context())
		return nil
	},
}

// buildWatchdog wires the reconciler over the real collaborators. The
// returned metrics store must be closed by the caller.
func buildWatchdog(a *app) (*watchdog.Watchdog, *store.MetricsStore, error) {
	metrics, err := store.OpenMetricsStore(a.stateDir)
	if err != nil {
		return nil, nil, err
	}

	var triager triage.Triager
	if a.cfg.Watchdog.AITriage {
		command := a.cfg.Watchdog.TriageCommand
		triager = triage.NewRunner(func(ctx context.Context, workDir string, args ...string) (string, error) {
			return util.ExecWithOutput(ctx, workDir, command, args...)
		})
	}

	var recorder mulch.Recorder = mulch.Discard{}
	if mulch.Available(a.root) {
		recorder = mulch.NewRecorder(a.root)
	}

	w := watchdog.New(
		a.sessions,
		tmux.NewTmux(),
		beads.NewClient(a.root),
		&brokerMailer{broker: a.broker, db: a.mailDB},
		a.sender,
		triager,
		recorder,
		a.runs,
		a.eventLog,
		metrics,
		a.cfg.Watchdog,
	)
	if watchdogVerbose {
		w.OnHealthCheck = printHealthCheck
	}
	return w, metrics, nil
}

// brokerMailer adapts the broker plus the raw store to the watchdog's
// Mailer interface. Sends go through the broker so the usual auto-nudge
// and event side effects apply.
type brokerMailer struct {
	broker *mail.Broker
	db     *store.MailStore
}

func (m *brokerMailer) Send(req mail.SendRequest) ([]string, error) {
	return m.broker.Send(req)
}

func (m *brokerMailer) CountUnread(agent string) (int, error) {
	return m.db.CountUnread(agent)
}

func printHealthCheck(s *session.Session, ev watchdog.Evaluation) {
	if ev.Action == watchdog.ActionNone && ev.NewState == s.State {
		return
	}
	fmt.Printf("%s %s: action=%s state=%s",
		style.Dim.Render("check"), s.AgentName, ev.Action, style.State(string(ev.NewState)))
	if ev.ReconciliationNote != "" {
		fmt.Printf(" (%s)", ev.ReconciliationNote)
	}
	fmt.Println()
}

func init() {
	watchdogCmd.PersistentFlags().BoolVarP(&watchdogVerbose, "verbose", "v", false,
		"print every state change")
	watchdogCmd.AddCommand(watchdogRunCmd, watchdogTickCmd)
	rootCmd.AddCommand(watchdogCmd)
}

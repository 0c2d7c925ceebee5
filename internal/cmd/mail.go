package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/mailwait"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/util"
)

var mailCmd = &cobra.Command{
	Use:   "mail",
	Short: "Send, check, and inspect inter-agent mail",
}

var (
	mailSendSubject  string
	mailSendBody     string
	mailSendPriority string
	mailSendType     string
	mailSendThread   string
	mailSendPayload  string
	mailSendFrom     string
)

var mailSendCmd = &cobra.Command{
	Use:   "send <recipient>",
	Short: "Send a message to an agent or @group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		from := mailSendFrom
		if from == "" {
			from = detectSender()
		}
		ids, err := a.broker.Send(mail.SendRequest{
			From:     from,
			To:       args[0],
			Subject:  mailSendSubject,
			Body:     mailSendBody,
			Priority: mail.Priority(mailSendPriority),
			Type:     mail.Type(mailSendType),
			ThreadID: mailSendThread,
			Payload:  mailSendPayload,
		})
		if err != nil {
			return err
		}
		if len(ids) == 1 {
			fmt.Printf("Sent %s to %s\n", ids[0], args[0])
		} else {
			fmt.Printf("Sent %d messages to %s\n", len(ids), args[0])
		}
		return nil
	},
}

var mailCheckJSON bool

var mailCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Fetch and consume unread mail for the calling agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		agent := detectSender()
		msgs, err := a.broker.Check(agent)
		if err != nil {
			return err
		}
		if mailCheckJSON {
			return json.NewEncoder(os.Stdout).Encode(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No new mail.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var (
	mailListFrom   string
	mailListTo     string
	mailListAgent  string
	mailListUnread bool
	mailListLimit  int
)

var mailListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mail without marking anything read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		msgs, err := a.mailDB.List(store.ListFilter{
			From:       mailListFrom,
			To:         mailListTo,
			Agent:      mailListAgent,
			UnreadOnly: mailListUnread,
			Limit:      mailListLimit,
		})
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No mail.")
			return nil
		}

		t := style.NewTable(
			style.Column{Name: "ID", Width: 10},
			style.Column{Name: "FROM", Width: 14},
			style.Column{Name: "TO", Width: 14},
			style.Column{Name: "PRI", Width: 7},
			style.Column{Name: "TYPE", Width: 12},
			style.Column{Name: "READ", Width: 5},
			style.Column{Name: "SUBJECT", Width: 36},
		)
		for _, m := range msgs {
			read := ""
			if m.Read {
				read = "yes"
			}
			t.AddRow(m.ID, m.From, m.To, style.Priority(string(m.Priority)),
				string(m.Type), read, m.Subject)
		}
		fmt.Print(t.Render())
		return nil
	},
}

var (
	mailReplyBody     string
	mailReplyPriority string
)

var mailReplyCmd = &cobra.Command{
	Use:   "reply <message-id>",
	Short: "Reply to a message, preserving its thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.broker.Reply(detectSender(), args[0], mailReplyBody,
			mail.Priority(mailReplyPriority))
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s\n", id)
		return nil
	},
}

var (
	mailPurgeAll       bool
	mailPurgeOlderThan time.Duration
	mailPurgeAgent     string
)

var mailPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete mail matching a selector",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		opts := store.PurgeOptions{All: mailPurgeAll, Agent: mailPurgeAgent}
		if mailPurgeOlderThan > 0 {
			cutoff := time.Now().Add(-mailPurgeOlderThan)
			opts.OlderThan = &cutoff
		}
		n, err := a.mailDB.Purge(opts)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d message(s)\n", n)
		return nil
	},
}

var (
	mailWaitTimeout    time.Duration
	mailWaitCancelFile string
	mailWaitJSON       bool
)

var mailWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Block until mail arrives, a nudge wakes you, or the timeout elapses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if !cmd.Flags().Changed("timeout") {
			mailWaitTimeout = a.cfg.Mail.WaitTimeout.Duration
		}

		agent := detectSender()
		wake := false
		if s, err := a.sessions.GetByName(agent); err == nil {
			wake = s.Capability.WakesOnNudge()
		}

		waiter := mailwait.NewWaiter(a.mailDB, a.sessions, a.markers)
		res := waiter.Wait(agent, mailwait.Options{
			Timeout:            mailWaitTimeout,
			InitialPoll:        a.cfg.Mail.InitialPoll.Duration,
			MaxPoll:            a.cfg.Mail.MaxPoll.Duration,
			Backoff:            a.cfg.Mail.Backoff,
			CancelFile:         util.ExpandHome(mailWaitCancelFile),
			WakeOnPendingNudge: wake,
		})

		if mailWaitJSON {
			return json.NewEncoder(os.Stdout).Encode(res)
		}
		switch res.Status {
		case mailwait.StatusMessage:
			for _, m := range res.Messages {
				printMessage(m)
			}
		case mailwait.StatusNudged:
			fmt.Printf("Nudged by %s: %s\n", res.Nudge.From, res.Nudge.Subject)
		case mailwait.StatusCancelled:
			fmt.Println("Wait cancelled.")
		default:
			fmt.Printf("No mail after %s.\n", res.Elapsed.Round(time.Second))
		}
		return nil
	},
}

func printMessage(m *mail.Message) {
	fmt.Printf("%s %s  %s -> %s  [%s/%s]\n",
		style.Bold.Render(m.ID),
		style.Dim.Render(m.CreatedAt.Local().Format("15:04:05")),
		m.From, m.To, style.Priority(string(m.Priority)), m.Type)
	if m.Subject != "" {
		fmt.Printf("  %s\n", style.Bold.Render(m.Subject))
	}
	if m.Body != "" {
		for _, line := range strings.Split(m.Body, "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
}

func init() {
	mailSendCmd.Flags().StringVarP(&mailSendSubject, "subject", "s", "", "message subject")
	mailSendCmd.Flags().StringVarP(&mailSendBody, "message", "m", "", "message body")
	mailSendCmd.Flags().StringVarP(&mailSendPriority, "priority", "p", "normal", "low|normal|high|urgent")
	mailSendCmd.Flags().StringVarP(&mailSendType, "type", "t", "status", "message type")
	mailSendCmd.Flags().StringVar(&mailSendThread, "thread", "", "thread id to attach to")
	mailSendCmd.Flags().StringVar(&mailSendPayload, "payload", "", "opaque payload (JSON)")
	mailSendCmd.Flags().StringVar(&mailSendFrom, "from", "", "override sender identity")

	mailCheckCmd.Flags().BoolVar(&mailCheckJSON, "json", false, "JSON output")

	mailListCmd.Flags().StringVar(&mailListFrom, "from", "", "filter by sender")
	mailListCmd.Flags().StringVar(&mailListTo, "to", "", "filter by recipient")
	mailListCmd.Flags().StringVar(&mailListAgent, "agent", "", "filter by either endpoint")
	mailListCmd.Flags().BoolVar(&mailListUnread, "unread", false, "unread only")
	mailListCmd.Flags().IntVar(&mailListLimit, "limit", 50, "max rows")

	mailReplyCmd.Flags().StringVarP(&mailReplyBody, "message", "m", "", "reply body")
	mailReplyCmd.Flags().StringVarP(&mailReplyPriority, "priority", "p", "normal", "low|normal|high|urgent")

	mailPurgeCmd.Flags().BoolVar(&mailPurgeAll, "all", false, "delete everything")
	mailPurgeCmd.Flags().DurationVar(&mailPurgeOlderThan, "older-than", 0, "delete mail older than this")
	mailPurgeCmd.Flags().StringVar(&mailPurgeAgent, "agent", "", "delete mail touching this agent")

	mailWaitCmd.Flags().DurationVar(&mailWaitTimeout, "timeout", 5*time.Minute, "give up after this long")
	mailWaitCmd.Flags().StringVar(&mailWaitCancelFile, "cancel-file", "", "abort the wait as soon as this file exists")
	mailWaitCmd.Flags().BoolVar(&mailWaitJSON, "json", false, "JSON output")

	mailCmd.AddCommand(mailSendCmd, mailCheckCmd, mailListCmd, mailReplyCmd,
		mailPurgeCmd, mailWaitCmd)
	rootCmd.AddCommand(mailCmd)
}

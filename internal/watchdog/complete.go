package watchdog

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/overstory-ai/overstory/internal/events"
	"github.com/overstory-ai/overstory/internal/logx"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/nudge"
	"github.com/overstory-ai/overstory/internal/session"
)

var titleCaser = cases.Title(language.English)

// checkRunCompletion fires exactly one notification to the coordinator
// when every non-persistent worker in the active run has completed. The
// dedup marker is the only hard once-only boundary; everything after it
// is best-effort.
func (w *Watchdog) checkRunCompletion() {
	if w.runs == nil {
		return
	}
	runID, err := w.runs.CurrentRun()
	if err != nil || runID == "" {
		return
	}

	sessions, err := w.sessions.GetByRun(runID)
	if err != nil {
		logx.ErrorErr(logx.CatWatchdog, "loading run sessions", err, "run", runID)
		return
	}

	var workers []*session.Session
	for _, s := range sessions {
		if !s.Capability.IsPersistent() {
			workers = append(workers, s)
		}
	}
	if len(workers) == 0 {
		return
	}
	for _, s := range workers {
		if s.State != session.StateCompleted {
			return
		}
	}

	if w.runs.CompletionNotified(runID) {
		return
	}

	body := completionMessage(runID, workers)
	subject := "run complete: " + runID
	ids, err := w.mailer.Send(mail.SendRequest{
		From:     "watchdog",
		To:       "coordinator",
		Subject:  subject,
		Body:     body,
		Priority: mail.PriorityHigh,
		Type:     mail.TypeWorkerDone,
	})
	if err != nil {
		logx.ErrorErr(logx.CatWatchdog, "sending run-complete mail", err, "run", runID)
	}
	// The broker's auto-nudge is debounced; the completion wake must land
	// even if the coordinator checked mail moments ago.
	messageID := ""
	if len(ids) > 0 {
		messageID = ids[0]
	}
	res := w.nudger.Nudge("coordinator", nudge.Marker{
		From:      "watchdog",
		Reason:    "run_complete",
		Subject:   subject,
		MessageID: messageID,
	}, true)
	if !res.Delivered {
		logx.Warn(logx.CatWatchdog, "run-complete nudge not delivered",
			"run", runID, "reason", res.Reason)
	}
	if w.eventLog != nil {
		err := w.eventLog.Append(events.Event{
			RunID:     runID,
			AgentName: "watchdog",
			EventType: "run_complete",
			Level:     events.LevelInfo,
			Data:      fmt.Sprintf("workers=%d", len(workers)),
		})
		if err != nil {
			logx.ErrorErr(logx.CatWatchdog, "emitting run-complete event", err)
		}
	}
	if err := w.runs.MarkCompletionNotified(runID); err != nil {
		logx.ErrorErr(logx.CatWatchdog, "writing run-complete marker", err, "run", runID)
	}
	logx.Info(logx.CatWatchdog, "run complete", "run", runID, "workers", len(workers))
}

// completionMessage builds the phase-aware summary: a capability-specific
// line when the whole run was one capability, otherwise a sorted
// breakdown.
func completionMessage(runID string, workers []*session.Session) string {
	counts := map[string]int{}
	for _, s := range workers {
		counts[string(s.Capability)]++
	}

	if len(counts) == 1 {
		for capability, n := range counts {
			return fmt.Sprintf("%s phase complete: all %d %s agent(s) in run %s have finished. Review their results and decide next steps.",
				titleCaser.String(capability), n, capability, runID)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s complete: all %d workers have finished.\n", runID, len(workers))
	b.WriteString("Breakdown:\n")
	for _, capability := range sortedCapabilities(counts) {
		fmt.Fprintf(&b, "  %s: %d\n", capability, counts[capability])
	}
	b.WriteString("Review their results and decide next steps.")
	return b.String()
}

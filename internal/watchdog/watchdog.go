// Package watchdog runs the periodic reconciler: every tick it compares
// each session's recorded state against observable reality (terminal
// liveness, tracker status, activity age) and drives unhealthy sessions
// through a progressive escalation ladder ending in recovery or forced
// termination. Every external failure is swallowed fail-open; the next
// tick retries.
package watchdog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/overstory-ai/overstory/internal/beads"
	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/events"
	"github.com/overstory-ai/overstory/internal/logx"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/mulch"
	"github.com/overstory-ai/overstory/internal/nudge"
	"github.com/overstory-ai/overstory/internal/session"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/triage"
	"github.com/overstory-ai/overstory/internal/util"
)

// failureDomain is the learning-store domain for agent failures.
const failureDomain = "orchestration-failures"

// SessionStore is the slice of the session store the watchdog mutates.
type SessionStore interface {
	GetAll() ([]*session.Session, error)
	GetByRun(runID string) ([]*session.Session, error)
	UpdateState(name string, state session.State) error
	UpdateEscalation(name string, level int, stalledSince *time.Time) error
}

// Terminal probes and kills multiplexer sessions. Both operations must be
// safe against already-dead sessions.
type Terminal interface {
	IsSessionAlive(name string) bool
	KillSession(name string) error
}

// BeadChecker is the batched issue-tracker lookup.
type BeadChecker interface {
	Available() bool
	StatusBatch(ctx context.Context, ids []string) (map[string]string, error)
}

// Mailer sends watchdog mail through the normal broker path.
type Mailer interface {
	Send(req mail.SendRequest) ([]string, error)
	CountUnread(agent string) (int, error)
}

// RunTracker reads the current-run pointer and the completion dedup marker.
type RunTracker interface {
	CurrentRun() (string, error)
	CompletionNotified(runID string) bool
	MarkCompletionNotified(runID string) error
}

// EventLog receives structured watchdog events.
type EventLog interface {
	Append(ev events.Event) error
}

// MetricsRecorder captures terminated-session metrics.
type MetricsRecorder interface {
	Record(m store.SessionMetric) error
}

// Watchdog is the periodic health reconciler. All collaborators are
// injected; tests supply fakes.
type Watchdog struct {
	sessions SessionStore
	terminal Terminal
	beads    BeadChecker
	mailer   Mailer
	nudger   nudge.Sender
	triager  triage.Triager
	recorder mulch.Recorder
	runs     RunTracker
	eventLog EventLog
	metrics  MetricsRecorder

	cfg   config.WatchdogConfig
	clock util.Clock

	// OnHealthCheck surfaces every evaluation to the operator layer.
	OnHealthCheck func(s *session.Session, ev Evaluation)

	stop chan struct{}
	done chan struct{}
}

// New wires a watchdog. Nil triager disables AI triage regardless of
// configuration; nil metrics or eventLog disables those sinks.
func New(sessions SessionStore, terminal Terminal, beads BeadChecker, mailer Mailer,
	nudger nudge.Sender, triager triage.Triager, recorder mulch.Recorder,
	runs RunTracker, eventLog EventLog, metrics MetricsRecorder,
	cfg config.WatchdogConfig) *Watchdog {
	return &Watchdog{
		sessions: sessions,
		terminal: terminal,
		beads:    beads,
		mailer:   mailer,
		nudger:   nudger,
		triager:  triager,
		recorder: recorder,
		runs:     runs,
		eventLog: eventLog,
		metrics:  metrics,
		cfg:      cfg,
		clock:    util.RealClock{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks immediately, then every interval until Stop. Ticks never
// overlap: the next is scheduled only after the current one returns.
func (w *Watchdog) Run(ctx context.Context) {
	defer close(w.done)

	w.Tick(ctx)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.Interval.Duration):
			w.Tick(ctx)
		}
	}
}

// Stop cancels future ticks. An in-flight tick completes; Stop returns
// after the loop exits.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

// Tick runs one full reconciliation pass.
func (w *Watchdog) Tick(ctx context.Context) {
	sessions, err := w.sessions.GetAll()
	if err != nil {
		logx.ErrorErr(logx.CatWatchdog, "loading sessions", err)
		return
	}

	closedBeads := w.closedBeadSet(ctx, sessions)

	for _, s := range sessions {
		if s.State == session.StateCompleted {
			continue
		}
		w.evaluateSession(ctx, s, closedBeads)
	}

	w.checkRunCompletion()
}

// evaluateSession handles one session, recovering from panics so a
// malformed row can never take down the supervisor.
func (w *Watchdog) evaluateSession(ctx context.Context, s *session.Session, closedBeads map[string]bool) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error(logx.CatWatchdog, "panic evaluating session",
				"agent", s.AgentName, "panic", fmt.Sprint(r))
		}
	}()

	// Closed tracker ticket wins over everything: the work is done, so
	// the session is done. No liveness probe, no ladder.
	if s.BeadID != "" && closedBeads[s.BeadID] {
		w.completeForClosedBead(s)
		return
	}

	alive := w.terminal.IsSessionAlive(s.TmuxSession)
	now := w.clock.Now()
	ev := EvaluateHealth(s, alive, now, Thresholds{
		Stale:  w.cfg.StaleThreshold.Duration,
		Zombie: w.cfg.ZombieThreshold.Duration,
	})

	if ev.ReconciliationNote != "" {
		logx.Warn(logx.CatWatchdog, "reconciliation",
			"agent", s.AgentName, "note", ev.ReconciliationNote)
	}

	if ev.NewState != s.State {
		if err := w.sessions.UpdateState(s.AgentName, ev.NewState); err != nil {
			logx.ErrorErr(logx.CatWatchdog, "updating state", err, "agent", s.AgentName)
		}
	}

	if w.OnHealthCheck != nil {
		w.OnHealthCheck(s, ev)
	}

	switch ev.Action {
	case ActionTerminate:
		w.terminate(s, 0, "terminated: terminal process died", "")
	case ActionEscalate:
		w.escalate(ctx, s, ev, now)
	case ActionNone:
		// Recovery invariant: leaving the ladder clears its residue.
		if s.StalledSince != nil || s.EscalationLevel > 0 {
			if err := w.sessions.UpdateEscalation(s.AgentName, 0, nil); err != nil {
				logx.ErrorErr(logx.CatWatchdog, "clearing escalation", err, "agent", s.AgentName)
			}
			w.emit(s, "escalation_recovered", events.LevelInfo, "")
		}
	case ActionInvestigate:
		w.emit(s, "zombie_terminal_alive", events.LevelWarn, ev.ReconciliationNote)
	}
}

// escalate advances the session along the time-based ladder.
func (w *Watchdog) escalate(ctx context.Context, s *session.Session, ev Evaluation, now time.Time) {
	if s.StalledSince == nil {
		// First detection: anchor the ladder and extend the stall
		// courtesy of any unread mail.
		if err := w.sessions.UpdateEscalation(s.AgentName, 0, &now); err != nil {
			logx.ErrorErr(logx.CatWatchdog, "anchoring escalation", err, "agent", s.AgentName)
			return
		}
		w.emit(s, "agent_stalled", events.LevelWarn,
			fmt.Sprintf("state=%s", ev.NewState))
		w.firstStallInboxNudge(s)
		return
	}

	level := expectedEscalationLevel(now, *s.StalledSince, w.cfg.NudgeInterval.Duration)
	if level <= s.EscalationLevel {
		return
	}
	if err := w.sessions.UpdateEscalation(s.AgentName, level, s.StalledSince); err != nil {
		logx.ErrorErr(logx.CatWatchdog, "advancing escalation", err, "agent", s.AgentName)
		return
	}

	switch level {
	case 1:
		w.sendEscalationNudge(s, fmt.Sprintf(
			"You have been quiet for a while. Please send a status update (ov mail send %s ...).",
			"coordinator"))
		w.emit(s, "escalation_nudge", events.LevelWarn, "level=1")
	case 2:
		w.runTriage(ctx, s)
	default:
		w.terminate(s, 0, "progressive escalation reached terminal level", "")
	}
}

// firstStallInboxNudge tells a freshly-stalled agent about unread mail.
// Pre-level-1 courtesy; does not advance the ladder.
func (w *Watchdog) firstStallInboxNudge(s *session.Session) {
	n, err := w.mailer.CountUnread(s.AgentName)
	if err != nil || n == 0 {
		return
	}
	w.sendEscalationNudge(s, fmt.Sprintf(
		"You have %d unread message(s). Run `ov mail check` to read them.", n))
}

// sendEscalationNudge force-sends a low-priority status mail plus a
// forced wake marker, bypassing the debounce window.
func (w *Watchdog) sendEscalationNudge(s *session.Session, body string) {
	ids, err := w.mailer.Send(mail.SendRequest{
		From:     "watchdog",
		To:       s.AgentName,
		Subject:  "status check",
		Body:     body,
		Priority: mail.PriorityLow,
		Type:     mail.TypeStatus,
	})
	if err != nil {
		logx.ErrorErr(logx.CatWatchdog, "sending escalation mail", err, "agent", s.AgentName)
	}
	messageID := ""
	if len(ids) > 0 {
		messageID = ids[0]
	}
	res := w.nudger.Nudge(s.AgentName, nudge.Marker{
		From:      "watchdog",
		Reason:    "escalation",
		Subject:   "status check",
		MessageID: messageID,
	}, true)
	if !res.Delivered {
		logx.Warn(logx.CatWatchdog, "escalation nudge not delivered",
			"agent", s.AgentName, "reason", res.Reason)
	}
}

// runTriage consults the external reviewer at level 2. Triage errors and
// the extend verdict both leave the ladder to advance on its own.
func (w *Watchdog) runTriage(ctx context.Context, s *session.Session) {
	if !w.cfg.AITriage || w.triager == nil {
		return
	}
	verdict, err := w.triager.Triage(ctx, triage.Request{
		AgentName:    s.AgentName,
		ProjectRoot:  s.WorktreePath,
		LastActivity: s.LastActivity,
	})
	if err != nil {
		logx.ErrorErr(logx.CatWatchdog, "triage", err, "agent", s.AgentName)
		return
	}
	w.emit(s, "triage_verdict", events.LevelWarn, string(verdict))

	switch verdict {
	case triage.VerdictTerminate:
		w.terminate(s, 1, "terminated by triage verdict", string(verdict))
	case triage.VerdictRetry:
		w.sendEscalationNudge(s, "Triage suggests you retry your current task from the last known-good point.")
	case triage.VerdictExtend:
	}
}

// terminate kills the terminal, marks the session zombie, and records the
// failure. Idempotent: the kill tolerates dead sessions and the state
// write clears escalation residue.
func (w *Watchdog) terminate(s *session.Session, tier int, reason, triageSuggestion string) {
	if err := w.terminal.KillSession(s.TmuxSession); err != nil {
		logx.ErrorErr(logx.CatWatchdog, "killing session", err, "agent", s.AgentName)
	}
	if err := w.sessions.UpdateState(s.AgentName, session.StateZombie); err != nil {
		logx.ErrorErr(logx.CatWatchdog, "marking zombie", err, "agent", s.AgentName)
	}

	w.recorder.Record(failureDomain, mulch.Entry{
		Type:        "agent_failure",
		Description: fmt.Sprintf("%s: %s", s.AgentName, reason),
		Tags: []string{
			"agent:" + s.AgentName,
			"capability:" + string(s.Capability),
			fmt.Sprintf("tier:%d", tier),
			"suggestion:" + triageSuggestion,
		},
		EvidenceBead: s.BeadID,
	})

	if w.metrics != nil {
		err := w.metrics.Record(store.SessionMetric{
			AgentName:  s.AgentName,
			Capability: string(s.Capability),
			RunID:      s.RunID,
			StartedAt:  s.StartedAt,
			EndedAt:    w.clock.Now(),
			FinalState: string(session.StateZombie),
			Reason:     reason,
		})
		if err != nil {
			logx.ErrorErr(logx.CatWatchdog, "recording metrics", err, "agent", s.AgentName)
		}
	}

	w.emit(s, "agent_terminated", events.LevelError, reason)
	logx.Warn(logx.CatWatchdog, "terminated", "agent", s.AgentName, "reason", reason)
}

// completeForClosedBead force-completes a session whose tracker ticket
// closed underneath it.
func (w *Watchdog) completeForClosedBead(s *session.Session) {
	if err := w.sessions.UpdateState(s.AgentName, session.StateCompleted); err != nil {
		logx.ErrorErr(logx.CatWatchdog, "completing for closed bead", err, "agent", s.AgentName)
		return
	}
	w.emit(s, "bead_closed_autocomplete", events.LevelInfo, "bead="+s.BeadID)
}

// closedBeadSet batches one tracker lookup for every session carrying a
// bead id. Any failure yields the empty set: an unreachable tracker must
// never complete or kill agents.
func (w *Watchdog) closedBeadSet(ctx context.Context, sessions []*session.Session) map[string]bool {
	if w.beads == nil || !w.beads.Available() {
		return nil
	}
	var ids []string
	seen := map[string]bool{}
	for _, s := range sessions {
		if s.BeadID != "" && !seen[s.BeadID] {
			seen[s.BeadID] = true
			ids = append(ids, s.BeadID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	statuses, err := w.beads.StatusBatch(ctx, ids)
	if err != nil {
		logx.ErrorErr(logx.CatWatchdog, "bead status batch", err)
		return nil
	}
	closed := map[string]bool{}
	for id, status := range statuses {
		if beads.IsClosedStatus(status) {
			closed[id] = true
		}
	}
	return closed
}

func (w *Watchdog) emit(s *session.Session, eventType string, level events.Level, data string) {
	if w.eventLog == nil {
		return
	}
	err := w.eventLog.Append(events.Event{
		RunID:     s.RunID,
		AgentName: s.AgentName,
		SessionID: s.ID,
		EventType: eventType,
		Level:     level,
		Data:      data,
	})
	if err != nil {
		logx.ErrorErr(logx.CatWatchdog, "emitting event", err, "type", eventType)
	}
}

// sortedCapabilities returns a deterministic capability breakdown for the
// completion summary.
func sortedCapabilities(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

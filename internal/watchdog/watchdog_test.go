package watchdog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/events"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/mulch"
	"github.com/overstory-ai/overstory/internal/nudge"
	"github.com/overstory-ai/overstory/internal/session"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/triage"
)

// fakeClock lets tests move tick time explicitly.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

// fakeSessions is an in-memory SessionStore mirroring the real store's
// terminal-state cleanup semantics.
type fakeSessions struct {
	rows map[string]*session.Session
}

func newFakeSessions(sessions ...*session.Session) *fakeSessions {
	f := &fakeSessions{rows: map[string]*session.Session{}}
	for _, s := range sessions {
		cp := *s
		f.rows[s.AgentName] = &cp
	}
	return f
}

func (f *fakeSessions) GetAll() ([]*session.Session, error) {
	var out []*session.Session
	for _, s := range f.rows {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSessions) GetByRun(runID string) ([]*session.Session, error) {
	var out []*session.Session
	for _, s := range f.rows {
		if s.RunID == runID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessions) UpdateState(name string, state session.State) error {
	s, ok := f.rows[name]
	if !ok {
		return errors.New("no such session")
	}
	s.State = state
	if state.IsTerminal() {
		s.EscalationLevel = 0
		s.StalledSince = nil
	}
	return nil
}

func (f *fakeSessions) UpdateEscalation(name string, level int, since *time.Time) error {
	s, ok := f.rows[name]
	if !ok {
		return errors.New("no such session")
	}
	s.EscalationLevel = level
	if since == nil {
		s.StalledSince = nil
	} else {
		t := *since
		s.StalledSince = &t
	}
	return nil
}

type fakeTerminal struct {
	alive  map[string]bool
	killed []string
}

func (f *fakeTerminal) IsSessionAlive(name string) bool { return f.alive[name] }

func (f *fakeTerminal) KillSession(name string) error {
	f.killed = append(f.killed, name)
	return nil
}

type fakeBeads struct {
	statuses map[string]string
	err      error
	calls    int
}

func (f *fakeBeads) Available() bool { return f.statuses != nil || f.err != nil }

func (f *fakeBeads) StatusBatch(_ context.Context, ids []string) (map[string]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, id := range ids {
		if s, ok := f.statuses[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

type fakeMailer struct {
	sent   []mail.SendRequest
	unread map[string]int
}

func (f *fakeMailer) Send(req mail.SendRequest) ([]string, error) {
	f.sent = append(f.sent, req)
	return []string{mail.NewMessageID()}, nil
}

func (f *fakeMailer) CountUnread(agent string) (int, error) {
	return f.unread[agent], nil
}

type fakeNudger struct {
	nudged []string
	forced []bool
}

func (f *fakeNudger) Nudge(agent string, _ nudge.Marker, force bool) nudge.Result {
	f.nudged = append(f.nudged, agent)
	f.forced = append(f.forced, force)
	return nudge.Result{Delivered: true}
}

type fakeTriager struct {
	verdict triage.Verdict
	calls   int
}

func (f *fakeTriager) Triage(context.Context, triage.Request) (triage.Verdict, error) {
	f.calls++
	return f.verdict, nil
}

type fakeRecorder struct {
	entries []mulch.Entry
}

func (f *fakeRecorder) Record(_ string, e mulch.Entry) {
	f.entries = append(f.entries, e)
}

type fakeRuns struct {
	current  string
	notified string
}

func (f *fakeRuns) CurrentRun() (string, error) { return f.current, nil }

func (f *fakeRuns) CompletionNotified(runID string) bool { return f.notified == runID }

func (f *fakeRuns) MarkCompletionNotified(runID string) error {
	f.notified = runID
	return nil
}

type fakeEvents struct {
	appended []events.Event
}

func (f *fakeEvents) Append(ev events.Event) error {
	f.appended = append(f.appended, ev)
	return nil
}

func (f *fakeEvents) byType(eventType string) []events.Event {
	var out []events.Event
	for _, ev := range f.appended {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeMetrics struct {
	recorded []store.SessionMetric
}

func (f *fakeMetrics) Record(m store.SessionMetric) error {
	f.recorded = append(f.recorded, m)
	return nil
}

type harness struct {
	w        *Watchdog
	clock    *fakeClock
	sessions *fakeSessions
	terminal *fakeTerminal
	beads    *fakeBeads
	mailer   *fakeMailer
	nudger   *fakeNudger
	triager  *fakeTriager
	recorder *fakeRecorder
	runs     *fakeRuns
	events   *fakeEvents
	metrics  *fakeMetrics
}

func defaultConfig() config.WatchdogConfig {
	return config.WatchdogConfig{
		Interval:        config.Duration{Duration: 30 * time.Second},
		StaleThreshold:  config.Duration{Duration: 5 * time.Minute},
		ZombieThreshold: config.Duration{Duration: 20 * time.Minute},
		NudgeInterval:   config.Duration{Duration: time.Minute},
	}
}

func newHarness(cfg config.WatchdogConfig, sessions ...*session.Session) *harness {
	h := &harness{
		clock:    &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		sessions: newFakeSessions(sessions...),
		terminal: &fakeTerminal{alive: map[string]bool{}},
		beads:    &fakeBeads{},
		mailer:   &fakeMailer{unread: map[string]int{}},
		nudger:   &fakeNudger{},
		triager:  &fakeTriager{verdict: triage.VerdictExtend},
		recorder: &fakeRecorder{},
		runs:     &fakeRuns{},
		events:   &fakeEvents{},
		metrics:  &fakeMetrics{},
	}
	h.w = New(h.sessions, h.terminal, h.beads, h.mailer, h.nudger, h.triager,
		h.recorder, h.runs, h.events, h.metrics, cfg)
	h.w.clock = h.clock
	return h
}

func workerSession(name, tmux string, state session.State, lastActivity time.Time) *session.Session {
	return &session.Session{
		ID: "s-" + name, AgentName: name, Capability: session.CapBuilder,
		TmuxSession: tmux, State: state,
		StartedAt: lastActivity, LastActivity: lastActivity,
	}
}

func TestDeadTerminalTerminates(t *testing.T) {
	h := newHarness(defaultConfig())
	h.sessions = newFakeSessions(workerSession("b1", "ov-b1", session.StateWorking, h.clock.now))
	h.w.sessions = h.sessions
	// terminal-alive = false for ov-b1

	h.w.Tick(context.Background())

	got := h.sessions.rows["b1"]
	if got.State != session.StateZombie {
		t.Fatalf("state = %q, want zombie", got.State)
	}
	if got.EscalationLevel != 0 || got.StalledSince != nil {
		t.Errorf("escalation residue after terminal transition: level=%d since=%v",
			got.EscalationLevel, got.StalledSince)
	}
	if len(h.terminal.killed) != 1 {
		t.Errorf("killed = %v", h.terminal.killed)
	}
	if len(h.recorder.entries) != 1 {
		t.Fatalf("failure entries = %d, want 1", len(h.recorder.entries))
	}
	entry := h.recorder.entries[0]
	if !strings.Contains(entry.Description, "terminated") {
		t.Errorf("failure description = %q", entry.Description)
	}
	found := false
	for _, tag := range entry.Tags {
		if tag == "tier:0" {
			found = true
		}
	}
	if !found {
		t.Errorf("tier tag missing: %v", entry.Tags)
	}
	if len(h.metrics.recorded) != 1 {
		t.Errorf("metrics rows = %d, want 1", len(h.metrics.recorded))
	}
}

func TestStallNudgeTerminateLadder(t *testing.T) {
	cfg := defaultConfig()
	h := newHarness(cfg)
	start := h.clock.now
	h.sessions = newFakeSessions(
		workerSession("b1", "ov-b1", session.StateWorking, start.Add(-11*time.Minute)))
	h.w.sessions = h.sessions
	h.terminal.alive["ov-b1"] = true

	// t=0: stall detected, ladder anchored at level 0.
	h.w.Tick(context.Background())
	got := h.sessions.rows["b1"]
	if got.State != session.StateStalled {
		t.Fatalf("t=0 state = %q, want stalled", got.State)
	}
	if got.StalledSince == nil || !got.StalledSince.Equal(start) {
		t.Fatalf("t=0 stalledSince = %v, want %v", got.StalledSince, start)
	}
	if got.EscalationLevel != 0 {
		t.Fatalf("t=0 level = %d", got.EscalationLevel)
	}
	if len(h.nudger.nudged) != 0 {
		t.Fatalf("t=0 nudged %v, courtesy nudge needs unread mail", h.nudger.nudged)
	}

	// t=61s: level 1, nudge delivered with force.
	h.clock.now = start.Add(61 * time.Second)
	h.w.Tick(context.Background())
	got = h.sessions.rows["b1"]
	if got.EscalationLevel != 1 {
		t.Fatalf("t=61s level = %d, want 1", got.EscalationLevel)
	}
	if len(h.nudger.nudged) != 1 || !h.nudger.forced[0] {
		t.Fatalf("t=61s nudges = %v forced = %v", h.nudger.nudged, h.nudger.forced)
	}
	if len(h.mailer.sent) != 1 || h.mailer.sent[0].Priority != mail.PriorityLow {
		t.Fatalf("t=61s mail = %+v", h.mailer.sent)
	}

	// t=121s: level 2; triage disabled, so nothing else happens.
	h.clock.now = start.Add(121 * time.Second)
	h.w.Tick(context.Background())
	got = h.sessions.rows["b1"]
	if got.EscalationLevel != 2 {
		t.Fatalf("t=121s level = %d, want 2", got.EscalationLevel)
	}
	if h.triager.calls != 0 {
		t.Fatal("triage invoked while disabled")
	}
	if len(h.terminal.killed) != 0 {
		t.Fatal("terminated early")
	}

	// t=181s: level 3, terminate.
	h.clock.now = start.Add(181 * time.Second)
	h.w.Tick(context.Background())
	got = h.sessions.rows["b1"]
	if got.State != session.StateZombie {
		t.Fatalf("t=181s state = %q, want zombie", got.State)
	}
	if len(h.terminal.killed) != 1 {
		t.Fatalf("killed = %v", h.terminal.killed)
	}
	if len(h.recorder.entries) != 1 ||
		!strings.Contains(h.recorder.entries[0].Description, "progressive escalation") {
		t.Fatalf("failure entries = %+v", h.recorder.entries)
	}
}

func TestRecoveryClearsEscalation(t *testing.T) {
	h := newHarness(defaultConfig())
	start := h.clock.now
	h.sessions = newFakeSessions(
		workerSession("b1", "ov-b1", session.StateWorking, start.Add(-11*time.Minute)))
	h.w.sessions = h.sessions
	h.terminal.alive["ov-b1"] = true

	h.w.Tick(context.Background())
	if h.sessions.rows["b1"].State != session.StateStalled {
		t.Fatal("setup: expected stall")
	}

	// Agent wakes up before the next tick.
	h.clock.now = start.Add(30 * time.Second)
	h.sessions.rows["b1"].LastActivity = h.clock.now

	h.w.Tick(context.Background())
	got := h.sessions.rows["b1"]
	if got.State != session.StateWorking {
		t.Fatalf("state = %q, want working", got.State)
	}
	if got.EscalationLevel != 0 || got.StalledSince != nil {
		t.Fatalf("escalation not reset: level=%d since=%v", got.EscalationLevel, got.StalledSince)
	}
	if len(h.events.byType("escalation_recovered")) != 1 {
		t.Error("recovery event missing")
	}
}

func TestFirstStallInboxCourtesyNudge(t *testing.T) {
	h := newHarness(defaultConfig())
	start := h.clock.now
	h.sessions = newFakeSessions(
		workerSession("b1", "ov-b1", session.StateWorking, start.Add(-6*time.Minute)))
	h.w.sessions = h.sessions
	h.terminal.alive["ov-b1"] = true
	h.mailer.unread["b1"] = 2

	h.w.Tick(context.Background())

	if len(h.mailer.sent) != 1 || !strings.Contains(h.mailer.sent[0].Body, "2 unread") {
		t.Fatalf("courtesy mail = %+v", h.mailer.sent)
	}
	if len(h.nudger.nudged) != 1 || !h.nudger.forced[0] {
		t.Fatalf("courtesy nudge = %v forced=%v", h.nudger.nudged, h.nudger.forced)
	}
	// The courtesy does not advance the ladder.
	if h.sessions.rows["b1"].EscalationLevel != 0 {
		t.Errorf("level = %d, want 0", h.sessions.rows["b1"].EscalationLevel)
	}
}

func TestTriageVerdicts(t *testing.T) {
	runToLevel2 := func(verdict triage.Verdict) *harness {
		cfg := defaultConfig()
		cfg.AITriage = true
		h := newHarness(cfg)
		start := h.clock.now
		h.sessions = newFakeSessions(
			workerSession("b1", "ov-b1", session.StateWorking, start.Add(-11*time.Minute)))
		h.w.sessions = h.sessions
		h.terminal.alive["ov-b1"] = true
		h.triager.verdict = verdict

		h.w.Tick(context.Background()) // anchor
		h.clock.now = start.Add(121 * time.Second)
		h.w.Tick(context.Background()) // jumps straight to level 2
		return h
	}

	t.Run("terminate", func(t *testing.T) {
		h := runToLevel2(triage.VerdictTerminate)
		if h.triager.calls != 1 {
			t.Fatalf("triage calls = %d", h.triager.calls)
		}
		if h.sessions.rows["b1"].State != session.StateZombie {
			t.Fatalf("state = %q", h.sessions.rows["b1"].State)
		}
		if len(h.recorder.entries) != 1 {
			t.Fatal("failure entry missing")
		}
		found := false
		for _, tag := range h.recorder.entries[0].Tags {
			if tag == "tier:1" {
				found = true
			}
		}
		if !found {
			t.Errorf("triage terminate should record tier 1: %v", h.recorder.entries[0].Tags)
		}
	})

	t.Run("retry nudges", func(t *testing.T) {
		h := runToLevel2(triage.VerdictRetry)
		if h.sessions.rows["b1"].State != session.StateStalled {
			t.Fatalf("state = %q, want still stalled", h.sessions.rows["b1"].State)
		}
		if len(h.nudger.nudged) != 1 {
			t.Fatalf("nudges = %v", h.nudger.nudged)
		}
	})

	t.Run("extend is a no-op", func(t *testing.T) {
		h := runToLevel2(triage.VerdictExtend)
		if h.sessions.rows["b1"].State != session.StateStalled {
			t.Fatalf("state = %q", h.sessions.rows["b1"].State)
		}
		if len(h.terminal.killed) != 0 || len(h.nudger.nudged) != 0 {
			t.Fatal("extend must not act")
		}
	})
}

func TestBeadAutoclose(t *testing.T) {
	h := newHarness(defaultConfig())
	s := workerSession("b1", "ov-b1", session.StateWorking, h.clock.now)
	s.BeadID = "xyz-1"
	h.sessions = newFakeSessions(s)
	h.w.sessions = h.sessions
	h.beads.statuses = map[string]string{"xyz-1": "closed"}
	// Terminal deliberately dead: autoclose must win without probing.

	h.w.Tick(context.Background())

	got := h.sessions.rows["b1"]
	if got.State != session.StateCompleted {
		t.Fatalf("state = %q, want completed", got.State)
	}
	if len(h.events.byType("bead_closed_autocomplete")) != 1 {
		t.Error("autocomplete event missing")
	}
	if len(h.terminal.killed) != 0 {
		t.Error("autoclosed session must not be terminated")
	}
	if h.beads.calls != 1 {
		t.Errorf("bead lookups = %d, want one batched call", h.beads.calls)
	}
}

func TestBeadLookupFailsOpen(t *testing.T) {
	h := newHarness(defaultConfig())
	s := workerSession("b1", "ov-b1", session.StateWorking, h.clock.now)
	s.BeadID = "xyz-1"
	h.sessions = newFakeSessions(s)
	h.w.sessions = h.sessions
	h.beads.err = errors.New("bd exploded")
	h.terminal.alive["ov-b1"] = true

	h.w.Tick(context.Background())

	if h.sessions.rows["b1"].State != session.StateWorking {
		t.Fatalf("state = %q; tracker failure must not change anything",
			h.sessions.rows["b1"].State)
	}
}

func TestRunCompletionOneShot(t *testing.T) {
	h := newHarness(defaultConfig())
	now := h.clock.now
	mk := func(name string, cap session.Capability, state session.State) *session.Session {
		s := workerSession(name, "ov-"+name, state, now)
		s.Capability = cap
		s.RunID = "R"
		return s
	}
	h.sessions = newFakeSessions(
		mk("b1", session.CapBuilder, session.StateCompleted),
		mk("b2", session.CapBuilder, session.StateCompleted),
		mk("b3", session.CapBuilder, session.StateCompleted),
		mk("coord", session.CapCoordinator, session.StateWorking),
	)
	h.w.sessions = h.sessions
	h.terminal.alive["ov-coord"] = true
	h.runs.current = "R"

	h.w.Tick(context.Background())

	if len(h.mailer.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(h.mailer.sent))
	}
	sent := h.mailer.sent[0]
	if sent.To != "coordinator" || sent.Type != mail.TypeWorkerDone {
		t.Fatalf("completion mail = %+v", sent)
	}
	if !strings.Contains(sent.Body, "Builder") {
		t.Errorf("single-capability run should use the capability template: %q", sent.Body)
	}
	if len(h.events.byType("run_complete")) != 1 {
		t.Fatal("run_complete event missing")
	}
	if h.runs.notified != "R" {
		t.Fatalf("marker = %q", h.runs.notified)
	}
	// The wake must be forced: a coordinator that checked mail inside the
	// debounce window still gets the marker.
	if len(h.nudger.nudged) != 1 || h.nudger.nudged[0] != "coordinator" {
		t.Fatalf("nudged = %v, want [coordinator]", h.nudger.nudged)
	}
	if !h.nudger.forced[0] {
		t.Error("completion nudge was not forced")
	}

	// Second tick: dedup marker holds.
	h.w.Tick(context.Background())
	if len(h.mailer.sent) != 1 {
		t.Error("duplicate completion mail")
	}
	if len(h.nudger.nudged) != 1 {
		t.Error("duplicate completion nudge")
	}
	if len(h.events.byType("run_complete")) != 1 {
		t.Error("duplicate run_complete event")
	}
}

func TestRunCompletionMixedCapabilities(t *testing.T) {
	workers := []*session.Session{
		{AgentName: "b1", Capability: session.CapBuilder, State: session.StateCompleted},
		{AgentName: "s1", Capability: session.CapScout, State: session.StateCompleted},
	}
	msg := completionMessage("R", workers)
	if !strings.Contains(msg, "builder: 1") || !strings.Contains(msg, "scout: 1") {
		t.Errorf("breakdown missing: %q", msg)
	}
	// Sorted breakdown.
	if strings.Index(msg, "builder") > strings.Index(msg, "scout") {
		t.Errorf("breakdown not sorted: %q", msg)
	}
}

func TestRunCompletionSkipsIncompleteAndEmpty(t *testing.T) {
	h := newHarness(defaultConfig())
	now := h.clock.now
	b1 := workerSession("b1", "ov-b1", session.StateCompleted, now)
	b1.RunID = "R"
	b2 := workerSession("b2", "ov-b2", session.StateWorking, now)
	b2.RunID = "R"
	h.sessions = newFakeSessions(b1, b2)
	h.w.sessions = h.sessions
	h.terminal.alive["ov-b2"] = true
	h.runs.current = "R"

	h.w.Tick(context.Background())
	if len(h.mailer.sent) != 0 {
		t.Fatal("completion fired with a worker still running")
	}

	// No current run: detector skips entirely.
	h.runs.current = ""
	h.w.Tick(context.Background())
	if len(h.mailer.sent) != 0 {
		t.Fatal("completion fired without a current run")
	}
}

func TestPanicInOneSessionDoesNotAbortTick(t *testing.T) {
	h := newHarness(defaultConfig())
	bad := workerSession("bad", "ov-bad", session.StateWorking, h.clock.now)
	good := workerSession("good", "ov-good", session.StateWorking, h.clock.now)
	h.sessions = newFakeSessions(bad, good)
	h.w.sessions = h.sessions
	h.terminal.alive["ov-good"] = true
	h.terminal.alive["ov-bad"] = true

	h.w.OnHealthCheck = func(s *session.Session, _ Evaluation) {
		if s.AgentName == "bad" {
			panic("operator callback exploded")
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.w.Tick(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not survive the panic")
	}
}

func TestStopWaitsForInflightTick(t *testing.T) {
	h := newHarness(defaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.w.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	h.w.Stop()

	select {
	case <-h.w.done:
	default:
		t.Fatal("Stop returned before the loop exited")
	}
}

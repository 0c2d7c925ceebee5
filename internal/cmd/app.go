package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/events"
	"github.com/overstory-ai/overstory/internal/logx"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/nudge"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/workspace"
)

// app bundles the wiring shared by every command: workspace discovery,
// configuration, open stores, and the mail broker.
type app struct {
	root     string
	stateDir string
	cfg      *config.Config
	sessions *store.SessionStore
	mailDB   *store.MailStore
	merges   *store.MergeQueueStore
	eventLog *events.Log
	markers  *nudge.Store
	debounce *nudge.DebounceState
	sender   *nudge.MarkerSender
	broker   *mail.Broker
	runs     *runstate.Tracker

	closeLog func()
}

// openApp locates the project and opens every store. Callers must Close.
func openApp() (*app, error) {
	root, err := workspace.FindFromCwd()
	if err != nil {
		return nil, fmt.Errorf("not inside an Overstory project (missing %s): %w",
			workspace.Marker, err)
	}
	stateDir := workspace.StateDir(root)

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	closeLog, err := logx.Init(filepath.Join(stateDir, "logs", "overstory.log"))
	if err != nil {
		closeLog = func() {}
	}

	sessions, err := store.OpenSessionStore(stateDir)
	if err != nil {
		closeLog()
		return nil, err
	}
	mailDB, err := store.OpenMailStore(stateDir)
	if err != nil {
		_ = sessions.Close()
		closeLog()
		return nil, err
	}
	merges, err := store.OpenMergeQueueStore(stateDir)
	if err != nil {
		_ = sessions.Close()
		_ = mailDB.Close()
		closeLog()
		return nil, err
	}
	eventLog, err := events.Open(stateDir)
	if err != nil {
		_ = sessions.Close()
		_ = mailDB.Close()
		_ = merges.Close()
		closeLog()
		return nil, err
	}

	markers := nudge.NewStore(stateDir)
	debounce := nudge.NewDebounceState(stateDir)
	sender := nudge.NewSender(markers, debounce, cfg.Mail.DebounceWindow.Duration)

	a := &app{
		root:     root,
		stateDir: stateDir,
		cfg:      cfg,
		sessions: sessions,
		mailDB:   mailDB,
		merges:   merges,
		eventLog: eventLog,
		markers:  markers,
		debounce: debounce,
		sender:   sender,
		runs:     runstate.NewTracker(stateDir),
		closeLog: closeLog,
	}
	a.broker = mail.NewBroker(mailDB, sessions, sender, debounce, a, cfg.Mail.Groups)
	a.broker.SetMergeQueue(merges)
	return a, nil
}

// MailEvent implements mail.EventSink over the shared event log.
func (a *app) MailEvent(agent, eventType, data string) {
	_ = a.eventLog.Append(events.Event{
		AgentName: agent,
		EventType: eventType,
		Level:     events.LevelInfo,
		Data:      data,
	})
}

// Close releases every handle.
func (a *app) Close() {
	_ = a.merges.Close()
	_ = a.mailDB.Close()
	_ = a.sessions.Close()
	a.closeLog()
}

// detectSender resolves the calling agent's identity. Worker terminals
// export OVERSTORY_AGENT at spawn; a human shell falls back to operator.
func detectSender() string {
	if agent := os.Getenv("OVERSTORY_AGENT"); agent != "" {
		return agent
	}
	return "operator"
}

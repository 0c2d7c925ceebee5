package doctor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/tmux"
)

// TmuxBinaryCheck verifies tmux is installed. Every session operation
// shells out to it, so a missing binary makes the whole system inert.
type TmuxBinaryCheck struct {
	BaseCheck
}

func NewTmuxBinaryCheck() *TmuxBinaryCheck {
	return &TmuxBinaryCheck{BaseCheck{
		CheckName:        "tmux-binary",
		CheckDescription: "Check that tmux is installed",
	}}
}

func (c *TmuxBinaryCheck) Run(ctx *Context) *Result {
	if !tmux.NewTmux().IsAvailable() {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "tmux not found in PATH",
			FixHint: "Install tmux with your package manager",
		}
	}
	return &Result{Name: c.Name(), Status: StatusOK, Message: "tmux available"}
}

// StateDirCheck verifies the state directory exists and is writable.
type StateDirCheck struct {
	BaseCheck
}

func NewStateDirCheck() *StateDirCheck {
	return &StateDirCheck{BaseCheck{
		CheckName:        "state-dir",
		CheckDescription: "Check that the state directory is writable",
	}}
}

func (c *StateDirCheck) Run(ctx *Context) *Result {
	if err := os.MkdirAll(ctx.StateDir, 0700); err != nil {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("cannot create %s", ctx.StateDir),
			Details: []string{err.Error()},
		}
	}
	probe := filepath.Join(ctx.StateDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("%s is not writable", ctx.StateDir),
			Details: []string{err.Error()},
			FixHint: "Check ownership and permissions on the state directory",
		}
	}
	_ = os.Remove(probe)
	return &Result{Name: c.Name(), Status: StatusOK, Message: ctx.StateDir}
}

// StoreCheck opens the session and mail databases.
type StoreCheck struct {
	BaseCheck
}

func NewStoreCheck() *StoreCheck {
	return &StoreCheck{BaseCheck{
		CheckName:        "stores",
		CheckDescription: "Check that the sqlite stores open",
	}}
}

func (c *StoreCheck) Run(ctx *Context) *Result {
	sessions, err := store.OpenSessionStore(ctx.StateDir)
	if err != nil {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "session store failed to open",
			Details: []string{err.Error()},
		}
	}
	_ = sessions.Close()

	mailDB, err := store.OpenMailStore(ctx.StateDir)
	if err != nil {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "mail store failed to open",
			Details: []string{err.Error()},
		}
	}
	_ = mailDB.Close()

	return &Result{Name: c.Name(), Status: StatusOK, Message: "session and mail stores open"}
}

// ConfigCheck validates overstory.toml.
type ConfigCheck struct {
	BaseCheck
}

func NewConfigCheck() *ConfigCheck {
	return &ConfigCheck{BaseCheck{
		CheckName:        "config",
		CheckDescription: "Check that overstory.toml parses and validates",
	}}
}

func (c *ConfigCheck) Run(ctx *Context) *Result {
	cfg, err := config.Load(ctx.Root)
	if err != nil {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "configuration is invalid",
			Details: []string{err.Error()},
			FixHint: "Fix overstory.toml at the project root",
		}
	}
	if cfg.Watchdog.ZombieThreshold.Duration <= cfg.Watchdog.StaleThreshold.Duration {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "zombie_threshold must exceed stale_threshold",
			FixHint: "Raise watchdog.zombie_threshold in overstory.toml",
		}
	}
	return &Result{Name: c.Name(), Status: StatusOK, Message: "configuration valid"}
}

// OrphanSessionCheck flags active session records whose tmux session no
// longer exists. The watchdog reconciles these on its next tick; the check
// just surfaces them early.
type OrphanSessionCheck struct {
	BaseCheck
}

func NewOrphanSessionCheck() *OrphanSessionCheck {
	return &OrphanSessionCheck{BaseCheck{
		CheckName:        "orphan-sessions",
		CheckDescription: "Check for active sessions with no live terminal",
	}}
}

func (c *OrphanSessionCheck) Run(ctx *Context) *Result {
	sessions, err := store.OpenSessionStore(ctx.StateDir)
	if err != nil {
		return &Result{Name: c.Name(), Status: StatusWarning,
			Message: "session store unavailable", Details: []string{err.Error()}}
	}
	defer func() { _ = sessions.Close() }()

	active, err := sessions.GetActive()
	if err != nil {
		return &Result{Name: c.Name(), Status: StatusWarning,
			Message: "could not list sessions", Details: []string{err.Error()}}
	}

	t := tmux.NewTmux()
	var orphans []string
	for _, s := range active {
		if s.TmuxSession == "" {
			continue
		}
		if alive, err := t.HasSession(s.TmuxSession); err == nil && !alive {
			orphans = append(orphans, s.AgentName)
		}
	}
	if len(orphans) > 0 {
		return &Result{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: fmt.Sprintf("%d active session(s) have no terminal", len(orphans)),
			Details: orphans,
			FixHint: "Run: ov watchdog tick",
		}
	}
	return &Result{Name: c.Name(), Status: StatusOK,
		Message: fmt.Sprintf("%d active session(s) healthy", len(active))}
}

// Package tmux wraps the tmux operations the orchestrator needs via
// subprocess. Agents run inside detached tmux sessions named ov-<agent>;
// the watchdog probes liveness here and termination kills the whole
// process tree before the session itself.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// SessionPrefix namespaces orchestrator sessions in the tmux server.
const SessionPrefix = "ov-"

// SessionName derives the tmux session name for an agent.
func SessionName(agent string) string {
	return SessionPrefix + agent
}

// Tmux wraps tmux operations.
type Tmux struct{}

// NewTmux creates a new Tmux wrapper.
func NewTmux() *Tmux {
	return &Tmux{}
}

func (t *Tmux) run(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", t.wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// NewSessionWithCommand creates a detached session whose pane runs command
// as its initial process. Running the command directly avoids the race
// where keys arrive before the shell prompt is ready.
func (t *Tmux) NewSessionWithCommand(name, workDir, command string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	args = append(args, command)
	_, err := t.run(args...)
	return err
}

// HasSession reports whether the named session exists. A missing server
// means no sessions exist.
func (t *Tmux) HasSession(name string) (bool, error) {
	_, err := t.run("has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNoServer) || errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	return false, err
}

// IsSessionAlive is the watchdog's liveness probe: the session must exist
// and its pane must be running something other than a bare shell.
func (t *Tmux) IsSessionAlive(name string) bool {
	ok, err := t.HasSession(name)
	if err != nil || !ok {
		return false
	}
	cmd, err := t.GetPaneCommand(name)
	if err != nil {
		return false
	}
	switch cmd {
	case "", "bash", "zsh", "sh", "fish":
		return false
	}
	return true
}

// GetPaneCommand returns the current command of the session's active pane.
func (t *Tmux) GetPaneCommand(session string) (string, error) {
	return t.run("display-message", "-p", "-t", session, "#{pane_current_command}")
}

// PanePID returns the PID of the session's pane process.
func (t *Tmux) PanePID(session string) (int, error) {
	out, err := t.run("display-message", "-p", "-t", session, "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parsing pane pid %q: %w", out, err)
	}
	return pid, nil
}

// KillSession tears down a session and every process under its pane.
// Killing an already-dead session is not an error: termination must be
// idempotent so retries and racing watchdog ticks converge.
func (t *Tmux) KillSession(name string) error {
	if pid, err := t.PanePID(name); err == nil && pid > 1 {
		// Negative pid targets the process group so grandchildren die too.
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		time.Sleep(200 * time.Millisecond)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	_, err := t.run("kill-session", "-t", name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// ListSessions returns the names of sessions carrying the orchestrator
// prefix. A missing server reads as no sessions.
func (t *Tmux) ListSessions() ([]string, error) {
	out, err := t.run("list-sessions", "-F", "#{session_name}")
	if errors.Is(err, ErrNoServer) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// SendKeys types keys into the session followed by Enter.
func (t *Tmux) SendKeys(session, keys string) error {
	_, err := t.run("send-keys", "-t", session, keys, "Enter")
	return err
}

// SendKeysRaw sends a raw key sequence without appending Enter.
func (t *Tmux) SendKeysRaw(session, keys string) error {
	_, err := t.run("send-keys", "-t", session, keys)
	return err
}

// NudgeSession pastes a message into the agent's prompt and submits it.
// The text goes in literal mode, then Enter after a settle delay; the
// Enter is retried because submission drops it under load.
func (t *Tmux) NudgeSession(session, message string) error {
	if _, err := t.run("send-keys", "-t", session, "-l", message); err != nil {
		return err
	}

	time.Sleep(500 * time.Millisecond)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(200 * time.Millisecond)
		}
		if _, err := t.run("send-keys", "-t", session, "Enter"); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to send Enter after 3 attempts: %w", lastErr)
}

// CapturePane captures the last n lines of the session's pane.
func (t *Tmux) CapturePane(session string, lines int) (string, error) {
	return t.run("capture-pane", "-p", "-t", session, "-S", fmt.Sprintf("-%d", lines))
}

// ResizeWindow resizes the session's window, for remote terminal viewers.
func (t *Tmux) ResizeWindow(session string, cols, rows int) error {
	_, err := t.run("resize-window", "-t", session,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

// IsAvailable reports whether the tmux binary can be found.
func (t *Tmux) IsAvailable() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

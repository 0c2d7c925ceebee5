// Package session defines the agent session model shared by the store,
// the mail broker, and the watchdog.
package session

import (
	"fmt"
	"time"
)

// Capability is the role an agent plays. It determines message templates,
// broadcast group membership, and completion accounting.
type Capability string

const (
	CapScout       Capability = "scout"
	CapBuilder     Capability = "builder"
	CapReviewer    Capability = "reviewer"
	CapLead        Capability = "lead"
	CapMerger      Capability = "merger"
	CapCoordinator Capability = "coordinator"
	CapSupervisor  Capability = "supervisor"
	CapMonitor     Capability = "monitor"
)

// ValidCapabilities returns every known capability name.
func ValidCapabilities() []Capability {
	return []Capability{
		CapScout, CapBuilder, CapReviewer, CapLead,
		CapMerger, CapCoordinator, CapSupervisor, CapMonitor,
	}
}

// IsValidCapability checks if a string names a known capability.
func IsValidCapability(s string) bool {
	for _, c := range ValidCapabilities() {
		if Capability(s) == c {
			return true
		}
	}
	return false
}

// IsPersistent reports whether the capability is excluded from run-completion
// accounting. Persistent agents outlive any single run.
func (c Capability) IsPersistent() bool {
	return c == CapCoordinator || c == CapMonitor
}

// WakesOnNudge reports whether a pending nudge should end a mail wait for
// this capability. Dispatch roles react to nudges; workers wait for mail.
func (c Capability) WakesOnNudge() bool {
	return c == CapCoordinator || c == CapLead
}

// State is the lifecycle state of a session.
type State string

const (
	StateBooting   State = "booting"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateStalled   State = "stalled"
	StateZombie    State = "zombie"
)

// ActiveStates is the single definition of "non-terminal" shared by the
// store's GetActive and the watchdog's evaluation filter.
var ActiveStates = []State{StateBooting, StateWorking, StateStalled}

// IsTerminal reports whether the state is one a session never leaves on its
// own. Only an explicit reset on reassignment transitions out of these.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateZombie
}

// IsValidState checks if a string names a known lifecycle state.
func IsValidState(s string) bool {
	switch State(s) {
	case StateBooting, StateWorking, StateCompleted, StateStalled, StateZombie:
		return true
	default:
		return false
	}
}

// Session is the durable record of one spawned agent.
type Session struct {
	ID           string     `json:"id"`
	AgentName    string     `json:"agent_name"`
	Capability   Capability `json:"capability"`
	WorktreePath string     `json:"worktree_path"`
	BranchName   string     `json:"branch_name"`
	BeadID       string     `json:"bead_id,omitempty"`
	TmuxSession  string     `json:"tmux_session"`
	State        State      `json:"state"`
	PID          *int       `json:"pid,omitempty"`
	ParentAgent  string     `json:"parent_agent,omitempty"`
	Depth        int        `json:"depth"`
	RunID        string     `json:"run_id,omitempty"`

	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`

	EscalationLevel int        `json:"escalation_level"`
	StalledSince    *time.Time `json:"stalled_since,omitempty"`
}

// Validate checks the session's structural invariants.
func (s *Session) Validate() error {
	if s.AgentName == "" {
		return fmt.Errorf("session: agent_name is required")
	}
	if !IsValidCapability(string(s.Capability)) {
		return fmt.Errorf("session %s: unknown capability %q", s.AgentName, s.Capability)
	}
	if !IsValidState(string(s.State)) {
		return fmt.Errorf("session %s: unknown state %q", s.AgentName, s.State)
	}
	if s.Depth < 0 {
		return fmt.Errorf("session %s: depth %d is negative", s.AgentName, s.Depth)
	}
	if s.ParentAgent == "" && s.Depth != 0 {
		return fmt.Errorf("session %s: depth %d without a parent agent", s.AgentName, s.Depth)
	}
	if s.State.IsTerminal() && (s.EscalationLevel != 0 || s.StalledSince != nil) {
		return fmt.Errorf("session %s: terminal state %s carries escalation residue", s.AgentName, s.State)
	}
	return nil
}

// IsActive reports whether the session is in a non-terminal state.
func (s *Session) IsActive() bool {
	for _, st := range ActiveStates {
		if s.State == st {
			return true
		}
	}
	return false
}

package watchdog

import (
	"fmt"
	"time"

	"github.com/overstory-ai/overstory/internal/session"
)

// HealthAction is what the watchdog should do about a session this tick.
type HealthAction string

const (
	ActionNone        HealthAction = "none"
	ActionEscalate    HealthAction = "escalate"
	ActionTerminate   HealthAction = "terminate"
	ActionInvestigate HealthAction = "investigate"
)

// Thresholds are the activity-age cutoffs. Zombie must exceed stale.
type Thresholds struct {
	Stale  time.Duration
	Zombie time.Duration
}

// Evaluation is the outcome of one health check.
type Evaluation struct {
	Action   HealthAction
	NewState session.State
	// ReconciliationNote is set when observable reality disagrees with
	// the recorded state.
	ReconciliationNote string
}

// EvaluateHealth reconciles a session's recorded state against the
// terminal-liveness observation and activity age.
//
// A dead terminal under any non-terminal state is an immediate terminate:
// the process is gone regardless of what the row says. A live terminal
// under a recorded zombie is surfaced for investigation but never
// auto-resurrected. Otherwise the activity age drives the stall ladder.
func EvaluateHealth(s *session.Session, terminalAlive bool, now time.Time, th Thresholds) Evaluation {
	if !terminalAlive {
		if s.State.IsTerminal() {
			return Evaluation{Action: ActionNone, NewState: s.State}
		}
		return Evaluation{
			Action:   ActionTerminate,
			NewState: session.StateZombie,
			ReconciliationNote: fmt.Sprintf("terminal dead while state=%s", s.State),
		}
	}

	if s.State == session.StateZombie {
		return Evaluation{
			Action:             ActionInvestigate,
			NewState:           s.State,
			ReconciliationNote: "terminal alive while state=zombie",
		}
	}

	age := now.Sub(s.LastActivity)

	if age >= th.Zombie {
		return Evaluation{Action: ActionEscalate, NewState: s.State}
	}

	if age >= th.Stale {
		switch s.State {
		case session.StateWorking:
			return Evaluation{Action: ActionEscalate, NewState: session.StateStalled}
		case session.StateStalled:
			return Evaluation{Action: ActionEscalate, NewState: s.State}
		default:
			// Booting sessions get the full zombie window before the
			// ladder starts; a slow boot is not a stall.
			return Evaluation{Action: ActionNone, NewState: s.State}
		}
	}

	// Fresh activity. Booting promotes to working; a stalled session
	// recovering is the caller's cue to reset escalation.
	switch s.State {
	case session.StateBooting, session.StateStalled:
		return Evaluation{Action: ActionNone, NewState: session.StateWorking}
	default:
		return Evaluation{Action: ActionNone, NewState: s.State}
	}
}

// expectedEscalationLevel positions a stalled session on the ladder by
// elapsed time, not tick count, capped at the terminal level.
func expectedEscalationLevel(now, stalledSince time.Time, nudgeInterval time.Duration) int {
	if nudgeInterval <= 0 {
		return 0
	}
	level := int(now.Sub(stalledSince) / nudgeInterval)
	if level > 3 {
		level = 3
	}
	if level < 0 {
		level = 0
	}
	return level
}

// Package mail implements durable inter-agent messaging: message types,
// broker semantics (broadcast expansion, auto-nudge, heartbeat side effects),
// and reply threading. Persistence lives behind the MessageStore interface.
package mail

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Priority levels for messages.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// IsValidPriority checks if a string names a known priority.
func IsValidPriority(s string) bool {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Type is the semantic or protocol classification of a message.
type Type string

const (
	// Semantic types.
	TypeStatus   Type = "status"
	TypeQuestion Type = "question"
	TypeResult   Type = "result"
	TypeError    Type = "error"

	// Protocol types.
	TypeWorkerDone  Type = "worker_done"
	TypeMergeReady  Type = "merge_ready"
	TypeMerged      Type = "merged"
	TypeMergeFailed Type = "merge_failed"
	TypeEscalation  Type = "escalation"
	TypeHealthCheck Type = "health_check"
	TypeDispatch    Type = "dispatch"
	TypeAssign      Type = "assign"
)

// validTypes is the closed set of accepted message types.
var validTypes = map[Type]bool{
	TypeStatus: true, TypeQuestion: true, TypeResult: true, TypeError: true,
	TypeWorkerDone: true, TypeMergeReady: true, TypeMerged: true,
	TypeMergeFailed: true, TypeEscalation: true, TypeHealthCheck: true,
	TypeDispatch: true, TypeAssign: true,
}

// IsValidType checks if a string names a known message type.
func IsValidType(s string) bool {
	return validTypes[Type(s)]
}

// autoNudgeTypes trigger a pending-nudge marker regardless of priority.
var autoNudgeTypes = map[Type]bool{
	TypeWorkerDone: true, TypeMergeReady: true, TypeError: true,
	TypeEscalation: true, TypeMergeFailed: true,
}

// Message is one durable inter-agent message. Immutable after send except
// for the Read flag.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Priority  Priority  `json:"priority"`
	Type      Type      `json:"type"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// WantsNudge reports whether this message triggers the auto-nudge side
// effect: high/urgent priority, or a type in the auto-nudge set.
func (m *Message) WantsNudge() bool {
	if m.Priority == PriorityHigh || m.Priority == PriorityUrgent {
		return true
	}
	return autoNudgeTypes[m.Type]
}

// ReplySubject derives the subject for a reply, adding a single Re: prefix.
func ReplySubject(subject string) string {
	if strings.HasPrefix(subject, "Re: ") {
		return subject
	}
	return "Re: " + subject
}

// NewMessageID generates a short opaque message id.
func NewMessageID() string {
	var b [4]byte
	_, _ = rand.Read(b[:]) // crypto/rand.Read only fails on broken systems
	return "m-" + hex.EncodeToString(b[:])
}

// ValidateSend rejects malformed send parameters with a structured reason.
func ValidateSend(from, to string, msgType, priority string) error {
	if from == "" {
		return fmt.Errorf("mail: sender is required")
	}
	if to == "" {
		return fmt.Errorf("mail: recipient is required")
	}
	if !IsValidType(msgType) {
		return fmt.Errorf("mail: unknown type %q", msgType)
	}
	if !IsValidPriority(priority) {
		return fmt.Errorf("mail: unknown priority %q", priority)
	}
	return nil
}

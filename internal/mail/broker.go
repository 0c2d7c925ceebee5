package mail

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/logx"
	"github.com/overstory-ai/overstory/internal/nudge"
	"github.com/overstory-ai/overstory/internal/session"
)

// ErrEmptyGroup indicates a broadcast address resolved to no recipients.
var ErrEmptyGroup = errors.New("group resolved to no recipients")

// MessageStore is the durable mail persistence the broker writes through.
type MessageStore interface {
	Insert(m *Message) error
	CheckInbox(agent string) ([]*Message, error)
	Get(id string) (*Message, error)
}

// SessionDirectory is the slice of the session store the broker needs:
// the active fleet for group expansion, and the heartbeat write.
type SessionDirectory interface {
	GetActive() ([]*session.Session, error)
	TouchActivity(name string, now time.Time) error
}

// CheckRecorder notes inbox checks for nudge debouncing.
type CheckRecorder interface {
	RecordCheck(agent string, at time.Time) error
}

// EventSink receives broker activity for the shared event log.
type EventSink interface {
	MailEvent(agent, eventType, data string)
}

// MergeQueue tracks the merge-protocol lifecycle: merge_ready enqueues a
// branch, merged and merge_failed resolve it.
type MergeQueue interface {
	Enqueue(branch, agentName, beadID string, tier int) (int64, error)
	UpdateStatusByBranch(branch, status string) error
}

// Broker implements send, check, and reply with their side effects:
// broadcast expansion, auto-nudge markers, and the activity heartbeat.
type Broker struct {
	store    MessageStore
	sessions SessionDirectory
	sender   nudge.Sender
	checks   CheckRecorder
	events   EventSink
	merges   MergeQueue
	groups   map[string]string
	now      func() time.Time
}

// NewBroker wires a broker over its collaborators. groups maps broadcast
// names (without the @) to membership predicates.
func NewBroker(store MessageStore, sessions SessionDirectory, sender nudge.Sender,
	checks CheckRecorder, events EventSink, groups map[string]string) *Broker {
	return &Broker{
		store:    store,
		sessions: sessions,
		sender:   sender,
		checks:   checks,
		events:   events,
		groups:   groups,
		now:      time.Now,
	}
}

// SendRequest carries the caller-supplied fields of a send.
type SendRequest struct {
	From     string
	To       string
	Subject  string
	Body     string
	Priority Priority
	Type     Type
	ThreadID string
	Payload  string
}

// Send stores the message, expanding @group addresses to one independent
// message per active recipient (sender excluded). Returns the ids of all
// produced messages. Group addresses are never persisted.
func (b *Broker) Send(req SendRequest) ([]string, error) {
	if err := ValidateSend(req.From, req.To, string(req.Type), string(req.Priority)); err != nil {
		return nil, err
	}

	recipients := []string{req.To}
	if strings.HasPrefix(req.To, "@") {
		var err error
		recipients, err = b.ResolveGroup(req.To, req.From)
		if err != nil {
			return nil, err
		}
	}

	now := b.now()
	ids := make([]string, 0, len(recipients))
	for _, to := range recipients {
		m := &Message{
			ID:        NewMessageID(),
			From:      req.From,
			To:        to,
			Subject:   req.Subject,
			Body:      req.Body,
			Priority:  req.Priority,
			Type:      req.Type,
			ThreadID:  req.ThreadID,
			Payload:   req.Payload,
			CreatedAt: now,
		}
		if err := b.store.Insert(m); err != nil {
			return ids, fmt.Errorf("storing message to %s: %w", to, err)
		}
		ids = append(ids, m.ID)

		if m.WantsNudge() {
			res := b.sender.Nudge(to, nudge.Marker{
				From:      m.From,
				Reason:    "mail",
				Subject:   m.Subject,
				MessageID: m.ID,
			}, false)
			if !res.Delivered {
				logx.Debug(logx.CatMail, "auto-nudge suppressed", "to", to, "reason", res.Reason)
			}
		}
	}

	b.heartbeat(req.From)
	b.observeMerge(req)
	if b.events != nil {
		b.events.MailEvent(req.From, "mail_sent",
			fmt.Sprintf("to=%s count=%d type=%s", req.To, len(ids), req.Type))
	}
	logx.Info(logx.CatMail, "sent", "from", req.From, "to", req.To, "count", len(ids))
	return ids, nil
}

// Check fetches and consumes the agent's unread messages, oldest first.
// The check itself is an activity signal and a debounce event.
func (b *Broker) Check(agent string) ([]*Message, error) {
	msgs, err := b.store.CheckInbox(agent)
	if err != nil {
		return nil, err
	}
	b.heartbeat(agent)
	if b.checks != nil {
		if err := b.checks.RecordCheck(agent, b.now()); err != nil {
			logx.ErrorErr(logx.CatMail, "recording mail check", err, "agent", agent)
		}
	}
	return msgs, nil
}

// Reply sends a response threaded onto the original message. The reply
// goes to the original sender with a single Re: prefix; the thread id is
// inherited, falling back to the original message id.
func (b *Broker) Reply(agent, messageID, body string, priority Priority) (string, error) {
	orig, err := b.store.Get(messageID)
	if err != nil {
		return "", fmt.Errorf("loading original message: %w", err)
	}

	threadID := orig.ThreadID
	if threadID == "" {
		threadID = orig.ID
	}

	ids, err := b.Send(SendRequest{
		From:     agent,
		To:       orig.From,
		Subject:  ReplySubject(orig.Subject),
		Body:     body,
		Priority: priority,
		Type:     TypeStatus,
		ThreadID: threadID,
	})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// ResolveGroup expands an @group address against the active fleet,
// excluding the sender. Unknown groups are an error; a known group with
// no members is ErrEmptyGroup.
func (b *Broker) ResolveGroup(addr, sender string) ([]string, error) {
	name := strings.TrimPrefix(addr, "@")
	predicate, ok := b.groups[name]
	if !ok {
		return nil, fmt.Errorf("unknown group %q", addr)
	}

	active, err := b.sessions.GetActive()
	if err != nil {
		return nil, fmt.Errorf("resolving group %q: %w", addr, err)
	}

	var recipients []string
	for _, s := range active {
		if s.AgentName == sender {
			continue
		}
		if matchesPredicate(s, predicate) {
			recipients = append(recipients, s.AgentName)
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyGroup, addr)
	}
	return recipients, nil
}

// matchesPredicate evaluates a group membership predicate against a
// session: "all", "workers" (non-persistent capabilities), or
// "capability:<name>".
func matchesPredicate(s *session.Session, predicate string) bool {
	switch {
	case predicate == "all":
		return true
	case predicate == "workers":
		return !s.Capability.IsPersistent()
	case strings.HasPrefix(predicate, "capability:"):
		return string(s.Capability) == strings.TrimPrefix(predicate, "capability:")
	default:
		return false
	}
}

// SetMergeQueue attaches the merge-queue tracker. Without one, merge
// protocol messages carry no queue side effect.
func (b *Broker) SetMergeQueue(q MergeQueue) {
	b.merges = q
}

// MergePayload is the payload convention for the merge protocol types.
type MergePayload struct {
	Branch string `json:"branch"`
	BeadID string `json:"beadId,omitempty"`
	Tier   int    `json:"tier,omitempty"`
}

// observeMerge mirrors merge-protocol messages into the merge queue.
// Best-effort: a malformed payload or queue error never fails the send.
func (b *Broker) observeMerge(req SendRequest) {
	if b.merges == nil {
		return
	}
	switch req.Type {
	case TypeMergeReady, TypeMerged, TypeMergeFailed:
	default:
		return
	}

	var p MergePayload
	if err := json.Unmarshal([]byte(req.Payload), &p); err != nil || p.Branch == "" {
		logx.Debug(logx.CatMail, "merge message without usable payload",
			"type", req.Type, "from", req.From)
		return
	}

	var err error
	switch req.Type {
	case TypeMergeReady:
		_, err = b.merges.Enqueue(p.Branch, req.From, p.BeadID, p.Tier)
	case TypeMerged:
		err = b.merges.UpdateStatusByBranch(p.Branch, "merged")
	case TypeMergeFailed:
		err = b.merges.UpdateStatusByBranch(p.Branch, "failed")
	}
	if err != nil {
		logx.ErrorErr(logx.CatMail, "recording merge event", err,
			"branch", p.Branch, "type", req.Type)
	}
}

// heartbeat treats mail activity as proof of life for the agent.
func (b *Broker) heartbeat(agent string) {
	if err := b.sessions.TouchActivity(agent, b.now()); err != nil {
		logx.ErrorErr(logx.CatMail, "heartbeat", err, "agent", agent)
	}
}

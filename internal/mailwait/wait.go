// Package mailwait implements the cooperative long-poll that coordination
// agents use instead of busy-polling their inbox. Producers live in other
// processes, so there is no in-memory event to block on; the loop sleeps
// with bounded backoff and re-checks durable state each iteration.
package mailwait

import (
	"os"
	"time"

	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/nudge"
	"github.com/overstory-ai/overstory/internal/util"
)

// Status is the terminal condition of a wait.
type Status string

const (
	StatusCancelled Status = "cancelled"
	StatusMessage   Status = "message"
	StatusNudged    Status = "nudged"
	StatusTimeout   Status = "timeout"
)

// Options tune one wait call. Zero values take the defaults.
type Options struct {
	Timeout     time.Duration // default 5m
	InitialPoll time.Duration // default 1s
	MaxPoll     time.Duration // default 10s
	Backoff     float64       // default 1.5, clamped to >= 1

	// CancelFile, when set, cancels the wait as soon as the file exists.
	// Checked between sleeps only, so cancellation latency is bounded by
	// the current poll interval.
	CancelFile string

	// WakeOnPendingNudge makes a pending nudge end the wait. Set for
	// capabilities that coordinate dispatch (coordinator, lead); other
	// roles wait for actual mail.
	WakeOnPendingNudge bool
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.InitialPoll <= 0 {
		o.InitialPoll = time.Second
	}
	if o.MaxPoll <= 0 {
		o.MaxPoll = 10 * time.Second
	}
	if o.Backoff < 1 {
		o.Backoff = 1.5
	}
}

// Result is what a wait returns.
type Result struct {
	Status   Status
	Messages []*mail.Message
	Nudge    *nudge.Marker
	Elapsed  time.Duration
}

// Inbox is the slice of the mail layer the waiter polls.
type Inbox interface {
	CheckInbox(agent string) ([]*mail.Message, error)
}

// Heartbeat records that the waiting agent is alive.
type Heartbeat interface {
	TouchActivity(name string, now time.Time) error
}

// NudgeReader consumes pending nudge markers.
type NudgeReader interface {
	ReadAndClear(recipient string) (*nudge.Marker, error)
}

// Waiter runs long-poll waits for one project.
type Waiter struct {
	inbox     Inbox
	heartbeat Heartbeat
	nudges    NudgeReader
	clock     util.Clock
}

// NewWaiter wires a waiter over its collaborators.
func NewWaiter(inbox Inbox, heartbeat Heartbeat, nudges NudgeReader) *Waiter {
	return &Waiter{inbox: inbox, heartbeat: heartbeat, nudges: nudges, clock: util.RealClock{}}
}

// Wait blocks until mail arrives, a nudge wakes the agent, the cancel
// file appears, or the timeout elapses. Store errors during a poll are
// tolerated: the next iteration retries.
func (w *Waiter) Wait(agent string, opts Options) Result {
	opts.applyDefaults()

	start := w.clock.Now()
	deadline := start.Add(opts.Timeout)
	poll := opts.InitialPoll

	for {
		if opts.CancelFile != "" {
			if _, err := os.Stat(opts.CancelFile); err == nil {
				return Result{Status: StatusCancelled, Elapsed: w.clock.Now().Sub(start)}
			}
		}

		var marker *nudge.Marker
		if opts.WakeOnPendingNudge {
			m, err := w.nudges.ReadAndClear(agent)
			if err == nil {
				marker = m
			}
		}

		msgs, err := w.inbox.CheckInbox(agent)
		if err != nil {
			msgs = nil
		}

		_ = w.heartbeat.TouchActivity(agent, w.clock.Now())

		if len(msgs) > 0 {
			return Result{
				Status: StatusMessage, Messages: msgs, Nudge: marker,
				Elapsed: w.clock.Now().Sub(start),
			}
		}
		if marker != nil {
			return Result{Status: StatusNudged, Nudge: marker, Elapsed: w.clock.Now().Sub(start)}
		}

		remaining := deadline.Sub(w.clock.Now())
		if remaining <= 0 {
			return Result{Status: StatusTimeout, Elapsed: w.clock.Now().Sub(start)}
		}

		sleep := poll
		if remaining < sleep {
			sleep = remaining
		}
		w.clock.Sleep(sleep)

		poll = time.Duration(float64(poll) * opts.Backoff)
		if poll < opts.InitialPoll {
			poll = opts.InitialPoll
		}
		if poll > opts.MaxPoll {
			poll = opts.MaxPoll
		}
	}
}

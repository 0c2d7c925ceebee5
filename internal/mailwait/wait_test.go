package mailwait

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/nudge"
)

// fakeClock advances only when the waiter sleeps.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

type fakeInbox struct {
	// readyAt is the virtual time at which a message appears.
	clock   *fakeClock
	readyAt time.Time
	msg     *mail.Message
}

func (f *fakeInbox) CheckInbox(string) ([]*mail.Message, error) {
	if f.msg != nil && !f.clock.now.Before(f.readyAt) {
		m := f.msg
		f.msg = nil
		return []*mail.Message{m}, nil
	}
	return nil, nil
}

type fakeHeartbeat struct {
	touches int
}

func (f *fakeHeartbeat) TouchActivity(string, time.Time) error {
	f.touches++
	return nil
}

type fakeNudges struct {
	clock   *fakeClock
	readyAt time.Time
	marker  *nudge.Marker
}

func (f *fakeNudges) ReadAndClear(string) (*nudge.Marker, error) {
	if f.marker != nil && !f.clock.now.Before(f.readyAt) {
		m := f.marker
		f.marker = nil
		return m, nil
	}
	return nil, nil
}

func newTestWaiter(clock *fakeClock, inbox *fakeInbox, nudges *fakeNudges) (*Waiter, *fakeHeartbeat) {
	hb := &fakeHeartbeat{}
	w := NewWaiter(inbox, hb, nudges)
	w.clock = clock
	return w, hb
}

func TestWaitTimeout(t *testing.T) {
	clock := newFakeClock()
	w, hb := newTestWaiter(clock, &fakeInbox{clock: clock}, &fakeNudges{clock: clock})

	res := w.Wait("agent", Options{Timeout: 10 * time.Second})
	if res.Status != StatusTimeout {
		t.Fatalf("status = %q, want timeout", res.Status)
	}
	if res.Elapsed != 10*time.Second {
		t.Errorf("elapsed = %v, want exactly the timeout", res.Elapsed)
	}
	if hb.touches == 0 {
		t.Error("waiting should heartbeat on every poll")
	}
	// Final sleep is clamped to the remaining time, never past the deadline.
	var total time.Duration
	for _, d := range clock.sleeps {
		total += d
	}
	if total != 10*time.Second {
		t.Errorf("slept %v total, want 10s", total)
	}
}

func TestWaitBackoffClamped(t *testing.T) {
	clock := newFakeClock()
	w, _ := newTestWaiter(clock, &fakeInbox{clock: clock}, &fakeNudges{clock: clock})

	_ = w.Wait("agent", Options{
		Timeout:     100 * time.Second,
		InitialPoll: time.Second,
		MaxPoll:     4 * time.Second,
		Backoff:     2,
	})

	// 1s, 2s, 4s, then pinned at the max.
	if clock.sleeps[0] != time.Second || clock.sleeps[1] != 2*time.Second ||
		clock.sleeps[2] != 4*time.Second || clock.sleeps[3] != 4*time.Second {
		t.Errorf("sleeps = %v", clock.sleeps[:4])
	}
}

func TestWaitMessage(t *testing.T) {
	clock := newFakeClock()
	inbox := &fakeInbox{
		clock:   clock,
		readyAt: clock.now.Add(3 * time.Second),
		msg:     &mail.Message{ID: "m-1", From: "lead", To: "agent"},
	}
	w, _ := newTestWaiter(clock, inbox, &fakeNudges{clock: clock})

	res := w.Wait("agent", Options{Timeout: 30 * time.Second})
	if res.Status != StatusMessage {
		t.Fatalf("status = %q, want message", res.Status)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != "m-1" {
		t.Fatalf("messages = %v", res.Messages)
	}
}

func TestWaitWakesOnNudge(t *testing.T) {
	clock := newFakeClock()
	nudges := &fakeNudges{
		clock:   clock,
		readyAt: clock.now.Add(2 * time.Second),
		marker:  &nudge.Marker{From: "builder-1", Reason: "mail"},
	}
	w, _ := newTestWaiter(clock, &fakeInbox{clock: clock}, nudges)

	res := w.Wait("coord", Options{
		Timeout:            10 * time.Second,
		WakeOnPendingNudge: true,
	})
	if res.Status != StatusNudged {
		t.Fatalf("status = %q, want nudged", res.Status)
	}
	if res.Nudge == nil || res.Nudge.From != "builder-1" {
		t.Fatalf("nudge = %+v", res.Nudge)
	}
	if len(res.Messages) != 0 {
		t.Error("nudged wake should carry no messages")
	}
	// Woke within one poll interval of the marker appearing at t=2s.
	if res.Elapsed > 2*time.Second+10*time.Second {
		t.Errorf("elapsed = %v", res.Elapsed)
	}
}

func TestWaitIgnoresNudgeWithoutWakeFlag(t *testing.T) {
	clock := newFakeClock()
	nudges := &fakeNudges{
		clock:  clock,
		marker: &nudge.Marker{From: "x", Reason: "mail"},
	}
	w, _ := newTestWaiter(clock, &fakeInbox{clock: clock}, nudges)

	res := w.Wait("builder-1", Options{Timeout: 5 * time.Second})
	if res.Status != StatusTimeout {
		t.Fatalf("status = %q, want timeout (worker roles wait on mail only)", res.Status)
	}
	if nudges.marker == nil {
		t.Error("marker consumed despite WakeOnPendingNudge=false")
	}
}

func TestWaitCancelFile(t *testing.T) {
	clock := newFakeClock()
	cancel := filepath.Join(t.TempDir(), "cancel")
	if err := os.WriteFile(cancel, nil, 0600); err != nil {
		t.Fatal(err)
	}
	w, _ := newTestWaiter(clock, &fakeInbox{clock: clock}, &fakeNudges{clock: clock})

	res := w.Wait("agent", Options{Timeout: time.Minute, CancelFile: cancel})
	if res.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", res.Status)
	}
	if len(clock.sleeps) != 0 {
		t.Error("pre-existing cancel file should return before any sleep")
	}
}

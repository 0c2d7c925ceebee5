package feed

import (
	"testing"
	"time"

	"github.com/overstory-ai/overstory/internal/events"
)

func appendEvents(t *testing.T, log *events.Log, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := log.Append(events.Event{AgentName: name, EventType: "tool_use"}); err != nil {
			t.Fatal(err)
		}
	}
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestTailerReplaysBacklog(t *testing.T) {
	log, err := events.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	appendEvents(t, log, "a", "b", "c")

	tailer, err := NewTailer(log.Path(), 2)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tailer.Close() }()

	// Backlog of 2 keeps only the newest two.
	if got := receive(t, tailer.Events()); got.AgentName != "b" {
		t.Fatalf("first backlog event = %q, want b", got.AgentName)
	}
	if got := receive(t, tailer.Events()); got.AgentName != "c" {
		t.Fatalf("second backlog event = %q, want c", got.AgentName)
	}
}

func TestTailerFollowsAppends(t *testing.T) {
	log, err := events.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	appendEvents(t, log, "old")

	tailer, err := NewTailer(log.Path(), 10)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tailer.Close() }()

	if got := receive(t, tailer.Events()); got.AgentName != "old" {
		t.Fatalf("backlog = %q", got.AgentName)
	}

	appendEvents(t, log, "new")
	if got := receive(t, tailer.Events()); got.AgentName != "new" {
		t.Fatalf("tailed = %q", got.AgentName)
	}
}

func TestTailerMissingFile(t *testing.T) {
	log, err := events.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// No file yet: the tailer watches the directory and picks up the
	// first append.
	tailer, err := NewTailer(log.Path(), 10)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tailer.Close() }()

	appendEvents(t, log, "first")
	if got := receive(t, tailer.Events()); got.AgentName != "first" {
		t.Fatalf("got %q", got.AgentName)
	}
}

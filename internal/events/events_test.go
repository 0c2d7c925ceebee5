package events

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReadAll(t *testing.T) {
	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := log.Append(Event{AgentName: "builder-1", EventType: "tool_use", ToolName: "Bash"}); err != nil {
		t.Fatal(err)
	}
	if err := log.Append(Event{AgentName: "scout-1", EventType: "spawn", Level: LevelWarn}); err != nil {
		t.Fatal(err)
	}

	got, err := log.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].AgentName != "builder-1" || got[0].Level != LevelInfo {
		t.Errorf("first event = %+v, want builder-1 with defaulted info level", got[0])
	}
	if got[1].Level != LevelWarn {
		t.Errorf("second event level = %q, want warn", got[1].Level)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp should be defaulted on append")
	}
}

func TestReadAllMissingFile(t *testing.T) {
	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	got, err := log.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing log, got %v", got)
	}
}

func TestReadAllSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Append(Event{AgentName: "a", EventType: "x"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events", "events.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	if err := log.Append(Event{AgentName: "b", EventType: "y"}); err != nil {
		t.Fatal(err)
	}

	got, err := log.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (corrupt line skipped)", len(got))
	}
}

func TestTail(t *testing.T) {
	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if err := log.Append(Event{AgentName: name, EventType: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := log.Tail(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].AgentName != "b" || got[1].AgentName != "c" {
		t.Fatalf("tail = %+v, want last two", got)
	}
}

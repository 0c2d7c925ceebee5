package runstate

import "testing"

func TestCurrentRunRoundTrip(t *testing.T) {
	tr := NewTracker(t.TempDir())

	got, err := tr.CurrentRun()
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("fresh tracker returned %q", got)
	}

	if err := tr.SetCurrentRun("run-42"); err != nil {
		t.Fatal(err)
	}
	got, err = tr.CurrentRun()
	if err != nil {
		t.Fatal(err)
	}
	if got != "run-42" {
		t.Fatalf("got %q, want run-42", got)
	}

	if err := tr.SetCurrentRun(""); err != nil {
		t.Fatal(err)
	}
	got, _ = tr.CurrentRun()
	if got != "" {
		t.Fatalf("clear via empty id failed, got %q", got)
	}
}

func TestClearCurrentRunIdempotent(t *testing.T) {
	tr := NewTracker(t.TempDir())
	if err := tr.ClearCurrentRun(); err != nil {
		t.Fatal(err)
	}
	if err := tr.ClearCurrentRun(); err != nil {
		t.Fatal(err)
	}
}

func TestCompletionMarker(t *testing.T) {
	tr := NewTracker(t.TempDir())

	if tr.CompletionNotified("run-1") {
		t.Fatal("fresh tracker claims notified")
	}
	if err := tr.MarkCompletionNotified("run-1"); err != nil {
		t.Fatal(err)
	}
	if !tr.CompletionNotified("run-1") {
		t.Fatal("marker not honored")
	}
	if tr.CompletionNotified("run-2") {
		t.Fatal("marker for run-1 should not cover run-2")
	}

	// A new run overwrites the marker.
	if err := tr.MarkCompletionNotified("run-2"); err != nil {
		t.Fatal(err)
	}
	if tr.CompletionNotified("run-1") {
		t.Fatal("stale run still marked notified")
	}
}

// Package runstate tracks the active run: a pointer file holding the
// current run id, and a marker recording the last run whose completion
// was already announced. Both are plain files so any process can read
// them and a supervisor restart changes nothing.
package runstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/overstory-ai/overstory/internal/util"
)

// Tracker reads and writes the run pointer files under the state directory.
type Tracker struct {
	currentPath  string
	notifiedPath string
}

// NewTracker returns a tracker rooted at the state directory.
func NewTracker(stateDir string) *Tracker {
	return &Tracker{
		currentPath:  filepath.Join(stateDir, "current-run"),
		notifiedPath: filepath.Join(stateDir, "run-complete-notified"),
	}
}

// CurrentRun returns the active run id, or empty when no run is active.
func (t *Tracker) CurrentRun() (string, error) {
	data, err := os.ReadFile(t.currentPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading current-run: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetCurrentRun records the active run id. An empty id clears the pointer.
func (t *Tracker) SetCurrentRun(runID string) error {
	if runID == "" {
		return t.ClearCurrentRun()
	}
	if err := util.AtomicWriteFile(t.currentPath, []byte(runID+"\n"), 0644); err != nil {
		return fmt.Errorf("writing current-run: %w", err)
	}
	return nil
}

// ClearCurrentRun removes the pointer. Missing is fine.
func (t *Tracker) ClearCurrentRun() error {
	if err := os.Remove(t.currentPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing current-run: %w", err)
	}
	return nil
}

// CompletionNotified reports whether the completion notification for
// runID was already sent. Unreadable marker reads as not-notified; the
// worst case is one duplicate notification, which beats never notifying.
func (t *Tracker) CompletionNotified(runID string) bool {
	data, err := os.ReadFile(t.notifiedPath)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == runID
}

// MarkCompletionNotified records that runID's completion was announced.
func (t *Tracker) MarkCompletionNotified(runID string) error {
	if err := util.AtomicWriteFile(t.notifiedPath, []byte(runID+"\n"), 0644); err != nil {
		return fmt.Errorf("writing run-complete marker: %w", err)
	}
	return nil
}

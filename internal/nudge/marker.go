// Package nudge implements the out-of-band wake channel. An attention
// signal is a single marker file per recipient under pending-nudges/;
// the recipient reads and clears it on its next poll. The side-band
// exists because injecting keystrokes into a busy terminal corrupts
// whatever tool call is in flight.
package nudge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/overstory-ai/overstory/internal/util"
)

// Marker is one pending attention signal. A newer marker for the same
// recipient overwrites any prior one: only the latest matters.
type Marker struct {
	From      string    `json:"from"`
	Reason    string    `json:"reason"`
	Subject   string    `json:"subject,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store manages pending-nudge markers under the state directory.
type Store struct {
	dir string
}

// NewStore returns a marker store rooted at the state directory.
func NewStore(stateDir string) *Store {
	return &Store{dir: filepath.Join(stateDir, "pending-nudges")}
}

func (s *Store) markerPath(recipient string) string {
	return filepath.Join(s.dir, util.SanitizeName(recipient)+".json")
}

// Write records a pending nudge for the recipient, replacing any
// existing marker.
func (s *Store) Write(recipient string, m Marker) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating pending-nudges directory: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := util.AtomicWriteJSON(s.markerPath(recipient), m); err != nil {
		return fmt.Errorf("writing nudge marker for %s: %w", recipient, err)
	}
	return nil
}

// ReadAndClear returns the recipient's marker and removes it. Returns
// nil with no error when no marker is pending. The remove-after-read
// order means a concurrent overwrite can be lost; acceptable, since both
// signals say the same thing: check your mail.
func (s *Store) ReadAndClear(recipient string) (*Marker, error) {
	path := s.markerPath(recipient)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading nudge marker for %s: %w", recipient, err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt marker is still a wake signal; clear it and move on.
		_ = os.Remove(path)
		return nil, fmt.Errorf("parsing nudge marker for %s: %w", recipient, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clearing nudge marker for %s: %w", recipient, err)
	}
	return &m, nil
}

// Peek reports whether a marker is pending without consuming it.
func (s *Store) Peek(recipient string) bool {
	_, err := os.Stat(s.markerPath(recipient))
	return err == nil
}

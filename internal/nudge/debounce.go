package nudge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/overstory-ai/overstory/internal/util"
)

// DebounceState tracks when each agent last checked its inbox. An agent
// that checked recently does not need a nudge: it will see new mail on
// its own. The whole map is rewritten on every update; it is small and
// the flock keeps cross-process writers from clobbering each other.
type DebounceState struct {
	path string
	lock *flock.Flock
}

// NewDebounceState returns the shared mail-check state under the state
// directory.
func NewDebounceState(stateDir string) *DebounceState {
	path := filepath.Join(stateDir, "mail-check-state.json")
	return &DebounceState{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// LastCheck returns when the agent last checked mail, or the zero time.
func (d *DebounceState) LastCheck(agent string) (time.Time, error) {
	if err := d.lock.RLock(); err != nil {
		return time.Time{}, fmt.Errorf("locking mail-check state: %w", err)
	}
	defer func() { _ = d.lock.Unlock() }()

	state, err := d.read()
	if err != nil {
		return time.Time{}, err
	}
	ms, ok := state[agent]
	if !ok {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// RecordCheck notes that the agent checked mail at the given time.
func (d *DebounceState) RecordCheck(agent string, at time.Time) error {
	if err := d.lock.Lock(); err != nil {
		return fmt.Errorf("locking mail-check state: %w", err)
	}
	defer func() { _ = d.lock.Unlock() }()

	state, err := d.read()
	if err != nil {
		// Unreadable state is rebuilt from scratch rather than wedging
		// every future check.
		state = map[string]int64{}
	}
	state[agent] = at.UnixMilli()
	if err := util.AtomicWriteJSON(d.path, state); err != nil {
		return fmt.Errorf("writing mail-check state: %w", err)
	}
	return nil
}

func (d *DebounceState) read() (map[string]int64, error) {
	data, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mail-check state: %w", err)
	}
	var state map[string]int64
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing mail-check state: %w", err)
	}
	return state, nil
}

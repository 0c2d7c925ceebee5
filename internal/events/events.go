// Package events appends structured agent events to a shared JSONL log.
// The log is the firehose the feed view tails; writers from multiple
// processes interleave whole lines under an advisory lock.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Level classifies an event for display filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one line of the events log.
type Event struct {
	Timestamp      time.Time `json:"ts"`
	RunID          string    `json:"runId,omitempty"`
	AgentName      string    `json:"agentName"`
	SessionID      string    `json:"sessionId,omitempty"`
	EventType      string    `json:"eventType"`
	ToolName       string    `json:"toolName,omitempty"`
	ToolArgs       string    `json:"toolArgs,omitempty"`
	ToolDurationMs int64     `json:"toolDurationMs,omitempty"`
	Level          Level     `json:"level"`
	Data           string    `json:"data,omitempty"`
}

// Log appends events to <stateDir>/events/events.jsonl.
type Log struct {
	path string
	lock *flock.Flock
}

// Open prepares the events log under the state directory.
func Open(stateDir string) (*Log, error) {
	dir := filepath.Join(stateDir, "events")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating events directory: %w", err)
	}
	path := filepath.Join(dir, "events.jsonl")
	return &Log{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the JSONL file location, for tailing.
func (l *Log) Path() string {
	return l.path
}

// Append writes one event as a single JSON line. Missing timestamp and
// level are defaulted. The advisory lock keeps concurrent writers from
// interleaving partial lines.
func (l *Log) Append(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("locking events log: %w", err)
	}
	defer func() { _ = l.lock.Unlock() }()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening events log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// ReadAll decodes every event in the log, skipping lines that fail to
// parse. A missing log reads as empty.
func (l *Log) ReadAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening events log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev Event
		if json.Unmarshal(sc.Bytes(), &ev) != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading events log: %w", err)
	}
	return out, nil
}

// Tail returns the last n events.
func (l *Log) Tail(n int) ([]Event, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

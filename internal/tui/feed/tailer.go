package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/overstory-ai/overstory/internal/events"
)

// Tailer follows the events log and delivers parsed events on a channel.
// The log is append-only JSONL, so tailing is: remember the offset, read
// new complete lines on every write notification.
type Tailer struct {
	path    string
	watcher *fsnotify.Watcher
	offset  int64
	out     chan events.Event
	done    chan struct{}
}

// NewTailer starts following the log at path. Existing content up to
// backlog lines is replayed first so the view opens with history.
func NewTailer(path string, backlog int) (*Tailer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	t := &Tailer{
		path:    path,
		watcher: watcher,
		out:     make(chan events.Event, 256),
		done:    make(chan struct{}),
	}

	t.replayBacklog(backlog)

	// Watch the directory: the log file may not exist yet, and atomic
	// writers recreate files.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching events directory: %w", err)
	}

	go t.loop()
	return t, nil
}

// Events is the stream of parsed events.
func (t *Tailer) Events() <-chan events.Event {
	return t.out
}

// Close stops the tailer.
func (t *Tailer) Close() error {
	close(t.done)
	return t.watcher.Close()
}

func (t *Tailer) loop() {
	defer close(t.out)
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == t.path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.readNew()
			}
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// replayBacklog seeds the channel with the last backlog lines and leaves
// the offset at end-of-file.
func (t *Tailer) replayBacklog(backlog int) {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	var tail []events.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev events.Event
		if json.Unmarshal(sc.Bytes(), &ev) == nil {
			tail = append(tail, ev)
			if len(tail) > backlog {
				tail = tail[1:]
			}
		}
	}
	for _, ev := range tail {
		select {
		case t.out <- ev:
		default:
		}
	}
	if pos, err := f.Seek(0, io.SeekEnd); err == nil {
		t.offset = pos
	}
}

// readNew parses complete lines appended since the last read.
func (t *Tailer) readNew() {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		// Truncated or rotated; start over.
		t.offset = 0
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		t.offset += int64(len(line)) + 1
		var ev events.Event
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		select {
		case t.out <- ev:
		case <-t.done:
			return
		}
	}
}

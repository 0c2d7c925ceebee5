// Package beads shells out to the bd issue tracker. The watchdog treats
// beads as advisory: every call here fails open, because a broken or slow
// tracker must never take healthy agents down with it.
package beads

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/util"
)

// commandTimeout bounds every bd invocation.
const commandTimeout = 10 * time.Second

// closedStatuses are the bead statuses that mean the tracked work is over.
var closedStatuses = map[string]bool{
	"closed": true,
	"done":   true,
}

// IsClosedStatus reports whether a bead status counts as finished work.
func IsClosedStatus(status string) bool {
	return closedStatuses[strings.ToLower(status)]
}

// Bead is the subset of bd issue fields the orchestrator reads.
type Bead struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Client invokes bd in a project directory.
type Client struct {
	projectRoot string
}

// NewClient returns a bd client rooted at the project directory.
func NewClient(projectRoot string) *Client {
	return &Client{projectRoot: projectRoot}
}

// Available reports whether the project uses beads at all: a .beads
// directory must exist. Callers skip bead-driven behavior when it does not.
func (c *Client) Available() bool {
	info, err := os.Stat(filepath.Join(c.projectRoot, ".beads"))
	return err == nil && info.IsDir()
}

// StatusBatch looks up the status of every given bead in one bd call.
// Unknown ids are simply absent from the result. Any failure returns an
// error; callers must treat that as "statuses unknown", not as closed.
func (c *Client) StatusBatch(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := util.ExecWithOutput(ctx, c.projectRoot,
		"bd", "list", "--all", "--id", strings.Join(ids, ","), "--json")
	if err != nil {
		return nil, fmt.Errorf("bd list: %w", err)
	}

	var listed []Bead
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		return nil, fmt.Errorf("parsing bd list output: %w", err)
	}

	statuses := make(map[string]string, len(listed))
	for _, b := range listed {
		statuses[b.ID] = b.Status
	}
	return statuses, nil
}

// Show fetches a single bead.
func (c *Client) Show(ctx context.Context, id string) (*Bead, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := util.ExecWithOutput(ctx, c.projectRoot, "bd", "show", id, "--json")
	if err != nil {
		return nil, fmt.Errorf("bd show %s: %w", id, err)
	}
	var b Bead
	if err := json.Unmarshal([]byte(out), &b); err != nil {
		return nil, fmt.Errorf("parsing bd show output: %w", err)
	}
	return &b, nil
}

// Close marks a bead closed with a reason.
func (c *Client) Close(ctx context.Context, id, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	args := []string{"close", id}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	if err := util.ExecRun(ctx, c.projectRoot, "bd", args...); err != nil {
		return fmt.Errorf("bd close %s: %w", id, err)
	}
	return nil
}

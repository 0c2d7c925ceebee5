// Package mulch records structured lessons to the external learning store
// via the mulch CLI. Every call is fire-and-forget: the store is an
// append-only memory, never a dependency, so failures are logged and
// swallowed.
package mulch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/overstory-ai/overstory/internal/logx"
	"github.com/overstory-ai/overstory/internal/util"
)

const commandTimeout = 10 * time.Second

// Available reports whether the project has a mulch store initialized.
func Available(projectRoot string) bool {
	_, err := os.Stat(filepath.Join(projectRoot, ".mulch"))
	return err == nil
}

// Entry is one lesson to record.
type Entry struct {
	Type         string   `json:"type"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags,omitempty"`
	EvidenceBead string   `json:"evidenceBead,omitempty"`
}

// Recorder appends entries to a learning-store domain.
type Recorder interface {
	Record(domain string, entry Entry)
}

// CLIRecorder shells out to the mulch binary.
type CLIRecorder struct {
	projectRoot string
}

// NewRecorder returns a recorder rooted at the project directory.
func NewRecorder(projectRoot string) *CLIRecorder {
	return &CLIRecorder{projectRoot: projectRoot}
}

// Record writes one entry. Errors are logged, never returned.
func (r *CLIRecorder) Record(domain string, entry Entry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		logx.ErrorErr(logx.CatWatchdog, "encoding mulch entry", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err = util.ExecRun(ctx, r.projectRoot, "mulch", "add", domain, "--json", string(payload))
	if err != nil {
		logx.ErrorErr(logx.CatWatchdog, "recording mulch entry", err, "domain", domain)
	}
}

// Discard is a Recorder that drops every entry. Used when no learning
// store is configured.
type Discard struct{}

func (Discard) Record(string, Entry) {}

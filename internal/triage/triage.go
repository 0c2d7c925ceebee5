// Package triage asks an external AI reviewer what to do about a stalled
// agent. The collaborator is a subprocess; its verdict steers escalation
// level 2 when ai_triage is enabled.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Verdict is the triage collaborator's recommendation.
type Verdict string

const (
	VerdictRetry     Verdict = "retry"
	VerdictTerminate Verdict = "terminate"
	VerdictExtend    Verdict = "extend"
)

// Request describes the stalled agent under review.
type Request struct {
	AgentName    string    `json:"agentName"`
	ProjectRoot  string    `json:"projectRoot"`
	LastActivity time.Time `json:"lastActivity"`
}

// Triager produces a verdict for a stalled agent.
type Triager interface {
	Triage(ctx context.Context, req Request) (Verdict, error)
}

// Runner invokes an external triage command. The command receives the
// request as JSON on argv and prints one of retry|terminate|extend.
type Runner struct {
	run func(ctx context.Context, workDir string, args ...string) (string, error)
}

// NewRunner wraps a subprocess executor, letting tests substitute one.
func NewRunner(run func(ctx context.Context, workDir string, args ...string) (string, error)) *Runner {
	return &Runner{run: run}
}

// Triage asks the external reviewer for a verdict. Unparseable output is
// an error; the watchdog treats triage errors as "extend" so a flaky
// reviewer never kills agents.
func (r *Runner) Triage(ctx context.Context, req Request) (Verdict, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding triage request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	out, err := r.run(ctx, req.ProjectRoot, "--json", string(payload))
	if err != nil {
		return "", fmt.Errorf("triage command: %w", err)
	}

	return ParseVerdict(out)
}

// ParseVerdict extracts a verdict from command output. The verdict must be
// the last non-empty line, which tolerates reviewers that narrate first.
func ParseVerdict(out string) (Verdict, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.ToLower(strings.TrimSpace(lines[len(lines)-1]))
	switch Verdict(last) {
	case VerdictRetry, VerdictTerminate, VerdictExtend:
		return Verdict(last), nil
	default:
		return "", fmt.Errorf("unrecognized triage verdict %q", last)
	}
}

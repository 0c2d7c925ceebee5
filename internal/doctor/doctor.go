// Package doctor runs environment and state diagnostics for an Overstory
// project. Checks are read-only; each reports a status and, where one
// exists, a concrete fix hint.
package doctor

import (
	"github.com/overstory-ai/overstory/internal/config"
)

// Status is the outcome severity of one check.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Result is the outcome of running one check.
type Result struct {
	Name    string
	Status  Status
	Message string
	Details []string
	FixHint string
}

// Context carries the project handles every check may need.
type Context struct {
	Root     string
	StateDir string
	Cfg      *config.Config
}

// Check is one diagnostic.
type Check interface {
	Name() string
	Description() string
	Run(ctx *Context) *Result
}

// BaseCheck supplies the identity methods so each check only implements Run.
type BaseCheck struct {
	CheckName        string
	CheckDescription string
}

func (b BaseCheck) Name() string        { return b.CheckName }
func (b BaseCheck) Description() string { return b.CheckDescription }

// AllChecks returns the standard check suite in run order.
func AllChecks() []Check {
	return []Check{
		NewTmuxBinaryCheck(),
		NewStateDirCheck(),
		NewStoreCheck(),
		NewConfigCheck(),
		NewOrphanSessionCheck(),
	}
}

// RunAll executes the checks and reports whether any errored.
func RunAll(ctx *Context, checks []Check) (results []*Result, failed bool) {
	for _, c := range checks {
		r := c.Run(ctx)
		if r == nil {
			r = &Result{Name: c.Name(), Status: StatusOK}
		}
		results = append(results, r)
		if r.Status == StatusError {
			failed = true
		}
	}
	return results, failed
}

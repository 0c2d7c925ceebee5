package doctor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/overstory-ai/overstory/internal/config"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	root := t.TempDir()
	return &Context{
		Root:     root,
		StateDir: filepath.Join(root, ".overstory"),
		Cfg:      config.Default(),
	}
}

func TestStateDirCheckCreatesAndProbes(t *testing.T) {
	ctx := testContext(t)
	r := NewStateDirCheck().Run(ctx)
	if r.Status != StatusOK {
		t.Fatalf("status = %s, want ok: %s", r.Status, r.Message)
	}
	if _, err := os.Stat(ctx.StateDir); err != nil {
		t.Fatalf("state dir not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ctx.StateDir, ".doctor-probe")); !os.IsNotExist(err) {
		t.Fatal("probe file left behind")
	}
}

func TestConfigCheckRejectsInvertedThresholds(t *testing.T) {
	ctx := testContext(t)
	toml := []byte("[watchdog]\nstale_threshold = \"20m\"\nzombie_threshold = \"5m\"\n")
	if err := os.WriteFile(filepath.Join(ctx.Root, "overstory.toml"), toml, 0644); err != nil {
		t.Fatal(err)
	}
	r := NewConfigCheck().Run(ctx)
	if r.Status != StatusError {
		t.Fatalf("status = %s, want error", r.Status)
	}
}

func TestStoreCheckOpensFreshDatabases(t *testing.T) {
	ctx := testContext(t)
	r := NewStoreCheck().Run(ctx)
	if r.Status != StatusOK {
		t.Fatalf("status = %s, want ok: %v", r.Status, r.Details)
	}
}

func TestRunAllReportsFailure(t *testing.T) {
	ctx := testContext(t)
	failing := &stubCheck{name: "stub", result: &Result{Name: "stub", Status: StatusError}}
	passing := &stubCheck{name: "ok", result: &Result{Name: "ok", Status: StatusOK}}

	results, failed := RunAll(ctx, []Check{passing, failing})
	if !failed {
		t.Fatal("failed = false, want true")
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

type stubCheck struct {
	name   string
	result *Result
}

func (s *stubCheck) Name() string             { return s.name }
func (s *stubCheck) Description() string      { return s.name }
func (s *stubCheck) Run(ctx *Context) *Result { return s.result }

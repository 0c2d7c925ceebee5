package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func touchMarker(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, Marker), []byte("# test\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	touchMarker(t, root)

	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	got, err := Find(sub)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got != root {
		t.Errorf("Find = %q, want %q", got, root)
	}
}

func TestFindNotFound(t *testing.T) {
	dir := t.TempDir()
	if _, err := Find(dir); err != ErrNotFound {
		t.Errorf("Find in bare dir: err = %v, want ErrNotFound", err)
	}
}

func TestFindPrefersOutermostFromWorktree(t *testing.T) {
	root := t.TempDir()
	touchMarker(t, root)

	// A worktree checkout carrying its own marker must not shadow the root.
	wt := filepath.Join(root, "worktrees", "builder-1")
	if err := os.MkdirAll(wt, 0755); err != nil {
		t.Fatal(err)
	}
	touchMarker(t, wt)

	got, err := Find(wt)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got != root {
		t.Errorf("Find from worktree = %q, want outer root %q", got, root)
	}
}

// Package workspace provides project root detection.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates no Overstory project was found.
var ErrNotFound = errors.New("not in an Overstory project")

// Marker is the config file that identifies a project root.
const Marker = "overstory.toml"

// StateDirName is the directory under the project root that holds all
// coordination state (stores, marker files, event log).
const StateDirName = ".overstory"

// Find locates the project root by walking up from the given directory.
// Agent worktrees live under <root>/worktrees/<agent>; when starting inside
// one, the walk continues to the outermost root rather than stopping at a
// nested checkout that happens to carry its own marker.
func Find(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	inWorktree := isInWorktreePath(absDir)
	var match string

	current := absDir
	for {
		if _, err := os.Stat(filepath.Join(current, Marker)); err == nil {
			if !inWorktree {
				return current, nil
			}
			match = current
		}

		parent := filepath.Dir(current)
		if parent == current {
			if match != "" {
				return match, nil
			}
			return "", ErrNotFound
		}
		current = parent
	}
}

// FindFromCwd locates the project root starting from the working directory.
func FindFromCwd() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return Find(cwd)
}

// StateDir returns the coordination state directory for a project root.
func StateDir(root string) string {
	return filepath.Join(root, StateDirName)
}

func isInWorktreePath(path string) bool {
	sep := string(filepath.Separator)
	return strings.Contains(path, sep+"worktrees"+sep)
}

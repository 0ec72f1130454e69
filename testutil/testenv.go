// Package testutil provides shared helpers for end-to-end tests. It depends
// only on stdlib so that E2E tests (which cannot import internal/) can use it.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// BuildBinary compiles the emsrefresh command into dir and returns its path.
func BuildBinary(moduleRoot, dir string) (string, error) {
	bin := filepath.Join(dir, "emsrefresh")

	cmd := exec.Command("go", "build", "-o", bin, ".")
	cmd.Dir = moduleRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("building binary: %w", err)
	}

	return bin, nil
}

// IsolatedEnv returns an environment for the binary that points its config,
// database, and XDG directories into home, so tests never touch real state.
func IsolatedEnv(home string) []string {
	return append(os.Environ(),
		"HOME="+home,
		"XDG_CONFIG_HOME="+filepath.Join(home, ".config"),
		"XDG_DATA_HOME="+filepath.Join(home, ".local", "share"),
		"EMSREFRESH_CONFIG="+filepath.Join(home, "config.toml"),
		"EMSREFRESH_DB="+filepath.Join(home, "inventory.db"),
		"EMSREFRESH_LOG_LEVEL=",
	)
}

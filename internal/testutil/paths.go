package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// FindProjectRoot returns the directory holding the module's go.mod, searched
// upwards from this source file
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	for dir := filepath.Dir(filename); ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found above %s", filename)
		}
		dir = parent
	}
}

// BuildBinary compiles the calsyncd command into dir and returns its path
func BuildBinary(ctx context.Context, dir string) (string, error) {
	root, err := FindProjectRoot()
	if err != nil {
		return "", err
	}

	binary := filepath.Join(dir, "calsyncd")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/calsyncd")
	cmd.Dir = root
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build: %w\n%s", err, out)
	}
	return binary, nil
}

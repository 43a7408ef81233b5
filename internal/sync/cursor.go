package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Summary counts what one sync pass did
type Summary struct {
	Pulled    int // local files written from remote events
	Unchanged int // local files already matching their remote event
	KeptLocal int // local files newer than their remote event, left for the push
	Created   int
	Updated   int
	Recreated int // updates whose remote event was gone and had to be created again
	Skipped   int
	Failed    int
}

// Pushed returns the number of files sent to the remote calendar
func (s Summary) Pushed() int {
	return s.Created + s.Updated + s.Recreated
}

// loadCursor reads the last successful sync time. A missing file yields the
// zero time; anything unparsable is an error.
func loadCursor(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	cursor, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt cursor file %s: %w", path, err)
	}
	return cursor, nil
}

// saveCursor persists t through a temp file and rename
func saveCursor(path string, t time.Time) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".calsyncd-cursor-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.WriteString(t.Format(time.RFC3339Nano) + "\n"); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

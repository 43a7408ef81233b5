// Package scan walks the local event store.
package scan

import (
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/calsyncd/internal/eventfile"
)

// Scanner enumerates event files below a root directory
type Scanner struct {
	logger *slog.Logger
}

// New creates a Scanner
func New(logger *slog.Logger) *Scanner {
	return &Scanner{logger: logger}
}

// IsEventFile returns true if path names a visible .txt file
func IsEventFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return filepath.Ext(base) == eventfile.Ext
}

// isHidden reports whether a walked entry (other than root) should be skipped
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Candidates yields every event file below root. Each range over the
// sequence walks the tree again. Hidden files and directories are skipped;
// other non-event files are logged and skipped.
func (s *Scanner) Candidates(root string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if !yield(path, err) {
					return filepath.SkipAll
				}
				return nil
			}

			if path != root && isHidden(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if d.IsDir() {
				return nil
			}

			if !IsEventFile(path) {
				s.logger.Debug("ignoring non-event file", "path", path)
				return nil
			}

			if !yield(path, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(root, err)
		}
	}
}

// Discover collects all event files below root
func (s *Scanner) Discover(root string) ([]string, error) {
	var files []string
	for path, err := range s.Candidates(root) {
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", path, err)
		}
		files = append(files, path)
	}
	return files, nil
}

// NeedsPush reports whether path was modified strictly after cursor. A zero
// cursor means nothing was ever synced, so every file needs a push.
func NeedsPush(path string, cursor time.Time) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if cursor.IsZero() {
		return true, nil
	}
	return info.ModTime().After(cursor), nil
}

// EnsureSkeleton creates root/YYYY/MM/DD for every day of year. Existing
// directories are left alone. It returns the number of directories created.
func EnsureSkeleton(root string, year int) (int, error) {
	created := 0
	for month := time.January; month <= time.December; month++ {
		days := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
		for day := 1; day <= days; day++ {
			dir := filepath.Join(root, fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", int(month)), fmt.Sprintf("%02d", day))
			if _, err := os.Stat(dir); err == nil {
				continue
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return created, fmt.Errorf("failed to create %s: %w", dir, err)
			}
			created++
		}
	}
	return created, nil
}

// BucketDate returns the date encoded by the YYYY/MM/DD directories that
// contain path, in loc
func BucketDate(root, path string, loc *time.Location) (time.Time, bool) {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil {
		return time.Time{}, false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return time.Time{}, false
	}

	year, err := strconv.Atoi(parts[0])
	if err != nil || len(parts[0]) != 4 {
		return time.Time{}, false
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(parts[2])
	if err != nil || day < 1 {
		return time.Time{}, false
	}

	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	// reject 02/31 and friends rather than normalizing them
	if date.Day() != day || int(date.Month()) != month {
		return time.Time{}, false
	}
	return date, true
}

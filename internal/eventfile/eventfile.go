package eventfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// Ext is the extension of every event file under the calendar root
	Ext = ".txt"

	// AllDay is the duration descriptor written for date-only events
	AllDay = "All day"

	// DefaultDescriptor is written when a file being rewritten has no duration line
	DefaultDescriptor = "1 hour"

	labelID          = "Event ID"
	labelDuration    = "Duration"
	labelDetails     = "Details"
	labelDescription = "Description"

	untitled = "untitled"
)

// Record is the content of one event file
type Record struct {
	ID          string // remote identifier; empty when never synced
	Duration    string // human-readable span or AllDay
	Description string
}

// IsAllDay reports whether the record describes a date-only event
func (r Record) IsAllDay() bool {
	return strings.EqualFold(strings.TrimSpace(r.Duration), AllDay)
}

var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r")
)

// Encode renders a record in its fixed line order: identifier, duration and,
// when present, details.
func Encode(r Record) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s: %s\n", labelID, r.ID)
	fmt.Fprintf(&buf, "%s: %s\n", labelDuration, r.Duration)
	if r.Description != "" {
		fmt.Fprintf(&buf, "%s: %s\n", labelDetails, escaper.Replace(r.Description))
	}
	return buf.Bytes()
}

// Decode parses event file content. Lines are matched by label, so missing or
// reordered lines are tolerated and unknown lines are ignored. Values are kept
// verbatim after the ": " separator. Content that is not valid UTF-8 decodes
// to an empty record.
func Decode(data []byte) Record {
	var r Record
	if !utf8.Valid(data) {
		return r
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		label, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch strings.TrimSpace(label) {
		case labelID:
			r.ID = value
		case labelDuration:
			r.Duration = value
		case labelDetails, labelDescription:
			r.Description = unescaper.Replace(value)
		}
	}
	return r
}

// Read loads and decodes the event file at path
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	return Decode(data), nil
}

// Write encodes r to path, creating parent directories as needed. The file is
// replaced atomically through a hidden temp file in the same directory.
func Write(path string, r Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".calsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(Encode(r)); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// PathFor returns root/YYYY/MM/DD/<summary>.txt for an event starting at start.
// Path separators in the summary are replaced; everything else is kept verbatim.
func PathFor(root string, start time.Time, summary string) string {
	return filepath.Join(
		root,
		fmt.Sprintf("%04d", start.Year()),
		fmt.Sprintf("%02d", int(start.Month())),
		fmt.Sprintf("%02d", start.Day()),
		FileName(summary),
	)
}

// FileName turns an event summary into a file name
func FileName(summary string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '-'
		}
		return r
	}, summary)
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		name = untitled
	}
	return name + Ext
}

// Summary returns the event summary encoded in a file name
func Summary(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/schaermu/calsyncd/internal/config"
	"github.com/schaermu/calsyncd/internal/eventfile"
	"github.com/schaermu/calsyncd/internal/gcal"
	"github.com/schaermu/calsyncd/internal/scan"
)

// Outcome describes what Reconcile did with one file
type Outcome int

const (
	// OutcomeSkipped means nothing was sent (file vanished)
	OutcomeSkipped Outcome = iota
	// OutcomeCreated means a new remote event was created
	OutcomeCreated
	// OutcomeUpdated means the existing remote event was replaced
	OutcomeUpdated
	// OutcomeRecreated means the remote event was gone and a new one was created
	OutcomeRecreated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRecreated:
		return "recreated"
	default:
		return "skipped"
	}
}

// Engine orchestrates pulls from and pushes to the remote calendar. It is not
// safe for concurrent use; one goroutine owns it.
type Engine struct {
	cfg     *config.Config
	gateway gcal.Gateway
	scanner *scan.Scanner
	logger  *slog.Logger
	dryRun  bool
	now     func() time.Time

	// index maps local paths to remote event identifiers
	index map[string]string
	// selfWrites maps paths the engine wrote to when and what it wrote
	selfWrites map[string]selfWrite
}

type selfWrite struct {
	at  time.Time
	sum [sha256.Size]byte
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gateway gcal.Gateway, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:        cfg,
		gateway:    gateway,
		scanner:    scan.New(logger),
		logger:     logger,
		dryRun:     dryRun,
		now:        time.Now,
		index:      make(map[string]string),
		selfWrites: make(map[string]selfWrite),
	}
}

// Run executes one complete pass: pull the current year, push every file
// modified since the last pass, then advance the cursor.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	cursor, err := loadCursor(e.cfg.Paths.CursorFile)
	if err != nil {
		return summary, fmt.Errorf("failed to read sync cursor: %w", err)
	}

	year := e.localNow().Year()
	e.logger.Info("starting sync",
		"root", e.cfg.Paths.Root,
		"calendar", e.cfg.Calendar.ID,
		"year", year,
		"cursor", cursor,
		"dry_run", e.dryRun)

	if err := e.ensureSkeleton(year); err != nil {
		return summary, err
	}

	settled, err := e.pull(ctx, year, cursor, &summary)
	if err != nil {
		return summary, err
	}

	e.push(ctx, cursor, settled, &summary)

	e.logger.Info("sync summary",
		"pulled", summary.Pulled,
		"unchanged", summary.Unchanged,
		"kept_local", summary.KeptLocal,
		"created", summary.Created,
		"updated", summary.Updated,
		"recreated", summary.Recreated,
		"skipped", summary.Skipped,
		"failed", summary.Failed)

	if e.dryRun {
		e.logger.Info("dry-run complete, no changes applied")
		return summary, nil
	}

	if err := saveCursor(e.cfg.Paths.CursorFile, e.now()); err != nil {
		return summary, fmt.Errorf("failed to save sync cursor: %w", err)
	}

	e.logger.Info("sync completed", "pushed", summary.Pushed(), "failed", summary.Failed)
	return summary, nil
}

// Pull writes every remote event of year to the local store. Used by the
// watch loop's scheduled resync.
func (e *Engine) Pull(ctx context.Context, year int) (Summary, error) {
	var summary Summary

	cursor, err := loadCursor(e.cfg.Paths.CursorFile)
	if err != nil {
		return summary, fmt.Errorf("failed to read sync cursor: %w", err)
	}
	if err := e.ensureSkeleton(year); err != nil {
		return summary, err
	}

	_, err = e.pull(ctx, year, cursor, &summary)
	return summary, err
}

// EnsureSkeleton creates the day directories of the current year
func (e *Engine) EnsureSkeleton() error {
	return e.ensureSkeleton(e.localNow().Year())
}

func (e *Engine) ensureSkeleton(year int) error {
	if e.dryRun {
		return nil
	}
	created, err := scan.EnsureSkeleton(e.cfg.Paths.Root, year)
	if err != nil {
		return fmt.Errorf("failed to create directory skeleton: %w", err)
	}
	if created > 0 {
		e.logger.Info("created directory skeleton", "year", year, "directories", created)
	}
	return nil
}

// pull lists the remote year and writes each event to its local path. It
// returns the paths that now match the remote calendar and therefore must not
// be pushed in the same pass.
func (e *Engine) pull(ctx context.Context, year int, cursor time.Time, summary *Summary) (map[string]bool, error) {
	events, err := e.gateway.List(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote events: %w", err)
	}

	e.logger.Info("fetched remote events", "year", year, "count", len(events))

	settled := make(map[string]bool)
	owners := make(map[string]string)
	for _, ev := range events {
		path := eventfile.PathFor(e.cfg.Paths.Root, e.startDay(ev), ev.Summary)
		rec := recordFor(ev)

		if prev, ok := owners[path]; ok && prev != ev.ID {
			e.logger.Warn("multiple remote events map to the same file, last one wins",
				"path", path, "event_id", ev.ID, "previous_event_id", prev)
		}
		owners[path] = ev.ID

		existing, readErr := os.ReadFile(path)
		if readErr == nil && bytes.Equal(existing, eventfile.Encode(rec)) {
			summary.Unchanged++
			settled[path] = true
			e.index[path] = ev.ID
			continue
		}

		if readErr == nil && e.keepLocal(path, cursor, ev) {
			e.logger.Info("keeping local edit newer than remote event", "path", path, "event_id", ev.ID)
			summary.KeptLocal++
			continue
		}

		if e.dryRun {
			e.logger.Info("[dry-run] would write", "path", path, "event_id", ev.ID)
			summary.Pulled++
			settled[path] = true
			continue
		}

		if err := e.write(path, rec); err != nil {
			e.logger.Error("failed to write event file", "path", path, "event_id", ev.ID, "error", err)
			summary.Failed++
			continue
		}
		e.logger.Debug("pulled event", "path", path, "event_id", ev.ID)
		summary.Pulled++
		settled[path] = true
	}

	return settled, nil
}

// keepLocal reports whether the file at path holds an unpushed edit that is
// newer than the remote event
func (e *Engine) keepLocal(path string, cursor time.Time, ev gcal.Event) bool {
	if !e.cfg.ProtectsLocalEdits() || ev.Updated.IsZero() {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !cursor.IsZero() && !info.ModTime().After(cursor) {
		return false
	}
	return info.ModTime().After(ev.Updated)
}

// push reconciles every candidate modified after cursor that the pull did not
// just write. Failures are counted and logged; they never stop the pass.
func (e *Engine) push(ctx context.Context, cursor time.Time, settled map[string]bool, summary *Summary) {
	for path, err := range e.scanner.Candidates(e.cfg.Paths.Root) {
		if err != nil {
			e.logger.Warn("failed to scan local store", "path", path, "error", err)
			continue
		}
		if settled[path] {
			continue
		}

		needs, err := scan.NeedsPush(path, cursor)
		if err != nil {
			e.logger.Warn("failed to stat event file", "path", path, "error", err)
			continue
		}
		if !needs {
			continue
		}

		outcome, err := e.Reconcile(ctx, path)
		if err != nil {
			e.logger.Error("failed to push event file", "path", path, "error", err)
			summary.Failed++
			continue
		}

		switch outcome {
		case OutcomeCreated:
			summary.Created++
		case OutcomeUpdated:
			summary.Updated++
		case OutcomeRecreated:
			summary.Recreated++
		default:
			summary.Skipped++
		}
	}
}

// Reconcile pushes the file at path to the remote calendar: an update when
// the file carries an identifier, a create otherwise. A create rewrites the
// file with the new identifier. This includes the single create issued when an
// update reports the event gone, so later pushes update the new event instead
// of creating another one.
func (e *Engine) Reconcile(ctx context.Context, path string) (Outcome, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		e.logger.Info("event file disappeared before push", "path", path)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("failed to read event file: %w", err)
	}

	rec := eventfile.Decode(data)
	ev := e.eventFor(path, rec)

	if rec.ID == "" {
		if err := e.create(ctx, path, rec, ev); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeCreated, nil
	}

	e.index[path] = rec.ID

	if e.dryRun {
		e.logger.Info("[dry-run] would update", "path", path, "event_id", rec.ID)
		return OutcomeUpdated, nil
	}

	_, err = e.gateway.Update(ctx, rec.ID, ev)
	switch {
	case err == nil:
		e.logger.Info("updated remote event", "path", path, "event_id", rec.ID)
		return OutcomeUpdated, nil
	case errors.Is(err, gcal.ErrNotFound):
		e.logger.Warn("remote event is gone, creating it again", "path", path, "event_id", rec.ID)
		if err := e.create(ctx, path, rec, ev); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeRecreated, nil
	default:
		return OutcomeSkipped, err
	}
}

// create inserts ev and stores the assigned identifier in the file at path
func (e *Engine) create(ctx context.Context, path string, rec eventfile.Record, ev gcal.Event) error {
	if e.dryRun {
		e.logger.Info("[dry-run] would create", "path", path, "summary", ev.Summary)
		return nil
	}

	created, err := e.gateway.Create(ctx, ev)
	if err != nil {
		return err
	}

	rec.ID = created.ID
	if rec.Duration == "" {
		rec.Duration = eventfile.DefaultDescriptor
		if d := e.cfg.Sync.DefaultDuration; d > 0 {
			rec.Duration = eventfile.FormatSpan(d)
		}
	}
	if err := e.write(path, rec); err != nil {
		// the remote event exists; the next push of this file creates a duplicate
		return fmt.Errorf("created event %s but failed to store its id: %w", created.ID, err)
	}

	e.logger.Info("created remote event", "path", path, "event_id", created.ID)
	return nil
}

// Remove deletes the remote event last known for path. Paths without a known
// identifier are a no-op; an event that is already gone counts as deleted.
func (e *Engine) Remove(ctx context.Context, path string) error {
	id, ok := e.index[path]
	if !ok || id == "" {
		e.logger.Info("no known event for removed file, nothing to delete", "path", path)
		return nil
	}

	if e.dryRun {
		e.logger.Info("[dry-run] would delete", "path", path, "event_id", id)
		return nil
	}

	err := e.gateway.Delete(ctx, id)
	switch {
	case err == nil:
		e.logger.Info("deleted remote event", "path", path, "event_id", id)
	case errors.Is(err, gcal.ErrNotFound):
		e.logger.Info("remote event already gone", "path", path, "event_id", id)
	default:
		return err
	}

	delete(e.index, path)
	return nil
}

// LoadIndex seeds the identifier index from the files under the root
func (e *Engine) LoadIndex() (int, error) {
	files, err := e.scanner.Discover(e.cfg.Paths.Root)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, path := range files {
		rec, err := eventfile.Read(path)
		if err != nil {
			e.logger.Warn("failed to read event file", "path", path, "error", err)
			continue
		}
		if rec.ID == "" {
			continue
		}
		e.index[path] = rec.ID
		n++
	}
	return n, nil
}

// KnownID returns the identifier recorded for path
func (e *Engine) KnownID(path string) (string, bool) {
	id, ok := e.index[path]
	return id, ok
}

// RecentlyWritten reports whether the file at path still holds the content
// the engine itself wrote within the self-write window. A file edited or
// removed since then is not reported.
func (e *Engine) RecentlyWritten(path string) bool {
	w, ok := e.selfWrites[path]
	if !ok {
		return false
	}
	if e.now().Sub(w.at) > e.cfg.Watch.SelfWriteWindow {
		delete(e.selfWrites, path)
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil || sha256.Sum256(data) != w.sum {
		delete(e.selfWrites, path)
		return false
	}
	return true
}

// write stores rec at path and records the write in the self-write log and index
func (e *Engine) write(path string, rec eventfile.Record) error {
	if err := eventfile.Write(path, rec); err != nil {
		return err
	}

	now := e.now()
	for p, w := range e.selfWrites {
		if now.Sub(w.at) > e.cfg.Watch.SelfWriteWindow {
			delete(e.selfWrites, p)
		}
	}
	e.selfWrites[path] = selfWrite{at: now, sum: sha256.Sum256(eventfile.Encode(rec))}
	if rec.ID != "" {
		e.index[path] = rec.ID
	}
	return nil
}

func (e *Engine) localNow() time.Time {
	return e.now().In(e.cfg.Location())
}

// startDay returns the instant whose calendar date buckets ev
func (e *Engine) startDay(ev gcal.Event) time.Time {
	if ev.IsAllDay() {
		return ev.Start.Time
	}
	return ev.Start.Time.In(e.cfg.Location())
}

// recordFor converts a remote event to its file content
func recordFor(ev gcal.Event) eventfile.Record {
	rec := eventfile.Record{
		ID:          ev.ID,
		Description: ev.Description,
	}
	if ev.IsAllDay() {
		rec.Duration = eventfile.AllDay
	} else {
		rec.Duration = eventfile.FormatDuration(ev.Start.Time, ev.End.Time)
	}
	return rec
}

// eventFor builds the remote event pushed for the file at path. The start is
// the moment of reconciliation; with the bucket anchor its date comes from the
// file's directory instead.
func (e *Engine) eventFor(path string, rec eventfile.Record) gcal.Event {
	loc := e.cfg.Location()
	start := e.localNow()

	bucketed := false
	if e.cfg.Sync.Anchor == config.AnchorBucket {
		if day, ok := scan.BucketDate(e.cfg.Paths.Root, path, loc); ok {
			start = time.Date(day.Year(), day.Month(), day.Day(),
				start.Hour(), start.Minute(), start.Second(), 0, loc)
			bucketed = true
		}
	}

	ev := gcal.Event{
		Summary:     eventfile.Summary(path),
		Description: rec.Description,
	}

	if bucketed && rec.IsAllDay() {
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		ev.Start = gcal.EventTime{Time: day, AllDay: true}
		ev.End = gcal.EventTime{Time: day.AddDate(0, 0, 1), AllDay: true}
		return ev
	}

	span, ok := eventfile.ParseDuration(rec.Duration)
	if !ok {
		span = e.cfg.Sync.DefaultDuration
	}

	ev.Start = gcal.EventTime{Time: start, TimeZone: e.cfg.Calendar.Timezone}
	ev.End = gcal.EventTime{Time: start.Add(span), TimeZone: e.cfg.Calendar.Timezone}
	return ev
}

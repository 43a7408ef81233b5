package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/schaermu/calsyncd/internal/config"
	calsync "github.com/schaermu/calsyncd/internal/sync"
)

// Engine is the part of the sync engine the loop drives
type Engine interface {
	EnsureSkeleton() error
	LoadIndex() (int, error)
	Reconcile(ctx context.Context, path string) (calsync.Outcome, error)
	Remove(ctx context.Context, path string) error
	Pull(ctx context.Context, year int) (calsync.Summary, error)
	RecentlyWritten(path string) bool
}

// Loop turns file system events into remote calendar changes, one at a time
type Loop struct {
	cfg    *config.Config
	engine Engine
	logger *slog.Logger

	// OnReady, when set, is called once the watcher is running
	OnReady func()
}

// NewLoop creates a watch loop
func NewLoop(cfg *config.Config, engine Engine, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:    cfg,
		engine: engine,
		logger: logger,
	}
}

// Run watches the calendar root until ctx is cancelled. It returns nil on
// cancellation and an error only if watching could not be set up.
func (l *Loop) Run(ctx context.Context) error {
	root := l.cfg.Paths.Root

	if err := l.engine.EnsureSkeleton(); err != nil {
		return err
	}

	indexed, err := l.engine.LoadIndex()
	if err != nil {
		return fmt.Errorf("failed to index event files: %w", err)
	}

	fw, err := NewFileWatcher(l.logger)
	if err != nil {
		return err
	}
	if err := fw.Start(root); err != nil {
		return err
	}
	defer func() {
		if err := fw.Stop(); err != nil {
			l.logger.Warn("failed to stop file watcher", "error", err)
		}
	}()

	resync, stop, err := l.startResync()
	if err != nil {
		return err
	}
	defer stop()

	l.logger.Info("watching for changes",
		"root", root,
		"indexed", indexed,
		"resync", l.cfg.Watch.Resync)

	if l.OnReady != nil {
		l.OnReady()
	}

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("stopping watch loop")
			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}
			l.handle(ctx, ev)

		case err, ok := <-fw.Errors():
			if !ok {
				return nil
			}
			l.logger.Warn("file watcher error", "error", err)

		case <-resync:
			l.pull(ctx)
		}
	}
}

// startResync schedules periodic pulls. The cron goroutine only signals the
// loop; the pull itself runs on the loop goroutine.
func (l *Loop) startResync() (<-chan struct{}, func(), error) {
	if l.cfg.Watch.Resync == "" {
		return nil, func() {}, nil
	}

	ticks := make(chan struct{}, 1)
	c := cron.New()
	if _, err := c.AddFunc(l.cfg.Watch.Resync, func() {
		select {
		case ticks <- struct{}{}:
		default:
			// a pull is already pending
		}
	}); err != nil {
		return nil, nil, fmt.Errorf("invalid resync schedule: %w", err)
	}
	c.Start()

	return ticks, func() { <-c.Stop().Done() }, nil
}

func (l *Loop) handle(ctx context.Context, ev FileEvent) {
	l.logger.Debug("file event", "path", ev.Path, "op", ev.Op)

	switch ev.Op {
	case OpCreate, OpModify:
		if l.engine.RecentlyWritten(ev.Path) {
			l.logger.Debug("ignoring own write", "path", ev.Path, "op", ev.Op)
			return
		}
		outcome, err := l.engine.Reconcile(ctx, ev.Path)
		if err != nil {
			l.logger.Error("failed to push event file", "path", ev.Path, "error", err)
			return
		}
		l.logger.Debug("reconciled", "path", ev.Path, "outcome", outcome)

	case OpDelete:
		if err := l.engine.Remove(ctx, ev.Path); err != nil {
			l.logger.Error("failed to delete remote event", "path", ev.Path, "error", err)
		}
	}
}

func (l *Loop) pull(ctx context.Context) {
	year := time.Now().In(l.cfg.Location()).Year()
	summary, err := l.engine.Pull(ctx, year)
	if err != nil {
		l.logger.Error("scheduled resync failed", "error", err)
		return
	}
	l.logger.Info("scheduled resync completed",
		"pulled", summary.Pulled,
		"unchanged", summary.Unchanged,
		"kept_local", summary.KeptLocal)
}

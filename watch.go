package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Inbox layout.
const (
	inboxLockFile = ".emsrefresh.pid"
	processedDir  = "processed"
	failedDir     = "failed"
)

// Watcher error backoff, doubled per consecutive error.
const (
	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = time.Minute
	watchErrBackoffMult = 2
)

// snapshotExts are the file extensions picked up from an inbox. JSON is
// read by the YAML decoder.
var snapshotExts = map[string]bool{".yml": true, ".yaml": true, ".json": true}

// fsWatcher is the subset of *fsnotify.Watcher the inbox uses.
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher, whose channels are fields.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// batchFunc refreshes one batch of snapshot files.
type batchFunc func(ctx context.Context, files []string) error

// watchInbox refreshes snapshot files as they land in dir. Files arriving
// within settle of each other form one batch, so a collector writing a split
// inventory gets a single refresh. Files waiting at startup are refreshed
// first. Returns when ctx is canceled.
func watchInbox(ctx context.Context, dir string, settle time.Duration, logger *slog.Logger, fn batchFunc) error {
	unlock, err := writePIDFile(filepath.Join(dir, inboxLockFile))
	if err != nil {
		return err
	}
	defer unlock()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	ib := &inbox{dir: dir, settle: settle, logger: logger, fn: fn, pending: make(map[string]bool)}

	return ib.watch(ctx, &fsnotifyWatcher{w: w})
}

// inbox collects snapshot files from one directory and hands them to fn.
type inbox struct {
	dir     string
	settle  time.Duration
	logger  *slog.Logger
	fn      batchFunc
	pending map[string]bool
}

func (ib *inbox) watch(ctx context.Context, watcher fsWatcher) error {
	defer watcher.Close()

	if err := watcher.Add(ib.dir); err != nil {
		return fmt.Errorf("watching %s: %w", ib.dir, err)
	}

	// Files already waiting are refreshed before any new arrival.
	if err := ib.scan(); err != nil {
		return err
	}

	if len(ib.pending) > 0 {
		ib.flush(ctx)
	}

	return ib.loop(ctx, watcher)
}

func (ib *inbox) loop(ctx context.Context, watcher fsWatcher) error {
	timer := time.NewTimer(ib.settle)
	timer.Stop()

	defer timer.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if ib.accept(ev) {
				ib.pending[ev.Name] = true
				timer.Reset(ib.settle)
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			ib.logger.Warn("inbox watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := timeSleep(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-timer.C:
			ib.flush(ctx)
		}
	}
}

// accept reports whether ev announces a snapshot file worth refreshing.
// Removals and renames away are ignored; a file renamed into the inbox
// arrives as a create.
func (ib *inbox) accept(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}

	return isSnapshotFile(ev.Name)
}

func isSnapshotFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	return snapshotExts[strings.ToLower(filepath.Ext(base))]
}

// scan queues the snapshot files already in the inbox.
func (ib *inbox) scan() error {
	entries, err := os.ReadDir(ib.dir)
	if err != nil {
		return fmt.Errorf("reading inbox %s: %w", ib.dir, err)
	}

	for _, e := range entries {
		if e.Type().IsRegular() && isSnapshotFile(e.Name()) {
			ib.pending[filepath.Join(ib.dir, e.Name())] = true
		}
	}

	return nil
}

// flush refreshes every pending file as one batch and files them under
// processed/ or failed/. Files that vanished before the batch ran are
// dropped.
func (ib *inbox) flush(ctx context.Context) {
	files := make([]string, 0, len(ib.pending))

	for f := range ib.pending {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}

	clear(ib.pending)

	if len(files) == 0 {
		return
	}

	sort.Strings(files)

	err := ib.fn(ctx, files)

	dest := processedDir

	switch {
	case err == nil:
		ib.logger.Info("snapshot batch refreshed", slog.Int("files", len(files)))
	case ctx.Err() != nil:
		// Interrupted runs leave their files for the next start.
		ib.logger.Warn("snapshot batch interrupted", slog.String("error", err.Error()))
		return
	case errors.Is(err, errPartialRefresh):
		ib.logger.Warn("snapshot batch refreshed with invalid records", slog.String("error", err.Error()))
	default:
		ib.logger.Error("snapshot batch failed", slog.String("error", err.Error()))
		dest = failedDir
	}

	ib.move(files, dest)
}

func (ib *inbox) move(files []string, sub string) {
	dir := filepath.Join(ib.dir, sub)

	if err := os.MkdirAll(dir, pidDirPermissions); err != nil {
		ib.logger.Error("creating inbox directory failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}

	for _, f := range files {
		if err := os.Rename(f, filepath.Join(dir, filepath.Base(f))); err != nil {
			ib.logger.Error("moving snapshot file failed", slog.String("file", f), slog.String("error", err.Error()))
		}
	}
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

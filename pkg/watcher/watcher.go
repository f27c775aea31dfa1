package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ritzau/asset-pipeline/pkg/logging"
)

// Op is the kind of file change observed
type Op int

const (
	OpAdded Op = iota
	OpModified
	OpDeleted
)

func (o Op) String() string {
	switch o {
	case OpAdded:
		return "added"
	case OpModified:
		return "modified"
	default:
		return "deleted"
	}
}

// ChangeEvent is one observed file change, delivered per path
type ChangeEvent struct {
	Op        Op
	Path      string
	Timestamp time.Time
}

// FileWatcher watches the configured scan folders and the cache root,
// translating raw fsnotify events into added/modified/deleted changes.
// fsnotify watches are per-directory, so directories are registered
// recursively and newly created directories are picked up on the fly.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	roots   []string
	events  chan ChangeEvent
}

// NewFileWatcher creates a watcher over the given root directories
func NewFileWatcher(roots []string) (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: fsw,
		roots:   roots,
		events:  make(chan ChangeEvent, 1024),
	}, nil
}

// Start registers all directories and begins delivering events
func (fw *FileWatcher) Start(ctx context.Context) error {
	for _, root := range fw.roots {
		if err := fw.watchTree(root); err != nil {
			logging.Warn("failed to watch root", "path", root, "error", err)
		}
	}

	logging.Info("started watching", "roots", len(fw.roots))
	go fw.processEvents(ctx)
	return nil
}

// watchTree adds a directory and everything below it to the watcher
func (fw *FileWatcher) watchTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip entries we can't access
		}
		if !info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			logging.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = fw.watcher.Close()
			close(fw.events)
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				close(fw.events)
				return
			}
			fw.handleEvent(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("watcher error", "error", err)
		}
	}
}

func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	now := time.Now()

	switch {
	case event.Op.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// A directory created after startup: watch it and report the
			// files already inside (they may have landed before the watch)
			if err := fw.watchTree(event.Name); err != nil {
				logging.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			fw.emitExistingFiles(event.Name, now)
			return
		}
		fw.emit(ChangeEvent{Op: OpAdded, Path: event.Name, Timestamp: now})

	case event.Op.Has(fsnotify.Write):
		fw.emit(ChangeEvent{Op: OpModified, Path: event.Name, Timestamp: now})

	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		fw.emit(ChangeEvent{Op: OpDeleted, Path: event.Name, Timestamp: now})
	}
}

func (fw *FileWatcher) emitExistingFiles(dir string, ts time.Time) {
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		fw.emit(ChangeEvent{Op: OpAdded, Path: path, Timestamp: ts})
		return nil
	})
}

func (fw *FileWatcher) emit(event ChangeEvent) {
	select {
	case fw.events <- event:
	default:
		logging.Warn("watch event channel full, dropping event", "path", event.Path)
	}
}

// Events returns the channel of change events
func (fw *FileWatcher) Events() <-chan ChangeEvent {
	return fw.events
}

// Package watcher turns fsnotify notifications into change events. It does
// no debouncing of its own: events are delivered as they arrive and the
// consumer decides how to batch them.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// FileWatcher watches directory trees for file changes
type FileWatcher struct {
	watcher *fsnotify.Watcher
	filters []FileFilter
	events  chan ChangeEvent
	logger  logging.Logger
	mutex   sync.RWMutex
}

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Change converts the event for the graph builder. A rename reports the
// old name, which no longer exists.
func (e ChangeEvent) Change() graph.Change {
	kind := graph.Modified
	switch e.Type {
	case EventTypeCreated:
		kind = graph.Created
	case EventTypeDeleted, EventTypeRenamed:
		kind = graph.Deleted
	}
	return graph.Change{Path: e.Path, Kind: kind}
}

// FileFilter reports whether a path should be watched
type FileFilter func(path string) bool

// NewFileWatcher creates a watcher whose event channel holds up to buffer
// undelivered events.
func NewFileWatcher(buffer int, logger logging.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &FileWatcher{
		watcher: w,
		events:  make(chan ChangeEvent, buffer),
		logger:  logger.WithComponent("watcher"),
	}, nil
}

// AddFilter adds a file filter. Paths rejected by any filter are neither
// watched nor reported.
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// Events delivers change events until the watcher stops.
func (fw *FileWatcher) Events() <-chan ChangeEvent {
	return fw.events
}

// AddRecursive adds a directory and all subdirectories that pass the
// filters.
func (fw *FileWatcher) AddRecursive(root string) error {
	cleanRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return fmt.Errorf("invalid root path: %w", err)
	}

	return filepath.WalkDir(cleanRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != cleanRoot && !fw.accept(path) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// WatchList returns the watched directories.
func (fw *FileWatcher) WatchList() []string {
	return fw.watcher.WatchList()
}

// Start starts delivering events. It returns immediately.
func (fw *FileWatcher) Start(ctx context.Context) {
	go fw.watchLoop(ctx)
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	return fw.watcher.Close()
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	defer close(fw.events)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			change, ok := fw.convert(event)
			if !ok {
				continue
			}
			select {
			case fw.events <- change:
			case <-ctx.Done():
				return
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "file watcher error")
		}
	}
}

func (fw *FileWatcher) accept(path string) bool {
	fw.mutex.RLock()
	defer fw.mutex.RUnlock()
	for _, filter := range fw.filters {
		if !filter(path) {
			return false
		}
	}
	return true
}

func (fw *FileWatcher) convert(event fsnotify.Event) (ChangeEvent, bool) {
	if !fw.accept(event.Name) {
		return ChangeEvent{}, false
	}

	var eventType EventType
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventTypeCreated
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventTypeModified
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventTypeDeleted
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventTypeRenamed
	default:
		// chmod only
		return ChangeEvent{}, false
	}

	change := ChangeEvent{Type: eventType, Path: event.Name}
	if info, err := os.Stat(event.Name); err == nil {
		if info.IsDir() {
			if eventType == EventTypeCreated {
				// files created together with the directory may predate the watch
				if err := fw.AddRecursive(event.Name); err != nil {
					fw.logger.Warn(context.Background(), err, "failed to watch new directory", "path", event.Name)
				}
			}
			return ChangeEvent{}, false
		}
		change.ModTime = info.ModTime()
		change.Size = info.Size()
	}
	return change, true
}

// IgnoreFilter rejects paths with a segment matching any of the glob
// patterns, such as "node_modules" or "*.log".
func IgnoreFilter(patterns []string) FileFilter {
	return func(path string) bool {
		for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
			if segment == "" {
				continue
			}
			for _, pattern := range patterns {
				if ok, _ := filepath.Match(pattern, segment); ok {
					return false
				}
			}
		}
		return true
	}
}

// IgnoreDirFilter rejects paths inside dir.
func IgnoreDirFilter(dir string) FileFilter {
	dir = filepath.Clean(dir)
	return func(path string) bool {
		path = filepath.Clean(path)
		return path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator))
	}
}

// NoEditorTempFilter rejects swap and backup files written by editors.
func NoEditorTempFilter(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, "~"),
		strings.HasSuffix(base, ".swp"),
		strings.HasSuffix(base, ".swx"),
		strings.HasPrefix(base, ".#"),
		base == "4913":
		return false
	}
	return true
}

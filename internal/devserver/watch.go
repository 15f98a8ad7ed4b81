package devserver

import (
	"fmt"

	"github.com/conneroisu/bundlr/internal/config"
	"github.com/conneroisu/bundlr/internal/logging"
	"github.com/conneroisu/bundlr/internal/watcher"
)

// NewWatcher watches the configured paths, or the project context when
// none are configured. The output directory, ignored patterns and editor
// temporary files are filtered out.
func NewWatcher(cfg *config.Config, logger logging.Logger) (*watcher.FileWatcher, error) {
	w, err := watcher.NewFileWatcher(intakeBuffer, logger)
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w.AddFilter(watcher.IgnoreDirFilter(cfg.OutputDir()))
	w.AddFilter(watcher.IgnoreFilter(cfg.Watch.Ignore))
	w.AddFilter(watcher.NoEditorTempFilter)

	paths := cfg.Watch.Paths
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		if err := w.AddRecursive(cfg.Abs(p)); err != nil {
			_ = w.Stop()
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
	}
	return w, nil
}

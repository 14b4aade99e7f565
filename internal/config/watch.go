package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces the burst of events editors produce on save.
const reloadDelay = 100 * time.Millisecond

// Watcher reloads the YAML config file whenever it changes.
type Watcher struct {
	path     string
	base     File
	onChange func(File)
	logger   zerolog.Logger
}

// NewWatcher creates a watcher for path. onChange receives every file that
// parses and validates; broken edits are logged and skipped.
func NewWatcher(path string, base File, onChange func(File), logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		base:     base,
		onChange: onChange,
		logger:   logger.With().Str("component", "config").Logger(),
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// rename-on-save editors are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDelay)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("file watcher error")
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	file, err := ReadFile(w.path, w.base)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("ignoring invalid config change")
		return
	}
	w.logger.Info().Str("path", w.path).Msg("config reloaded")
	w.onChange(file)
}

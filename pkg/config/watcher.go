package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given configuration file.
func NewWatcher(path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:   path,
		logger: logger.With().Str("component", "config-watcher").Logger(),
	}
}

// Watch reloads the configuration on file changes and passes each valid
// reload to reloadFn. Invalid configurations are logged and skipped, the
// previous configuration stays in effect. Watch blocks until ctx is done.
func (w *Watcher) Watch(ctx context.Context, reloadFn func(*Config) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	// Watch the directory rather than the file itself. Editors replace
	// files on save, which drops a plain file watch.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info().Str("path", w.path).Msg("Watching configuration file")

	// Debounce rapid write bursts from editors.
	var timer *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Warn().Err(err).Msg("Configuration reload rejected")
			return
		}
		if err := reloadFn(cfg); err != nil {
			w.logger.Warn().Err(err).Msg("Configuration reload failed")
			return
		}
		w.logger.Info().Str("path", w.path).Msg("Configuration reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file, and its override script, when
// either changes on disk.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	watched map[string]bool
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(loader *Loader, path string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		debounce: debounce,
		logger:   loader.logger.With().Str("file", path).Logger(),
		watched:  make(map[string]bool),
	}
}

// Watch loads the file, calls onChange with it, and again after every
// change until ctx is done. Directories are watched rather than files so
// editors that replace the file by rename are seen. A reload that fails
// validation is logged and skipped; the previous document stays in effect.
func (w *Watcher) Watch(ctx context.Context, onChange func(context.Context, *Document) error) error {
	doc, err := w.loader.Load(ctx, w.path)
	if err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.track(fsw, doc); err != nil {
		return err
	}
	if err := onChange(ctx, doc); err != nil {
		return err
	}

	var (
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !w.isWatched(event.Name) {
				continue
			}
			w.logger.Debug().
				Str("event", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			next, err := w.loader.Load(ctx, w.path)
			if err != nil {
				w.logger.Error().Err(err).Msg("Reload failed, keeping previous configuration")
				continue
			}
			if err := w.track(fsw, next); err != nil {
				w.logger.Warn().Err(err).Msg("Failed to watch override script")
			}
			w.logger.Info().Msg("Configuration reloaded")
			if err := onChange(ctx, next); err != nil {
				return err
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// track watches the directories of the file and its override script.
func (w *Watcher) track(fsw *fsnotify.Watcher, doc *Document) error {
	files := []string{w.path}
	if doc.Overrides != "" {
		files = append(files, filepath.Clean(doc.Overrides))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range files {
		if w.watched[f] {
			continue
		}
		dir := filepath.Dir(f)
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.watched[f] = true
	}
	return nil
}

func (w *Watcher) isWatched(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched[filepath.Clean(name)]
}

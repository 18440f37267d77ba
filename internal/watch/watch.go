// Package watch reports debounced batches of file system changes under a set
// of paths.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last change before a batch
// is reported.
const DefaultDebounce = 100 * time.Millisecond

// DefaultIgnore is used when Config.Ignore is nil.
var DefaultIgnore = []string{".git", "node_modules"}

// ErrClosed is returned by Run when the watcher was closed underneath it.
var ErrClosed = errors.New("watcher closed")

// Config configures a Watcher.
type Config struct {
	// Paths are watched recursively. Files are watched directly.
	Paths []string

	// Ignore holds filepath.Match patterns tested against the base name of
	// every path. Matching directories are not descended into.
	Ignore []string

	Debounce time.Duration

	Logger *slog.Logger
}

// Watcher watches paths for changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	ignore   []string
	debounce time.Duration
	logger   *slog.Logger
}

// New creates a Watcher and starts watching cfg.Paths.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("paths cannot be empty")
	}

	if cfg.Ignore == nil {
		cfg.Ignore = DefaultIgnore
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	for _, pattern := range cfg.Ignore {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		ignore:   cfg.Ignore,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
	}

	for _, path := range cfg.Paths {
		if err := w.add(path); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return w, nil
}

// add watches path and, for a directory, every directory beneath it.
func (w *Watcher) add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.IsDir() {
		if err := w.fsw.Add(abs); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}

		return nil
	}

	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished or unreadable entries are skipped.
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if p != abs && w.ignored(p) {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}

		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)

	return slices.ContainsFunc(w.ignore, func(pattern string) bool {
		matched, _ := filepath.Match(pattern, base)
		return matched
	})
}

// Run calls fn with the sorted set of changed paths once no change has been
// seen for the debounce period. fn is called from Run's goroutine, so
// changes made while it runs are reported in the next batch. Run returns nil
// when ctx is done.
func (w *Watcher) Run(ctx context.Context, fn func(paths []string)) error {
	pending := make(map[string]struct{})

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return ErrClosed
			}

			if !w.relevant(event) {
				continue
			}

			w.logger.Debug("file changed", "path", event.Name, "op", event.Op.String())

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.add(event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", event.Name, "err", err)
					}
				}
			}

			pending[event.Name] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return ErrClosed
			}

			w.logger.Warn("watcher error", "err", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}

			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}

			slices.Sort(paths)
			clear(pending)

			fn(paths)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) &&
		!event.Has(fsnotify.Rename) {
		return false
	}

	return !w.ignored(event.Name)
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

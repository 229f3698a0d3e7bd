package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/rules/pkg/telemetry"
)

// DefaultReloadDelay is how long the watcher waits for writes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// PackWatcher reloads a rule pack when its files change.
type PackWatcher struct {
	loader *Loader
	path   string
	delay  time.Duration
	logger *telemetry.Logger
	events *telemetry.EventPublisher

	mu       sync.Mutex
	reloadMu sync.Mutex
	watcher  *fsnotify.Watcher
	timer    *time.Timer
}

// NewPackWatcher creates a watcher for the pack at path. events may be nil.
func NewPackWatcher(loader *Loader, path string, logger *telemetry.Logger, events *telemetry.EventPublisher) *PackWatcher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &PackWatcher{
		loader: loader,
		path:   path,
		delay:  DefaultReloadDelay,
		logger: logger.NewComponentLogger("pack-watcher").WithField("pack", path),
		events: events,
	}
}

// SetDelay changes the debounce delay. It must be called before Watch.
func (w *PackWatcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Watch starts watching and returns once the watch is in place. onChange
// receives every reload, successful or not, until ctx is done or Close is
// called.
func (w *PackWatcher) Watch(ctx context.Context, onChange func(*Pack, error)) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("failed to stat pack %s: %w", w.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace files by rename, so single files are watched
	// through their directory.
	if info.IsDir() {
		err = filepath.WalkDir(w.path, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
	} else {
		err = watcher.Add(filepath.Dir(w.path))
	}
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher, info.IsDir(), onChange)

	w.logger.Info("Started watching rule pack")
	return nil
}

// Close stops the watcher.
func (w *PackWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}

func (w *PackWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir bool, onChange func(*Pack, error)) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event, dir) {
				continue
			}

			w.logger.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("Pack file changed")

			if dir && event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						w.logger.WithError(err).Warn("Failed to watch new directory")
					}
				}
			}
			w.schedule(ctx, onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Pack watcher error")
		}
	}
}

func (w *PackWatcher) relevant(event fsnotify.Event, dir bool) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	if dir {
		return IsPackFile(event.Name) || event.Op&fsnotify.Create != 0
	}
	return filepath.Clean(event.Name) == filepath.Clean(w.path)
}

// schedule debounces bursts of events into a single reload.
func (w *PackWatcher) schedule(ctx context.Context, onChange func(*Pack, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		w.reload(ctx, onChange)
	})
}

func (w *PackWatcher) reload(ctx context.Context, onChange func(*Pack, error)) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	pack, err := w.loader.LoadPack(ctx, w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Rule pack reload failed")
		onChange(nil, err)
		return
	}

	rules := pack.CountRules()
	if err := w.events.PublishPackReloaded(w.path, rules); err != nil {
		w.logger.WithError(err).Debug("Failed to publish reload event")
	}
	w.logger.WithField("rules", rules).Info("Rule pack reloaded")
	onChange(pack, nil)
}

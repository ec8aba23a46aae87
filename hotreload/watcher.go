package hotreload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses the burst of events editors produce when
// saving a file.
const DefaultWatchDebounce = 200 * time.Millisecond

// ApplyFunc receives a freshly loaded snapshot.
type ApplyFunc func(ctx context.Context, snap Snapshot) error

// Watcher reloads a manifest file whenever it changes.
type Watcher struct {
	path     string
	apply    ApplyFunc
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	ctx     context.Context
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce interval. Zero reloads on every event.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher creates a Watcher for the manifest at path.
func NewWatcher(path string, apply ApplyFunc, opts ...WatcherOption) *Watcher {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{path: filepath.Clean(path), apply: apply, debounce: DefaultWatchDebounce, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload loads the manifest once and hands it to the apply function. A load
// failure is returned without calling apply.
func (w *Watcher) Reload(ctx context.Context) error {
	snap, err := LoadManifest(w.path)
	if err != nil {
		w.log.ErrorContext(ctx, "hotreload.watch.load_fail", slog.String("path", w.path), slog.String("err", err.Error()))
		return err
	}
	if err := w.apply(ctx, snap); err != nil {
		w.log.ErrorContext(ctx, "hotreload.watch.apply_fail", slog.String("path", w.path), slog.String("err", err.Error()))
		return err
	}
	w.log.InfoContext(ctx, "hotreload.watch.reload.ok", slog.String("path", w.path))
	return nil
}

// Run watches the manifest's directory until ctx ends. Events for other
// files are ignored so atomic saves (write temp, rename over) still count.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.trigger()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "hotreload.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce <= 0 {
		go w.fire()
		return
	}
	if w.pending {
		return
	}
	w.pending = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.fire)
	} else {
		w.timer.Reset(w.debounce)
	}
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.pending = false
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = w.Reload(ctx)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending = false
}

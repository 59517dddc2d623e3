package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader parses a Config from path. The caller supplies this since
// config parsing itself is out of scope here; this package only owns
// the reload trigger and the refuse-and-keep-previous behavior.
type Loader func(path string) (*Config, error)

// Watcher watches a config file for writes and reloads it, keeping the
// previously-accepted Config whenever a reload fails to parse or
// validate, per spec §7's "refuse to apply, keep previous" policy.
type Watcher struct {
	path   string
	load   Loader
	log    *slog.Logger
	fsw    *fsnotify.Watcher

	mu      sync.RWMutex
	current *Config

	onReload func(*Config)
	done     chan struct{}
}

// New constructs a Watcher holding initial as the current config.
// initial must already be valid; Watch arms the fsnotify watch on path
// and starts the reload loop.
func New(path string, initial *Config, load Loader, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("[config] create watcher: %w", err)
	}
	w := &Watcher{
		path:    path,
		load:    load,
		log:     log,
		fsw:     fsw,
		current: initial,
		done:    make(chan struct{}),
	}
	return w, nil
}

// OnReload registers fn to be called with the newly-applied Config
// after each successful reload. Must be called before Watch.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.onReload = fn
}

// Current returns the most recently accepted Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch arms the filesystem watch and processes events until Close is
// called. It is meant to be run in its own goroutine.
func (w *Watcher) Watch() error {
	if err := w.fsw.Add(w.path); err != nil {
		return fmt.Errorf("[config] watch %s: %w", w.path, err)
	}
	for {
		select {
		case <-w.done:
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config: watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := w.load(w.path)
	if err != nil {
		w.log.Warn("config: reload failed, keeping previous config", "path", w.path, "err", err)
		return
	}
	if err := next.Validate(); err != nil {
		w.log.Warn("config: reload produced invalid config, keeping previous", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	w.current = next
	w.mu.Unlock()
	w.log.Info("config: reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(next)
	}
}

// Close stops the watch loop and releases the fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Swind/go-idlesync/core"
	"github.com/Swind/go-idlesync/idling"
)

const debounceDelay = 100 * time.Millisecond

// Watcher reloads the config file when it changes and applies its policies
// to a live policy set. Running waits keep the policies they started with.
type Watcher struct {
	path     string
	policies *idling.Policies
	logger   core.Logger
	watcher  *fsnotify.Watcher
	onReload func(*Config, error)

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	debounce *time.Timer
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithReloadHook is called after every reload attempt with the new config or
// the error that kept the old policies in place.
func WithReloadHook(fn func(*Config, error)) WatchOption {
	return func(w *Watcher) { w.onReload = fn }
}

// Watch starts watching path. The parent directory is watched so editors that
// replace the file by rename are noticed.
func Watch(path string, policies *idling.Policies, logger core.Logger, opts ...WatchOption) (*Watcher, error) {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		policies: policies,
		logger:   logger,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", core.F("error", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.reload)
}

// reload keeps the current policies when the file is malformed.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Policies.Apply(w.policies)
	}
	if err != nil {
		w.logger.Error("config reload failed, keeping current policies",
			core.F("path", w.path), core.F("error", err))
	} else {
		w.logger.Info("idling policies reloaded",
			core.F("path", w.path),
			core.F("master", w.policies.Master().Timeout),
			core.F("dynamic_warning", w.policies.DynamicWarning().Timeout),
			core.F("dynamic_error", w.policies.DynamicError().Timeout),
		)
	}
	if w.onReload != nil {
		w.onReload(cfg, err)
	}
}

// Stop ends the watch and cancels a pending reload.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
		w.watcher.Close()
		<-w.done
	})
}

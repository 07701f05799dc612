package main

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads the config file when it changes on disk, so an
// operator can tune crawl limits or the similarity threshold between runs
// without restarting the tool.
type ConfigWatcher struct {
	path     string
	onReload func(*Config)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	mu       sync.Mutex
}

// NewConfigWatcher creates a watcher for the config file at path. onReload
// receives every successfully parsed new config.
func NewConfigWatcher(path string, onReload func(*Config)) *ConfigWatcher {
	return &ConfigWatcher{
		path:     path,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives editors that replace the file on save.
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	LogInfo("config_watcher").Str("path", w.path).Msg("Watching config file")

	go w.watch()
	return nil
}

// Stop stops the watcher
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		close(w.stopCh)
		w.watcher.Close()
		w.watcher = nil
	}
}

func (w *ConfigWatcher) watch() {
	// Debounce so an editor's write+rename sequence triggers one reload
	var debounceTimer *time.Timer
	debounceDelay := 300 * time.Millisecond

	reload := func() {
		cfg, err := LoadConfig(w.path)
		if err != nil {
			LogWarn("config_watcher").Err(err).Msg("Ignoring invalid config change")
			return
		}
		LogInfo("config_watcher").Msg("Config reloaded")
		w.onReload(cfg)
	}

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			LogError("config_watcher").Err(err).Msg("Watcher error")
		}
	}
}

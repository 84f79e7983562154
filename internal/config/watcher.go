package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Logger defines the logging interface needed by the config watcher.
type Logger interface {
	Infof(string, ...any)
	Errorf(string, ...any)
}

const reloadDebounce = 500 * time.Millisecond

// WatchFile watches the config file's directory and reloads the file into the Store
// whenever it is written, created, or renamed into place. Watching the directory keeps
// the watch alive across editors and config managers that replace the file.
// On error the old config is kept. Returns a stop function, or an error if setup fails.
func WatchFile(path string, store *Store, logger Logger) (stop func(), err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	done := make(chan struct{})

	go func() {
		defer watcher.Close()

		var lastReload time.Time
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				now := time.Now()
				if now.Sub(lastReload) < reloadDebounce {
					continue
				}
				lastReload = now

				logger.Infof("config file change detected: %s", ev.Name)
				cfg, err := Load(abs)
				if err != nil {
					logger.Errorf("failed to reload config, keeping previous: %v", err)
					continue
				}
				store.Update(cfg)
				logger.Infof("config reloaded (schedule.enabled=%t backend=%q)", cfg.Schedule.Enabled, cfg.Backend.Type)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Errorf("config watcher error: %v", err)
			}
		}
	}()

	return func() { close(done) }, nil
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("config")

// reloadDebounce absorbs the burst of events editors produce on save
// (truncate, write, chmod, rename).
const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and hands each successfully
// validated config to apply. Invalid files are logged and ignored; the
// previous config stays in effect. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file so that editors that
// replace the file by rename keep triggering reloads.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warningf("Config watcher error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				log.Errorf("Config reload rejected: %v", err)
				continue
			}
			log.Infof("Config reloaded from %s", abs)
			apply(cfg)
		}
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

// Watch reloads the file at path whenever it changes and passes the new
// configuration to onChange. Invalid files are logged and skipped. It
// stops when ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors often replace the file, so watch its directory.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				config, err := Load(target)
				if err != nil {
					glog.Warningf("Ignoring config change in %s: %v", target, err)
					continue
				}
				glog.Infof("Reloaded configuration from %s", target)
				onChange(config)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				glog.Errorf("Watcher error: %v", err)
			}
		}
	}()
	return nil
}

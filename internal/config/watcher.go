package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"ztrade/internal/logger"
	"ztrade/internal/risk"
)

// WatchLimits watches the limits file and swaps a fresh snapshot into
// src on every change. Events are debounced because editors fire
// several per save. A file that fails to parse leaves the previous
// snapshot in place.
func WatchLimits(ctx context.Context, path string, src *risk.Source) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// watch the directory so replace-by-rename saves are seen too
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	reload := func() {
		snap, err := LoadLimits(target)
		if err != nil {
			logger.Errorf("limits reload failed, keeping previous snapshot: %v", err)
			return
		}
		v := src.Swap(snap)
		logger.Infof("limits reloaded from %s (version %d)", target, v)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("limits watcher: %v", err)
		}
	}
}

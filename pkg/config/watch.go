package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes the result to
// fn. overrides are applied on every reload as in LoadWithOverrides. A reload
// that fails to parse or validate is passed as a nil Config and the error, and
// the previous configuration stays in effect for the caller. Watch blocks
// until ctx is cancelled.
//
// The parent directory is watched rather than the file itself so that editors
// which replace the file on save keep triggering reloads.
func Watch(ctx context.Context, path string, overrides map[string]any, fn func(*Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var (
		debounceTimer *time.Timer
		mu            sync.Mutex
		pending       bool
	)

	doReload := func() {
		mu.Lock()
		pending = false
		mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		cfg, err := LoadWithOverrides(abs, overrides)
		fn(cfg, err)
	}

	defer func() {
		mu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

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

			mu.Lock()
			if !pending {
				pending = true
				debounceTimer = time.AfterFunc(watchDebounce, doReload)
			} else {
				debounceTimer.Reset(watchDebounce)
			}
			mu.Unlock()

		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

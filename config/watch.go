package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/toolmesh/logging"
)

// DefaultDebounce coalesces bursts of file events (editors often write a
// file in several steps).
const DefaultDebounce = 200 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	// Debounce is the quiet period before a reload. Default: 200ms
	Debounce time.Duration
	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger
}

// Watch reloads the config file at path whenever it changes and passes each
// successfully loaded and validated config to onChange. Invalid files are
// logged and skipped; the previous config stays in effect. Watch blocks until
// ctx is done. The parent directory is watched so atomic renames are seen.
func Watch(ctx context.Context, path string, onChange func(*Config), optFns ...func(o *WatchOptions)) error {
	opts := WatchOptions{
		Debounce: DefaultDebounce,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		mu            sync.Mutex
		closed        bool
		debounceTimer *time.Timer
	)
	defer func() {
		mu.Lock()
		closed = true
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}

		cfg, err := Load(abs)
		if err != nil {
			opts.Logger.Warn("config.reload.failed", "path", abs, "error", err.Error())
			return
		}
		opts.Logger.Info("config.reloaded", "path", abs)
		onChange(cfg)
	}

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(opts.Debounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			opts.Logger.Warn("config.watch.error", "path", abs, "error", err.Error())
		}
	}
}

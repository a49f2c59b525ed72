package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/signalsfoundry/radio-globe/internal/logging"
)

// reloadDebounce coalesces the burst of events editors produce per save.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid result to
// onChange. Invalid files are logged and skipped. The directory is watched
// rather than the file so atomic replace-on-save is seen. Watch blocks until
// ctx is done.
func Watch(ctx context.Context, path string, log logging.Logger, onChange func(Config)) error {
	if log == nil {
		log = logging.Noop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
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
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				log.Warn(ctx, "config reload rejected; keeping previous values",
					logging.String("path", abs),
					logging.String("error", err.Error()),
				)
				continue
			}
			log.Info(ctx, "config reloaded", logging.String("path", abs))
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn(ctx, "config watcher error", logging.String("error", err.Error()))
		}
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// ReloadFunc receives the result of each reload. On error cfg is the last
// good configuration, or nil when there is none.
type ReloadFunc func(cfg *Config, err error)

// Watch reloads the config whenever its file changes and reports each
// result to onReload. The parent directory is watched so that editors
// which save by renaming are seen. Watch blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, debounce time.Duration, onReload ReloadFunc) error {
	if onReload == nil {
		return fmt.Errorf("config watch: reload callback is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("config watch: %w", err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != l.path || !relevant(ev.Op) {
				continue
			}
			if debounce <= 0 {
				onReload(l.Reload())
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			onReload(l.Reload())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			prev, _ := l.Last()
			onReload(prev, fmt.Errorf("config watch: %w", err))
		}
	}
}

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Create) || op.Has(fsnotify.Write) || op.Has(fsnotify.Rename)
}

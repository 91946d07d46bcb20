package universe

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 250 * time.Millisecond

// Reloader watches a snapshot file and swaps it into a Store on change.
// The directory is watched so editors that save by rename are picked up.
type Reloader struct {
	watcher *fsnotify.Watcher
	store   *Store
	path    string
	logger  *zap.Logger

	mu      sync.Mutex
	reloads int
}

func NewReloader(store *Store, path string, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve universe path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", abs, err)
	}
	return &Reloader{
		watcher: watcher,
		store:   store,
		path:    abs,
		logger:  logger.With(zap.String("component", "universe")),
	}, nil
}

// Reload reads the file and replaces the current snapshot. A file that fails
// to parse leaves the previous snapshot in place.
func (r *Reloader) Reload() error {
	snap, err := Load(r.path)
	if err != nil {
		return err
	}
	r.store.Replace(snap)
	r.mu.Lock()
	r.reloads++
	r.mu.Unlock()
	return nil
}

// Reloads counts successful reloads.
func (r *Reloader) Reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads
}

// Run blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) {
	defer r.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := r.Reload(); err != nil {
					r.logger.Warn("universe reload failed", zap.String("path", r.path), zap.Error(err))
					return
				}
				r.logger.Info("universe reloaded",
					zap.String("path", r.path),
					zap.String("version", r.store.Current().Version),
				)
			})

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

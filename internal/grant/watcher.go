package grant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	"go.uber.org/zap"
)

// Watcher forgets folder grants whose resolved directory disappears, which is
// how an out-of-band revocation shows up on the filesystem.
type Watcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	store   Store
	logger  *zap.Logger
	paths   map[string]string // resolved path -> tree uri
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewWatcher creates a Watcher that forgets revoked grants in store.
func NewWatcher(store Store, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watcher: fw,
		store:   store,
		logger:  logger,
		paths:   make(map[string]string),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Sync prunes stored folder grants whose directory no longer exists and
// tracks the rest. Call it once at startup.
func (w *Watcher) Sync(ctx context.Context) error {
	grants, err := w.store.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, g := range grants {
		if g.Kind != platform.KindFolder || g.ResolvedPath == "" {
			continue
		}
		if _, err := os.Stat(g.ResolvedPath); errors.Is(err, os.ErrNotExist) {
			w.logger.Info("grant target missing, forgetting", zap.String("uri", g.TreeURI), zap.String("path", g.ResolvedPath))
			errs = append(errs, w.store.Forget(ctx, g.TreeURI))
			continue
		}
		errs = append(errs, w.Track(g))
	}
	return errors.Join(errs...)
}

// Track starts watching g.ResolvedPath.
func (w *Watcher) Track(g Grant) error {
	path := filepath.Clean(g.ResolvedPath)
	if err := w.watcher.Add(path); err != nil {
		return err
	}
	w.mu.Lock()
	w.paths[path] = g.TreeURI
	w.mu.Unlock()
	return nil
}

// Untrack stops watching the path granted by treeURI.
func (w *Watcher) Untrack(treeURI string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, uri := range w.paths {
		if uri == treeURI {
			delete(w.paths, path)
			_ = w.watcher.Remove(path)
		}
	}
}

// Tracked returns the number of watched grants.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.paths)
}

// Start begins processing filesystem events in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop stops the event loop, if running, and releases the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("error closing grant watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("grant watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	path := filepath.Clean(event.Name)

	w.mu.Lock()
	uri, ok := w.paths[path]
	if ok {
		delete(w.paths, path)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	if err := w.store.Forget(ctx, uri); err != nil {
		w.logger.Error("failed to forget revoked grant", zap.String("uri", uri), zap.Error(err))
		return
	}
	w.logger.Info("grant revoked out-of-band", zap.String("uri", uri), zap.String("path", path))
}

// Ensure Watcher implements Tracker at compile time
var _ Tracker = (*Watcher)(nil)

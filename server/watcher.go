package server

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sambeau/sage/pkg/sage/cache"
)

// debounce is how long rapid changes are coalesced into one reload.
const debounce = 100 * time.Millisecond

// Watcher monitors the document root, forces cache checks for changed
// files and counts changes for live reload.
type Watcher struct {
	watcher *fsnotify.Watcher
	root    string
	cache   *cache.Cache
	logger  *slog.Logger

	// Track last change time to debounce rapid changes
	mu         sync.Mutex
	lastChange time.Time
	changeSeq  uint64 // Incremented on each file change for live reload
}

// NewWatcher creates a file watcher for root.
func NewWatcher(root string, c *cache.Cache, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: fsWatcher,
		root:    root,
		cache:   c,
		logger:  logger,
	}, nil
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watchDirRecursive(w.root); err != nil {
		return err
	}
	w.logger.Info("watching", "root", w.root)

	go w.eventLoop(ctx)
	return nil
}

// watchDirRecursive adds a directory and its subdirectories to the watch list
func (w *Watcher) watchDirRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if info.IsDir() {
			// Skip hidden directories
			if strings.HasPrefix(info.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		return nil
	})
}

// eventLoop processes file system events
func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleEvent forces a check of every page depending on the changed file.
// The cache is told about every event; only the reload counter is debounced.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(event.Name)

	// New directories need watching too
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.watchDirRecursive(path); err != nil {
				w.logger.Warn("cannot watch new directory", "dir", path, "error", err)
			}
		}
	}

	n := w.cache.Notify(path)
	if n > 0 {
		w.logger.Info("changed", "path", path, "pages", n)
	} else {
		w.logger.Debug("changed", "path", path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.lastChange) < debounce {
		return
	}
	w.lastChange = time.Now()
	w.changeSeq++
}

// GetChangeSeq returns the current change sequence number for live reload
func (w *Watcher) GetChangeSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changeSeq
}

// Close stops the watcher
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

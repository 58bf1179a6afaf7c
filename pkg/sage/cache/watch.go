package cache

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// index moves key's entries in the reverse dependency index from old's
// sources to next's. Either may be nil. Caller must hold the lock.
func (c *Cache) index(key string, old, next *handle) {
	if old != nil {
		for _, path := range old.deps.Paths() {
			keys := c.dependents[path]
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.dependents, path)
			}
		}
	}
	if next == nil {
		return
	}
	for _, path := range next.deps.Paths() {
		keys, ok := c.dependents[path]
		if !ok {
			keys = make(map[string]struct{})
			c.dependents[path] = keys
		}
		keys[key] = struct{}{}
		c.watchDir(filepath.Dir(path))
	}
}

// watchDir adds dir to the watcher if one is running. Caller must hold the
// lock.
func (c *Cache) watchDir(dir string) {
	if c.watcher == nil || c.watched[dir] {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		c.logger.Warn("cannot watch directory", "dir", dir, "error", err)
		return
	}
	c.watched[dir] = true
}

// Watch watches the directories of every dependency and forces a check of
// the entries depending on a file when it changes. Watching stops when ctx
// is done or the cache is closed.
func (c *Cache) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || c.watcher != nil {
		c.mu.Unlock()
		w.Close()
		if c.closed {
			return ErrClosed
		}
		return nil
	}
	c.watcher = w
	for path := range c.dependents {
		c.watchDir(filepath.Dir(path))
	}
	c.mu.Unlock()

	go c.watchLoop(ctx, w)
	return nil
}

func (c *Cache) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			c.stopWatching(w)
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			path := filepath.Clean(event.Name)
			if n := c.Notify(path); n > 0 {
				c.logger.Debug("source changed", "path", path, "op", event.Op.String(), "entries", n)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Warn("watcher error", "error", err)
		}
	}
}

func (c *Cache) stopWatching(w *fsnotify.Watcher) {
	c.mu.Lock()
	if c.watcher == w {
		c.watcher = nil
		c.watched = make(map[string]bool)
	}
	c.mu.Unlock()
	w.Close()
}

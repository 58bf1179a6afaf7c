// Package cache keeps compiled artifacts keyed by logical document URI and
// recompiles them when their sources change.
//
// Each key compiles at most once at a time. Callers that find a compile in
// progress wait for it, up to a timeout, and are then served the previous
// artifact if there is one. Artifacts are handed out as leases; a replaced
// artifact is closed only once every lease on it has been released.
package cache

import (
	"container/list"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sambeau/sage/pkg/sage/depend"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/gen"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("cache: closed")

// staleCheck runs outside the cache lock.
var staleCheck = (*depend.Set).Stale

// Loader compiles the document key. It has the signature of
// compile.Compiler.Compile.
type Loader func(ctx context.Context, key string) (gen.Artifact, *depend.Set, error)

// Options configures a Cache.
type Options struct {
	// Capacity is the number of entries kept; 0 means unbounded.
	Capacity int
	// CheckInterval is how often an entry's sources are checked for
	// changes: 0 checks on every Get, a negative interval never checks.
	CheckInterval time.Duration
	// WaitTimeout bounds the wait for another caller's compile of the same
	// key; 0 waits until the context is done.
	WaitTimeout time.Duration
	// ServeStaleOnError serves the previous artifact when a recompile fails.
	ServeStaleOnError bool
	// WorkDir, when set, receives a dependency record per compiled key.
	WorkDir string
	// Logger receives cache diagnostics. Nil discards.
	Logger *slog.Logger
	// OnCompile is called after every compile attempt.
	OnCompile func(Event)
}

// Event describes one compile attempt.
type Event struct {
	Key      string
	Reason   string // "new", "stale" or "invalidated"
	Changed  string // the changed source of a stale entry
	Start    time.Time
	Duration time.Duration
	Deps     int
	Err      error
}

// Stats holds cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Compiles  int64
	Failures  int64
	Evictions int64
	Timeouts  int64
}

// HitRate returns the hit rate as a percentage (0-100).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Cache is an LRU cache of compiled artifacts.
type Cache struct {
	load   Loader
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front is most recently used
	dependents map[string]map[string]struct{}
	watcher    *fsnotify.Watcher
	watched    map[string]bool
	closed     bool

	hits      atomic.Int64
	misses    atomic.Int64
	compiles  atomic.Int64
	failures  atomic.Int64
	evictions atomic.Int64
	timeouts  atomic.Int64
}

// entry is one cached key. Fields other than key, lock and elem are
// guarded by Cache.mu.
type entry struct {
	key  string
	lock chan struct{} // held by the caller compiling or checking the key
	elem *list.Element

	h        *handle
	checked  time.Time
	accessed time.Time
	err      error
	busy     bool
	forced   bool
	invalid  bool
	removed  bool
}

// New creates a Cache that compiles with load.
func New(load Loader, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		load:       load,
		opts:       opts,
		logger:     logger,
		entries:    make(map[string]*entry),
		lru:        list.New(),
		dependents: make(map[string]map[string]struct{}),
		watched:    make(map[string]bool),
	}
}

// needsCheck reports whether e must be checked or compiled before use.
// Caller must hold the lock.
func (c *Cache) needsCheck(e *entry, now time.Time) bool {
	switch {
	case e.h == nil, e.invalid, e.forced:
		return true
	case c.opts.CheckInterval < 0:
		return false
	case c.opts.CheckInterval == 0:
		return true
	}
	return now.Sub(e.checked) >= c.opts.CheckInterval
}

// Get returns a lease on the current artifact for key, compiling it first
// if it is missing or its sources changed. The lease must be released.
func (c *Cache) Get(ctx context.Context, key string) (*Lease, error) {
	for {
		lease, retry, err := c.get(ctx, key)
		if !retry {
			return lease, err
		}
	}
}

func (c *Cache) get(ctx context.Context, key string) (*Lease, bool, error) {
	now := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, ErrClosed
	}
	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key, lock: make(chan struct{}, 1)}
		e.elem = c.lru.PushFront(e)
		c.entries[key] = e
	} else {
		c.lru.MoveToFront(e.elem)
	}
	e.accessed = now
	if !c.needsCheck(e, now) {
		lease := newLease(e.h, false, nil)
		c.mu.Unlock()
		c.hits.Add(1)
		return lease, false, nil
	}
	c.mu.Unlock()

	if err := c.acquire(ctx, e); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e.h != nil && serrors.IsBusy(err) {
			c.logger.Warn("serving previous artifact", "key", key, "error", err)
			return newLease(e.h, true, err), false, nil
		}
		return nil, false, err
	}
	defer c.release(e)

	c.mu.Lock()
	if e.removed {
		c.mu.Unlock()
		return nil, true, nil
	}
	// Someone else checked or compiled it while we waited.
	if !c.needsCheck(e, time.Now()) {
		lease := newLease(e.h, false, nil)
		c.mu.Unlock()
		c.hits.Add(1)
		return lease, false, nil
	}
	h, invalid := e.h, e.invalid
	c.mu.Unlock()

	reason, changed := "new", ""
	switch {
	case h == nil:
	case invalid:
		reason = "invalidated"
	default:
		stale, path := staleCheck(h.deps)
		if !stale {
			c.mu.Lock()
			if e.removed || e.h != h {
				c.mu.Unlock()
				return nil, true, nil
			}
			e.checked, e.forced = time.Now(), false
			lease := newLease(h, false, nil)
			c.mu.Unlock()
			c.hits.Add(1)
			return lease, false, nil
		}
		reason, changed = "stale", path
		c.logger.Debug("artifact stale", "key", key, "changed", path)
	}

	c.misses.Add(1)
	lease, err := c.compile(ctx, e, h, reason, changed)
	return lease, false, err
}

// acquire takes the entry's exclusion, waiting at most WaitTimeout.
func (c *Cache) acquire(ctx context.Context, e *entry) error {
	var timeout <-chan time.Time
	if c.opts.WaitTimeout > 0 {
		t := time.NewTimer(c.opts.WaitTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		c.timeouts.Add(1)
		return serrors.New("BUSY-0001", map[string]any{"Key": e.key, "Wait": c.opts.WaitTimeout})
	}
	c.mu.Lock()
	e.busy = true
	c.mu.Unlock()
	return nil
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.busy = false
	c.mu.Unlock()
	<-e.lock
}

// compile runs the loader for e, which the caller holds. prev is the
// artifact being replaced, if any.
func (c *Cache) compile(ctx context.Context, e *entry, prev *handle, reason, changed string) (*Lease, error) {
	if prev != nil {
		ctx = depend.WithRecheck(ctx)
	}
	start := time.Now()
	artifact, deps, err := c.load(ctx, e.key)
	ev := Event{Key: e.key, Reason: reason, Changed: changed, Start: start, Duration: time.Since(start), Err: err}
	if err == nil {
		ev.Deps = deps.Len()
	}
	if c.opts.OnCompile != nil {
		c.opts.OnCompile(ev)
	}

	if err != nil {
		c.failures.Add(1)
		c.mu.Lock()
		defer c.mu.Unlock()
		e.err = err
		if prev != nil && c.opts.ServeStaleOnError && e.h == prev {
			e.checked, e.forced = time.Now(), false
			c.logger.Warn("recompile failed, serving previous artifact", "key", e.key, "error", err)
			return newLease(prev, true, err), nil
		}
		if prev == nil {
			c.remove(e)
		}
		c.logger.Debug("compile failed", "key", e.key, "error", err)
		return nil, err
	}

	h := newHandle(artifact, deps)
	c.compiles.Add(1)
	c.mu.Lock()
	if e.removed {
		// Closed while compiling: the artifact lives only as long as the lease.
		lease := newLease(h, false, nil)
		c.mu.Unlock()
		h.retire()
		return lease, nil
	}
	old := e.h
	e.h = h
	e.checked = time.Now()
	e.err, e.forced, e.invalid = nil, false, false
	lease := newLease(h, false, nil)
	c.index(e.key, old, h)
	if c.opts.Capacity > 0 {
		c.evictLocked(c.opts.Capacity)
	}
	c.mu.Unlock()

	if old != nil {
		old.retire()
	}
	c.logger.Debug("compiled", "key", e.key, "reason", reason, "deps", ev.Deps, "duration", ev.Duration)

	if c.opts.WorkDir != "" {
		record := depend.RecordPath(c.opts.WorkDir, e.key)
		if err := deps.WriteFile(record); err != nil {
			c.logger.Warn("cannot write dependency record", "path", record, "error", err)
		}
	}
	return lease, nil
}

// Invalidate forces key to be recompiled on its next Get. The current
// artifact stays installed until then.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		e.invalid = true
	}
	return ok
}

// Notify forces a check of every entry that depends on path and returns
// how many there were.
func (c *Cache) Notify(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.dependents[path] {
		if e, ok := c.entries[key]; ok {
			e.forced = true
			n++
		}
	}
	return n
}

// EvictTo evicts least recently used entries until at most n remain.
// Entries being compiled are skipped. It returns the number evicted.
func (c *Cache) EvictTo(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(max(n, 0))
}

// evictLocked evicts down to limit entries. Caller must hold the lock.
func (c *Cache) evictLocked(limit int) int {
	evicted := 0
	for el := c.lru.Back(); el != nil && len(c.entries) > limit; {
		prev := el.Prev()
		if e := el.Value.(*entry); !e.busy {
			c.remove(e)
			evicted++
		}
		el = prev
	}
	c.evictions.Add(int64(evicted))
	return evicted
}

// remove drops e from the cache and retires its artifact. Caller must hold
// the lock.
func (c *Cache) remove(e *entry) {
	if e.removed {
		return
	}
	e.removed = true
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
	if e.h != nil {
		c.index(e.key, e.h, nil)
		e.h.retire()
		e.h = nil
	}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Compiles:  c.compiles.Load(),
		Failures:  c.failures.Load(),
		Evictions: c.evictions.Load(),
		Timeouts:  c.timeouts.Load(),
	}
}

// LastError returns the error of the last failed compile of key.
func (c *Cache) LastError(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.err
	}
	return nil
}

// Keys returns the cached keys, most recently used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Close stops watching and retires every artifact. Leased artifacts are
// closed when their leases are released.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		c.remove(el.Value.(*entry))
		el = next
	}
	if w := c.watcher; w != nil {
		c.watcher = nil
		return w.Close()
	}
	return nil
}

package compile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sambeau/sage/pkg/sage/ast"
	"github.com/sambeau/sage/pkg/sage/depend"
	"github.com/sambeau/sage/pkg/sage/parser"
	"github.com/sambeau/sage/pkg/sage/taglib"
)

// Coordinator compiles tag files on behalf of parses, breaking cycles
// between tag files that use each other.
//
// Tag-file compilation is serialized by a token held for the duration of a
// top-level compile; nested tag compiles made by the same compile reuse it.
// A tag file that is requested while it is still being compiled further up
// the stack closes a cycle: the requester gets the in-progress descriptor as
// a placeholder and every frame from that tag file upwards joins the cycle,
// rooted at its outermost member. Members finishing before the root are
// parked in the root's pending queue; when the root finishes their deferred
// attribute checks run and all descriptors are marked resolved together.
type Coordinator struct {
	parser   *parser.Parser
	interval time.Duration
	mode     depend.Mode
	logger   *slog.Logger

	token chan struct{}

	mu    sync.Mutex
	defs  map[string]*definition
	guard map[string]*frame
	stack []*frame

	compiled atomic.Int64
}

// definition is a closed, fully resolved tag file.
type definition struct {
	tag     *taglib.TagInfo
	deps    *depend.Set
	checked time.Time
}

// frame is a tag file being compiled, or a finished cycle member waiting
// for its root.
type frame struct {
	ref      taglib.TagRef
	tag      *taglib.TagInfo
	deps     *depend.Set
	deferred []parser.DeferredCheck
	index    int // position on the stack while compiling
	done     bool
	root     *frame
	pending  []*frame
}

type sessionKey struct{}

type session struct {
	owner *Coordinator
}

func newCoordinator(interval time.Duration, mode depend.Mode, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		interval: interval,
		mode:     mode,
		logger:   logger,
		token:    make(chan struct{}, 1),
		defs:     make(map[string]*definition),
		guard:    make(map[string]*frame),
	}
}

// Compiled returns the number of tag file parses run so far.
func (c *Coordinator) Compiled() int64 {
	return c.compiled.Load()
}

// Definition returns the compiled descriptor of the tag file at path.
func (c *Coordinator) Definition(path string) (*taglib.TagInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if def, ok := c.defs[path]; ok {
		return def.tag, true
	}
	return nil, false
}

// Forget drops every compiled definition.
func (c *Coordinator) Forget() {
	c.mu.Lock()
	c.defs = make(map[string]*definition)
	c.mu.Unlock()
}

// fresh returns a closed definition that is still up to date. Under a
// recompile the definition's sources are always checked.
func (c *Coordinator) fresh(ctx context.Context, path string) (*definition, bool) {
	c.mu.Lock()
	def, ok := c.defs[path]
	var checked time.Time
	if ok {
		checked = def.checked
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	now := time.Now()
	if !depend.Recheck(ctx) && (c.interval < 0 || (c.interval > 0 && now.Sub(checked) < c.interval)) {
		return def, true
	}
	if stale, changed := def.deps.Stale(); stale {
		c.logger.Debug("tag file stale", "tag", path, "changed", changed)
		c.mu.Lock()
		if c.defs[path] == def {
			delete(c.defs, path)
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	def.checked = now
	c.mu.Unlock()
	return def, true
}

// CompileTagFile implements taglib.TagFileCompiler.
func (c *Coordinator) CompileTagFile(ctx context.Context, ref taglib.TagRef, deps *depend.Set) (*taglib.TagInfo, error) {
	if def, ok := c.fresh(ctx, ref.Path); ok {
		deps.Merge(def.deps)
		return def.tag, nil
	}

	if s, _ := ctx.Value(sessionKey{}).(*session); s == nil || s.owner != c {
		select {
		case c.token <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-c.token }()
		ctx = context.WithValue(ctx, sessionKey{}, &session{owner: c})
	}

	// Another compile may have finished it while we waited.
	if def, ok := c.fresh(ctx, ref.Path); ok {
		deps.Merge(def.deps)
		return def.tag, nil
	}

	if tag, ok := c.joinCycle(ref.Path); ok {
		if err := deps.Add(ref.Path); err != nil {
			return nil, err
		}
		return tag, nil
	}

	f := c.push(ref)
	c.logger.Debug("compiling tag file", "tag", ref.Name, "path", ref.Path)
	c.compiled.Add(1)

	res, err := c.parser.ParseTo(ctx, ref.Path, parser.KindTagFile, f.tag, ast.NewTreeBuilder(), f.deps)
	c.pop(f)
	if err != nil {
		c.discard(f)
		return nil, err
	}
	f.deferred = res.Deferred

	if f.root != nil && f.root != f {
		c.park(f)
		deps.Merge(f.deps)
		return f.tag, nil
	}
	if err := c.close(f); err != nil {
		return nil, err
	}
	deps.Merge(f.deps)
	return f.tag, nil
}

// joinCycle handles a request for a tag file already in the guard.
func (c *Coordinator) joinCycle(path string) (*taglib.TagInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.guard[path]
	if !ok {
		return nil, false
	}
	anchor := f
	if f.done {
		anchor = f.root
	}
	if anchor == nil || anchor.done {
		return f.tag, true
	}
	start := anchor.index
	for _, g := range c.stack[start:] {
		if g.root != nil && g.root.index < start {
			start = g.root.index
		}
	}
	root := c.stack[start]
	for _, g := range c.stack[start:] {
		g.root = root
	}
	c.logger.Debug("tag file cycle", "tag", path, "root", root.ref.Path)
	return f.tag, true
}

func (c *Coordinator) push(ref taglib.TagRef) *frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &frame{
		ref:   ref,
		tag:   taglib.NewTagInfo(ref.URI, ref.Name, ref.Path),
		deps:  depend.NewSet(c.mode),
		index: len(c.stack),
	}
	c.guard[ref.Path] = f
	c.stack = append(c.stack, f)
	return f
}

func (c *Coordinator) pop(f *frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = c.stack[:f.index]
	f.done = true
}

// park queues a finished cycle member, with anything it was holding, on
// its root.
func (c *Coordinator) park(f *frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	root := f.root
	root.pending = append(root.pending, f)
	root.pending = append(root.pending, f.pending...)
	f.pending = nil
}

func (c *Coordinator) discard(f *frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.guard, f.ref.Path)
	for _, p := range f.pending {
		delete(c.guard, p.ref.Path)
	}
	f.pending = nil
}

// close finishes a root and its pending members.
func (c *Coordinator) close(f *frame) error {
	c.mu.Lock()
	members := append([]*frame{f}, f.pending...)
	f.pending = nil
	c.mu.Unlock()

	for _, m := range members {
		if err := parser.RunDeferred(m.deferred); err != nil {
			c.discardAll(members)
			return err
		}
	}

	// Members of a cycle depend on each other's sources.
	shared := f.deps
	if len(members) > 1 {
		shared = depend.NewSet(c.mode)
		for _, m := range members {
			shared.Merge(m.deps)
		}
		f.deps = shared
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		m.tag.MarkResolved()
		delete(c.guard, m.ref.Path)
		c.defs[m.ref.Path] = &definition{tag: m.tag, deps: shared, checked: now}
	}
	return nil
}

func (c *Coordinator) discardAll(members []*frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		delete(c.guard, m.ref.Path)
	}
}

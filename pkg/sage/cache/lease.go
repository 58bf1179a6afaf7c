package cache

import (
	"sync"
	"sync/atomic"

	"github.com/sambeau/sage/pkg/sage/depend"
	"github.com/sambeau/sage/pkg/sage/gen"
)

// handle is a use-counted artifact. The installed entry holds one
// reference and every lease another; the artifact is closed when the count
// drops to zero, which can only happen after the handle was retired.
type handle struct {
	artifact gen.Artifact
	deps     *depend.Set
	refs     atomic.Int64
}

func newHandle(artifact gen.Artifact, deps *depend.Set) *handle {
	h := &handle{artifact: artifact, deps: deps}
	h.refs.Store(1)
	return h
}

// acquire adds a reference. The caller must know the handle is installed.
func (h *handle) acquire() {
	h.refs.Add(1)
}

func (h *handle) unref() {
	if h.refs.Add(-1) == 0 {
		h.artifact.Close()
	}
}

// retire drops the installation's reference.
func (h *handle) retire() {
	h.unref()
}

// Lease is a reference to a cached artifact. The artifact stays open until
// Release, even if it is replaced or evicted meanwhile.
type Lease struct {
	h    *handle
	once sync.Once

	// Stale is set when the artifact was served in place of a newer one:
	// because waiting for a compile timed out or a recompile failed.
	Stale bool
	// Err is the reason a stale artifact was served.
	Err error
}

// newLease leases h. Caller must hold the cache lock.
func newLease(h *handle, stale bool, err error) *Lease {
	h.acquire()
	return &Lease{h: h, Stale: stale, Err: err}
}

// Artifact returns the leased artifact.
func (l *Lease) Artifact() gen.Artifact {
	return l.h.artifact
}

// Deps returns the dependencies the artifact was compiled from.
func (l *Lease) Deps() *depend.Set {
	return l.h.deps
}

// Release gives the lease back. Further calls do nothing.
func (l *Lease) Release() {
	l.once.Do(l.h.unref)
}

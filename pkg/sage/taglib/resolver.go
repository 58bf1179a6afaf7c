package taglib

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"golang.org/x/sync/singleflight"
)

// archiveSep separates an archive path from an entry inside it in a location.
const archiveSep = "!"

// Options configures a Resolver.
type Options struct {
	// Root is the document root; absolute declared locations are relative to it.
	Root string
	// Mappings maps library URIs to descriptor locations.
	Mappings map[string]string
	// Scan lists directories and archives searched for descriptors.
	Scan []string
	// Logger receives scan diagnostics. Nil discards.
	Logger *slog.Logger
}

// Resolver maps namespace URIs to libraries. It is safe for concurrent use;
// loads of the same location and concurrent registry scans are collapsed.
type Resolver struct {
	opts   Options
	logger *slog.Logger
	group  singleflight.Group

	mu         sync.RWMutex
	byLocation map[string]*Library
	registry   map[string]string
	scanned    bool
}

// NewResolver creates a Resolver.
func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{
		opts:       opts,
		logger:     logger,
		byLocation: make(map[string]*Library),
		registry:   make(map[string]string),
	}
}

// Root returns the configured document root.
func (r *Resolver) Root() string {
	return r.opts.Root
}

// Reset drops every cached descriptor and the scanned registry.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLocation = make(map[string]*Library)
	r.registry = make(map[string]string)
	r.scanned = false
}

// Resolve finds the library for uri. declared is a location given by the
// page (it may be empty) and docDir the directory of the declaring document.
// The lookup order is: built-ins, tag directories, configured mappings, the
// declared location, then the scanned registry.
func (r *Resolver) Resolve(ctx context.Context, uri, declared, docDir string) (*Library, error) {
	if lib, ok := Builtin(uri); ok {
		return lib, nil
	}

	if dir, ok := strings.CutPrefix(uri, TagDirPrefix); ok {
		return r.tagDir(uri, r.localPath(dir, docDir))
	}

	if loc, ok := r.opts.Mappings[uri]; ok {
		return r.Load(r.storagePath(loc))
	}

	if declared == "" && looksLikeLocation(uri) {
		declared = uri
	}
	if declared != "" {
		return r.Load(r.localPath(declared, docDir))
	}

	if err := r.Scan(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	loc, ok := r.registry[uri]
	r.mu.RUnlock()
	if ok {
		return r.Load(loc)
	}

	return nil, serrors.New("RESOLVE-0001", map[string]any{"URI": uri})
}

func looksLikeLocation(uri string) bool {
	if IsDescriptor(uri) {
		return true
	}
	return strings.HasPrefix(uri, "/") && !strings.Contains(uri, ":")
}

// storagePath resolves a configured location: absolute paths are used as
// is, relative ones are taken from the root.
func (r *Resolver) storagePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(r.opts.Root, filepath.FromSlash(p))
}

// localPath resolves a location declared by a page: against the root when
// it starts with "/", otherwise against dir.
func (r *Resolver) localPath(p, dir string) string {
	if strings.HasPrefix(p, "/") {
		if r.opts.Root == "" {
			return filepath.Clean(p)
		}
		return filepath.Join(r.opts.Root, filepath.FromSlash(p))
	}
	if dir == "" {
		dir = r.opts.Root
	}
	return filepath.Join(dir, filepath.FromSlash(p))
}

func (r *Resolver) tagDir(uri, dir string) (*Library, error) {
	key := "dir:" + dir

	r.mu.RLock()
	lib, ok := r.byLocation[key]
	r.mu.RUnlock()
	if ok {
		return lib, nil
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, serrors.New("RESOLVE-0001", map[string]any{"URI": uri}).
			WithHint("tag directory " + dir + " does not exist")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lib, ok := r.byLocation[key]; ok {
		return lib, nil
	}
	lib = NewDirLibrary(uri, dir)
	r.byLocation[key] = lib
	return lib, nil
}

// Load returns the library at location, loading and caching it on first use.
// A location may name a descriptor file, a tag directory, or an entry of an
// archive as "archive.jar!META-INF/x.tld".
func (r *Resolver) Load(location string) (*Library, error) {
	r.mu.RLock()
	lib, ok := r.byLocation[location]
	r.mu.RUnlock()
	if ok {
		return lib, nil
	}

	v, err, _ := r.group.Do(location, func() (any, error) {
		r.mu.RLock()
		lib, ok := r.byLocation[location]
		r.mu.RUnlock()
		if ok {
			return lib, nil
		}

		lib, err := r.load(location)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.byLocation[location] = lib
		r.mu.Unlock()
		return lib, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Library), nil
}

func (r *Resolver) load(location string) (*Library, error) {
	if archive, entry, ok := strings.Cut(location, archiveSep); ok {
		data, err := readArchiveEntry(archive, entry)
		if err != nil {
			return nil, descriptorError(location, err)
		}
		lib, err := Parse(data, location, r.opts.Root)
		if err != nil {
			return nil, descriptorError(location, err)
		}
		return lib, nil
	}

	info, err := os.Stat(location)
	if err != nil {
		return nil, descriptorError(location, err)
	}
	if info.IsDir() {
		return NewDirLibrary(TagDirPrefix+location, location), nil
	}

	data, err := os.ReadFile(location)
	if err != nil {
		return nil, descriptorError(location, err)
	}
	lib, err := Parse(data, location, r.opts.Root)
	if err != nil {
		return nil, descriptorError(location, err)
	}
	return lib, nil
}

func descriptorError(location string, err error) *serrors.SageError {
	reason := err.Error()
	if pe, ok := err.(*fs.PathError); ok {
		reason = pe.Err.Error()
	}
	return serrors.New("RESOLVE-0003", map[string]any{"Location": location, "Reason": reason}).WithCause(err)
}

func readArchiveEntry(archive, entry string) ([]byte, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	f, err := zr.Open(entry)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Scan fills the global registry from the configured scan paths. It runs at
// most once until Reset; concurrent callers share one scan.
func (r *Resolver) Scan(ctx context.Context) error {
	r.mu.RLock()
	done := r.scanned
	r.mu.RUnlock()
	if done {
		return nil
	}

	_, err, _ := r.group.Do("\x00scan", func() (any, error) {
		registry := make(map[string]string)
		for _, p := range r.opts.Scan {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r.scanPath(r.storagePath(p), registry)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		for uri, loc := range registry {
			if _, ok := r.registry[uri]; !ok {
				r.registry[uri] = loc
			}
		}
		r.scanned = true
		return nil, nil
	})
	return err
}

// Registered returns the scanned URI to location map.
func (r *Resolver) Registered() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.registry))
	for k, v := range r.registry {
		out[k] = v
	}
	return out
}

func (r *Resolver) scanPath(root string, registry map[string]string) {
	info, err := os.Stat(root)
	if err != nil {
		r.logger.Warn("taglib scan path unavailable", "path", root, "error", err)
		return
	}
	if !info.IsDir() {
		if isArchive(root) {
			r.scanArchive(root, registry)
		} else if IsDescriptor(root) {
			r.register(root, registry)
		}
		return
	}

	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warn("taglib scan error", "path", p, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case IsDescriptor(p):
			r.register(p, registry)
		case isArchive(p):
			r.scanArchive(p, registry)
		}
		return nil
	})
}

func isArchive(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".jar" || ext == ".zip"
}

func (r *Resolver) scanArchive(archive string, registry map[string]string) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		r.logger.Warn("taglib archive unreadable", "path", archive, "error", err)
		return
	}
	var entries []string
	for _, f := range zr.File {
		if path.Dir(f.Name) == "META-INF" || strings.HasPrefix(f.Name, "META-INF/") {
			if IsDescriptor(f.Name) {
				entries = append(entries, f.Name)
			}
		}
	}
	zr.Close()

	for _, entry := range entries {
		r.register(archive+archiveSep+entry, registry)
	}
}

func (r *Resolver) register(location string, registry map[string]string) {
	lib, err := r.Load(location)
	if err != nil {
		r.logger.Warn("skipping tag library descriptor", "location", location, "error", err)
		return
	}
	if lib.URI == "" {
		return
	}
	if prev, ok := registry[lib.URI]; ok {
		r.logger.Debug("duplicate tag library uri", "uri", lib.URI, "kept", prev, "ignored", location)
		return
	}
	registry[lib.URI] = location
}

// UnknownTag builds the error for a tag missing from lib, with a suggestion.
func UnknownTag(lib *Library, uri, name string) *serrors.SageError {
	err := serrors.New("RESOLVE-0002", map[string]any{"URI": uri, "Tag": name})
	return serrors.DidYouMean(err, name, lib.TagNames())
}

// MissingTagFile builds the error for a tag file that disappeared.
func MissingTagFile(p string) *serrors.SageError {
	return serrors.New("RESOLVE-0004", map[string]any{"Path": p})
}

func (l *Library) String() string {
	return fmt.Sprintf("%s (%s)", l.URI, l.Location)
}

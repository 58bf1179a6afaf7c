// Package taglib describes tag libraries and resolves namespace URIs to them.
package taglib

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sambeau/sage/pkg/sage/depend"
)

// BodyContent is the kind of body a tag accepts.
type BodyContent string

const (
	BodyEmpty        BodyContent = "empty"
	BodyScriptless   BodyContent = "scriptless"
	BodyJSP          BodyContent = "JSP"
	BodyTagDependent BodyContent = "tagdependent"
)

// ParseBodyContent normalises a descriptor value. Unknown values mean JSP.
func ParseBodyContent(s string) BodyContent {
	switch s {
	case "empty", "EMPTY":
		return BodyEmpty
	case "scriptless":
		return BodyScriptless
	case "tagdependent":
		return BodyTagDependent
	}
	return BodyJSP
}

// AttributeInfo describes one attribute a tag accepts.
type AttributeInfo struct {
	Name        string `yaml:"name"`
	Required    bool   `yaml:"required"`
	Runtime     bool   `yaml:"runtime"` // value may be an expression
	Fragment    bool   `yaml:"fragment"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// VariableInfo describes a scripting variable a tag exposes.
type VariableInfo struct {
	NameGiven         string `yaml:"name_given"`
	NameFromAttribute string `yaml:"name_from_attribute"`
	Class             string `yaml:"class"`
	Declare           bool   `yaml:"declare"`
	Scope             string `yaml:"scope"`
}

// FunctionInfo describes an expression-language function.
type FunctionInfo struct {
	Name      string `yaml:"name"`
	Class     string `yaml:"class"`
	Signature string `yaml:"signature"`
}

// TagInfo is the descriptor of one tag. Descriptors of tag files are filled
// in while the tag file is parsed and are only complete once Resolved
// reports true; before that they may be handed out as placeholders.
type TagInfo struct {
	Name              string
	URI               string
	BodyContent       BodyContent
	Attributes        []AttributeInfo
	Variables         []VariableInfo
	DynamicAttributes bool
	Description       string
	Handler           string
	Path              string // set for tag files

	resolved atomic.Bool
}

// NewTagInfo creates an unresolved descriptor for a tag file.
func NewTagInfo(uri, name, path string) *TagInfo {
	return &TagInfo{Name: name, URI: uri, Path: path, BodyContent: BodyScriptless}
}

// Attribute looks up an attribute by name.
func (t *TagInfo) Attribute(name string) (AttributeInfo, bool) {
	for _, a := range t.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeInfo{}, false
}

// AttributeNames lists the declared attribute names, sorted.
func (t *TagInfo) AttributeNames() []string {
	names := make([]string, len(t.Attributes))
	for i, a := range t.Attributes {
		names[i] = a.Name
	}
	sort.Strings(names)
	return names
}

// Resolved reports whether the descriptor is complete.
func (t *TagInfo) Resolved() bool {
	return t.resolved.Load()
}

// MarkResolved marks the descriptor complete.
func (t *TagInfo) MarkResolved() {
	t.resolved.Store(true)
}

// IsTagFile reports whether the tag is implemented by a tag file.
func (t *TagInfo) IsTagFile() bool {
	return t.Path != ""
}

// TagRef identifies a tag file to be compiled.
type TagRef struct {
	URI  string
	Name string
	Path string
}

// TagFileCompiler compiles tag files on demand, merging their dependencies
// into deps.
type TagFileCompiler interface {
	CompileTagFile(ctx context.Context, ref TagRef, deps *depend.Set) (*TagInfo, error)
}

// Entry is the result of looking a tag name up in a library: either a
// ready descriptor or a tag file that still has to be compiled.
type Entry struct {
	Tag  *TagInfo
	File *TagRef
}

// Library is a loaded tag library descriptor. Apart from the lazily
// discovered tag files of a tag directory it is immutable once loaded.
type Library struct {
	URI         string
	ShortName   string
	Version     string
	Location    string
	Description string
	Functions   map[string]FunctionInfo

	tags map[string]*TagInfo
	dir  string

	mu       sync.RWMutex
	tagFiles map[string]string
}

// NewLibrary creates an empty library.
func NewLibrary(uri, location string) *Library {
	return &Library{
		URI:       uri,
		Location:  location,
		Functions: make(map[string]FunctionInfo),
		tags:      make(map[string]*TagInfo),
		tagFiles:  make(map[string]string),
	}
}

// NewDirLibrary creates a library whose tags are the tag files in dir.
func NewDirLibrary(uri, dir string) *Library {
	lib := NewLibrary(uri, dir)
	lib.dir = dir
	return lib
}

// AddTag adds a tag with a fixed descriptor.
func (l *Library) AddTag(t *TagInfo) {
	if t.URI == "" {
		t.URI = l.URI
	}
	t.MarkResolved()
	l.tags[t.Name] = t
}

// AddTagFile adds a tag implemented by the tag file at path.
func (l *Library) AddTagFile(name, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tagFiles[name] = path
}

// IsDir reports whether the library is a tag directory.
func (l *Library) IsDir() bool {
	return l.dir != ""
}

// Lookup finds a tag by local name.
func (l *Library) Lookup(name string) (Entry, bool) {
	if t, ok := l.tags[name]; ok {
		return Entry{Tag: t}, true
	}

	l.mu.RLock()
	path, ok := l.tagFiles[name]
	l.mu.RUnlock()
	if ok {
		return Entry{File: &TagRef{URI: l.URI, Name: name, Path: path}}, true
	}

	if l.dir == "" {
		return Entry{}, false
	}
	for _, ext := range []string{".tag", ".tagx"} {
		candidate := filepath.Join(l.dir, name+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			l.AddTagFile(name, candidate)
			return Entry{File: &TagRef{URI: l.URI, Name: name, Path: candidate}}, true
		}
	}
	return Entry{}, false
}

// TagNames lists the known tag names, sorted. Tag files of a tag directory
// are included once discovered.
func (l *Library) TagNames() []string {
	names := make([]string, 0, len(l.tags))
	for name := range l.tags {
		names = append(names, name)
	}
	l.mu.RLock()
	for name := range l.tagFiles {
		names = append(names, name)
	}
	l.mu.RUnlock()
	if l.dir != "" {
		if entries, err := os.ReadDir(l.dir); err == nil {
			for _, e := range entries {
				ext := filepath.Ext(e.Name())
				if ext == ".tag" || ext == ".tagx" {
					names = append(names, e.Name()[:len(e.Name())-len(ext)])
				}
			}
		}
	}
	sort.Strings(names)
	out := names[:0]
	for i, n := range names {
		if i == 0 || n != names[i-1] {
			out = append(out, n)
		}
	}
	return out
}

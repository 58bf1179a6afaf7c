// Package parser scans page and tag file sources in either surface syntax
// and reports them to an ast.Builder.
//
// The free-form syntax is tag soup: literal text with scripts, directives,
// expression spans and bound tag elements mixed in. The strict syntax is a
// well-formed XML document using the jsp namespace for directives and
// scripts. Both feed the same Builder events.
package parser

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sambeau/sage/pkg/sage/ast"
	"github.com/sambeau/sage/pkg/sage/depend"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/ns"
	"github.com/sambeau/sage/pkg/sage/source"
	"github.com/sambeau/sage/pkg/sage/taglib"
)

// Syntax selects a surface syntax.
type Syntax int

const (
	SyntaxAuto Syntax = iota // by file extension
	SyntaxFree
	SyntaxStrict
)

// ParseSyntax converts a configuration value.
func ParseSyntax(s string) (Syntax, bool) {
	switch strings.ToLower(s) {
	case "", "auto":
		return SyntaxAuto, true
	case "free", "jsp":
		return SyntaxFree, true
	case "strict", "xml":
		return SyntaxStrict, true
	}
	return SyntaxAuto, false
}

func (s Syntax) String() string {
	switch s {
	case SyntaxFree:
		return "free"
	case SyntaxStrict:
		return "strict"
	}
	return "auto"
}

// syntaxFor picks the syntax of path: .jspx and .tagx are strict, anything
// else keeps inherited.
func syntaxFor(path string, inherited Syntax) Syntax {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jspx", ".tagx":
		return SyntaxStrict
	}
	if inherited == SyntaxAuto {
		return SyntaxFree
	}
	return inherited
}

// Kind is the kind of document being parsed.
type Kind int

const (
	KindPage Kind = iota
	KindTagFile
)

func (k Kind) String() string {
	if k == KindTagFile {
		return "tag file"
	}
	return "page"
}

// LibraryResolver finds tag libraries by URI.
type LibraryResolver interface {
	Resolve(ctx context.Context, uri, declared, docDir string) (*taglib.Library, error)
}

// Options configures a Parser.
type Options struct {
	// Root is the document root used for paths starting with "/".
	Root string
	// Syntax forces a syntax; SyntaxAuto chooses by extension.
	Syntax Syntax
	// Encoding is the default source encoding.
	Encoding string
	// TrimWhitespace drops whitespace-only text nodes.
	TrimWhitespace bool
	// DisableExpressions treats ${...} and #{...} as literal text.
	DisableExpressions bool
	// Macros enables #if/#foreach/#set control macros.
	Macros bool
	// Libraries resolves taglib URIs. Nil only knows the built-in libraries.
	Libraries LibraryResolver
	// TagFiles compiles tag files referenced by pages.
	TagFiles taglib.TagFileCompiler
	// Fingerprint is the mode for dependency sets created by Parse.
	Fingerprint depend.Mode
	// ReadFile loads sources. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Parser parses documents. It holds no per-parse state and may be shared.
type Parser struct {
	opts Options
}

// New creates a Parser.
func New(opts Options) *Parser {
	if opts.Libraries == nil {
		opts.Libraries = taglib.NewResolver(taglib.Options{Root: opts.Root})
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	return &Parser{opts: opts}
}

// Options returns the parser's configuration.
func (p *Parser) Options() Options {
	return p.opts
}

// State is the explicit state of one parse. It is saved and restored
// around include boundaries; nested tag compiles get a fresh one.
type State struct {
	Syntax          Syntax
	Scope           *ns.Scope
	Trim            bool
	ELIgnored       bool
	DeferredLiteral bool
	Macros          bool
	Kind            Kind
	Tag             *taglib.TagInfo
	Deps            *depend.Set

	libs      map[string]*taglib.Library
	open      []*openElement
	deferred  []DeferredCheck
	pageAttrs map[string]bool
}

func (p *Parser) newState(kind Kind, tag *taglib.TagInfo, deps *depend.Set) *State {
	return &State{
		Syntax:    p.opts.Syntax,
		Scope:     (*ns.Scope)(nil).Push("jsp", taglib.JSPURI),
		Trim:      p.opts.TrimWhitespace,
		ELIgnored: p.opts.DisableExpressions,
		Macros:    p.opts.Macros,
		Kind:      kind,
		Tag:       tag,
		Deps:      deps,
		libs:      make(map[string]*taglib.Library),
		pageAttrs: make(map[string]bool),
	}
}

// DeferredCheck is an attribute validation postponed because the tag's
// descriptor was still a placeholder when the element was parsed.
type DeferredCheck struct {
	Tag      *taglib.TagInfo
	Element  string
	Supplied []string
	File     string
	Line     int
}

// Run validates the supplied attributes against the now complete descriptor.
func (c DeferredCheck) Run() error {
	supplied := make(map[string]bool, len(c.Supplied))
	for _, name := range c.Supplied {
		supplied[name] = true
	}
	if err := checkAttributes(c.Tag, c.Element, supplied); err != nil {
		return err.WithFile(c.File).WithPosition(c.Line, 0)
	}
	return nil
}

// Result is what a parse produced besides the Builder events.
type Result struct {
	Deps     *depend.Set
	Deferred []DeferredCheck
}

// ParseTo parses the document at path as kind, reporting it to b. For tag
// files tag is the in-progress descriptor the directives fill in. deps
// collects the files read; a nil deps gets a fresh set.
func (p *Parser) ParseTo(ctx context.Context, path string, kind Kind, tag *taglib.TagInfo, b ast.Builder, deps *depend.Set) (*Result, error) {
	src, err := source.Open(path, source.Options{Encoding: p.opts.Encoding, ReadFile: p.opts.ReadFile})
	if err != nil {
		return nil, err
	}
	return p.run(ctx, src, kind, tag, b, deps)
}

// ParseBytesTo is like ParseTo for in-memory content reported as path.
func (p *Parser) ParseBytesTo(ctx context.Context, path string, data []byte, kind Kind, tag *taglib.TagInfo, b ast.Builder, deps *depend.Set) (*Result, error) {
	src, err := source.OpenBytes(path, data, source.Options{Encoding: p.opts.Encoding, ReadFile: p.opts.ReadFile})
	if err != nil {
		return nil, err
	}
	return p.run(ctx, src, kind, tag, b, deps)
}

func (p *Parser) run(ctx context.Context, src *source.Reader, kind Kind, tag *taglib.TagInfo, b ast.Builder, deps *depend.Set) (*Result, error) {
	defer src.Close()

	if deps == nil {
		deps = depend.NewSet(p.opts.Fingerprint)
	}
	if err := deps.Add(src.Path()); err != nil {
		return nil, serrors.New("IO-0001", map[string]any{"Path": src.Path(), "Reason": err.Error()}).WithCause(err)
	}

	st := p.newState(kind, tag, deps)
	st.Syntax = syntaxFor(src.Path(), st.Syntax)

	s := &scanner{
		ctx:  ctx,
		opts: &p.opts,
		src:  src,
		b:    b,
		st:   st,
	}
	b.StartDocument(src.Path())
	if err := s.parseStream(); err != nil {
		return nil, err
	}
	b.EndDocument()
	return &Result{Deps: deps, Deferred: st.deferred}, nil
}

// Parse parses the page at path into a tree, running any deferred checks.
func (p *Parser) Parse(ctx context.Context, path string) (*ast.Document, *depend.Set, error) {
	tb := ast.NewTreeBuilder()
	res, err := p.ParseTo(ctx, path, KindPage, nil, tb, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := RunDeferred(res.Deferred); err != nil {
		return nil, nil, err
	}
	return tb.Document(), res.Deps, nil
}

// ParseBytes is like Parse for in-memory content reported as path.
func (p *Parser) ParseBytes(ctx context.Context, path string, data []byte) (*ast.Document, *depend.Set, error) {
	tb := ast.NewTreeBuilder()
	res, err := p.ParseBytesTo(ctx, path, data, KindPage, nil, tb, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := RunDeferred(res.Deferred); err != nil {
		return nil, nil, err
	}
	return tb.Document(), res.Deps, nil
}

// RunDeferred runs checks in order and returns the first failure.
func RunDeferred(checks []DeferredCheck) error {
	for _, c := range checks {
		if err := c.Run(); err != nil {
			return err
		}
	}
	return nil
}

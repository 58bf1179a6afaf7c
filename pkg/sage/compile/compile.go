// Package compile turns page sources into artifacts: it parses a page,
// compiling the tag files it uses on the way, and hands the tree to a
// generator.
package compile

import (
	"context"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sambeau/sage/pkg/sage/ast"
	"github.com/sambeau/sage/pkg/sage/depend"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/gen"
	"github.com/sambeau/sage/pkg/sage/parser"
)

// Options configures a Compiler.
type Options struct {
	// Parser configures page parsing. TagFiles is replaced by the
	// compiler's coordinator.
	Parser parser.Options
	// Generator builds artifacts. Defaults to gen.Echo.
	Generator gen.Generator
	// CheckInterval is how often compiled tag files are checked for
	// changes: 0 checks on every use, a negative interval never checks.
	// Compiles under a context marked by depend.WithRecheck always check.
	CheckInterval time.Duration
	// Logger receives compile diagnostics. Nil discards.
	Logger *slog.Logger
}

// Compiler compiles pages identified by their logical URI, a slash
// separated path below the parser's root such as "/dir/page.jsp".
type Compiler struct {
	parser *parser.Parser
	gen    gen.Generator
	coord  *Coordinator
	logger *slog.Logger
}

// New creates a Compiler.
func New(opts Options) *Compiler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Generator == nil {
		opts.Generator = gen.Echo{}
	}
	if opts.Parser.Fingerprint == "" {
		opts.Parser.Fingerprint = depend.ModeMTime
	}

	coord := newCoordinator(opts.CheckInterval, opts.Parser.Fingerprint, logger)
	popts := opts.Parser
	popts.TagFiles = coord
	p := parser.New(popts)
	coord.parser = p

	return &Compiler{parser: p, gen: opts.Generator, coord: coord, logger: logger}
}

// Parser returns the page parser.
func (c *Compiler) Parser() *parser.Parser {
	return c.parser
}

// Coordinator returns the tag file coordinator.
func (c *Compiler) Coordinator() *Coordinator {
	return c.coord
}

// Path maps a logical URI to its storage path.
func (c *Compiler) Path(key string) string {
	clean := path.Clean("/" + strings.TrimPrefix(key, "/"))
	return filepath.Join(c.parser.Options().Root, filepath.FromSlash(clean))
}

// Parse parses the page key into a tree, with every attribute check done.
func (c *Compiler) Parse(ctx context.Context, key string) (*ast.Document, *depend.Set, error) {
	p := c.Path(key)
	deps := depend.NewSet(c.parser.Options().Fingerprint)
	tb := ast.NewTreeBuilder()

	res, err := c.parser.ParseTo(ctx, p, parser.KindPage, nil, tb, deps)
	if err != nil {
		return nil, nil, err
	}
	if err := parser.RunDeferred(res.Deferred); err != nil {
		return nil, nil, err
	}
	return tb.Document(), deps, nil
}

// Compile parses and generates the page key. It has the signature of a
// cache loader.
func (c *Compiler) Compile(ctx context.Context, key string) (gen.Artifact, *depend.Set, error) {
	start := time.Now()
	doc, deps, err := c.Parse(ctx, key)
	if err != nil {
		c.logger.Debug("compile failed", "key", key, "class", serrors.ClassOf(err), "error", err)
		return nil, nil, err
	}

	artifact, err := c.gen.Generate(ctx, doc)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Debug("compiled", "key", key, "deps", deps.Len(), "duration", time.Since(start))
	return artifact, deps, nil
}

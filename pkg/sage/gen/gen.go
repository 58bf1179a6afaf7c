// Package gen is the boundary between the parser and code generation.
package gen

import (
	"context"
	"io"
	"strings"
	"sync/atomic"

	"github.com/sambeau/sage/pkg/sage/ast"
)

// Artifact is the product of compiling one document. Close releases it and
// is called once nothing uses the artifact any more.
type Artifact interface {
	Close() error
}

// Generator turns a parsed document into an artifact.
type Generator interface {
	Generate(ctx context.Context, doc *ast.Document) (Artifact, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, doc *ast.Document) (Artifact, error)

func (f GeneratorFunc) Generate(ctx context.Context, doc *ast.Document) (Artifact, error) {
	return f(ctx, doc)
}

// Echo is a reference generator producing a Page that renders the literal
// text of a document. Expression spans are rendered as written and scripts
// are dropped.
type Echo struct{}

func (Echo) Generate(_ context.Context, doc *ast.Document) (Artifact, error) {
	var sb strings.Builder
	render(&sb, doc.Children)
	return &Page{Path: doc.Path, Doc: doc, output: sb.String()}, nil
}

func render(sb *strings.Builder, nodes []ast.Node) {
	for _, n := range nodes {
		switch n := n.(type) {
		case *ast.Text:
			sb.WriteString(n.Value)
		case *ast.Expr:
			sb.WriteString(n.Raw)
		case *ast.Element:
			render(sb, n.Children)
		case *ast.Directive:
			render(sb, n.Children)
		}
	}
}

// Page is the artifact built by Echo.
type Page struct {
	Path string
	Doc  *ast.Document

	output string
	closed atomic.Bool
}

// Output returns the rendered text.
func (p *Page) Output() string {
	return p.output
}

// WriteTo writes the rendered text to w.
func (p *Page) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, p.output)
	return int64(n), err
}

func (p *Page) Close() error {
	p.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (p *Page) Closed() bool {
	return p.closed.Load()
}

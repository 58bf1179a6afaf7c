package gen

import (
	"context"
	"strings"
	"testing"

	"github.com/sambeau/sage/pkg/sage/ast"
)

func TestEchoRendersLiteralText(t *testing.T) {
	doc := &ast.Document{
		Path: "/p.jsp",
		Children: []ast.Node{
			&ast.Text{Value: "Hello "},
			&ast.Expr{Content: "x", Raw: "${x}"},
			&ast.Script{Code: "ignored()"},
			&ast.Element{Children: []ast.Node{&ast.Text{Value: "<b>"}}},
			&ast.Directive{Name: "include", Children: []ast.Node{&ast.Text{Value: "!"}}},
		},
	}

	a, err := Echo{}.Generate(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	page := a.(*Page)
	if page.Output() != "Hello ${x}<b>!" {
		t.Errorf("unexpected output %q", page.Output())
	}

	var sb strings.Builder
	if _, err := page.WriteTo(&sb); err != nil || sb.String() != page.Output() {
		t.Errorf("WriteTo wrote %q, %v", sb.String(), err)
	}

	if page.Closed() {
		t.Error("new page reported closed")
	}
	page.Close()
	if !page.Closed() {
		t.Error("expected page closed")
	}
}

func TestGeneratorFunc(t *testing.T) {
	called := false
	g := GeneratorFunc(func(ctx context.Context, doc *ast.Document) (Artifact, error) {
		called = true
		return &Page{Path: doc.Path}, nil
	})
	if _, err := g.Generate(context.Background(), &ast.Document{Path: "/a"}); err != nil || !called {
		t.Errorf("GeneratorFunc not invoked: %v", err)
	}
}

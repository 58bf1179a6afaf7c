package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sambeau/sage/pkg/sage/ast"
	"github.com/sambeau/sage/pkg/sage/depend"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/taglib"
)

const coreDecl = `<%@ taglib prefix="c" uri="http://java.sun.com/jsp/jstl/core" %>`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func parse(t *testing.T, opts Options, name, content string) (*ast.Document, *depend.Set, error) {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	path := write(t, opts.Root, name, content)
	return New(opts).Parse(context.Background(), path)
}

func mustParse(t *testing.T, opts Options, name, content string) *ast.Document {
	t.Helper()
	doc, _, err := parse(t, opts, name, content)
	if err != nil {
		t.Fatalf("parse %s: %v", name, err)
	}
	return doc
}

func expectCode(t *testing.T, err error, code string) *serrors.SageError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got no error", code)
	}
	var se *serrors.SageError
	if !errors.As(err, &se) || se.Code != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
	return se
}

// outline summarises nodes as "Text:value", "Expr:content" and so on.
func outline(nodes []ast.Node) []string {
	var out []string
	for _, n := range nodes {
		switch n := n.(type) {
		case *ast.Text:
			out = append(out, "Text:"+n.Value)
		case *ast.Expr:
			out = append(out, "Expr:"+n.Content)
		case *ast.Script:
			out = append(out, n.Kind.String()+":"+n.Code)
		case *ast.Directive:
			out = append(out, "Directive:"+n.Name)
		case *ast.Element:
			out = append(out, "Element:"+n.QualifiedName())
		}
	}
	return out
}

func TestExpressionSpans(t *testing.T) {
	doc := mustParse(t, Options{}, "p.jsp", "Hello ${x}!")
	want := []string{"Text:Hello ", "Expr:x", "Text:!"}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	doc = mustParse(t, Options{DisableExpressions: true}, "p.jsp", "Hello ${x}!")
	want = []string{"Text:Hello ${x}!"}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("disabled (-want +got):\n%s", diff)
	}
}

func TestNestedBracesAndEscapes(t *testing.T) {
	doc := mustParse(t, Options{}, "p.jsp", `${m["}"]} \${literal} #{later}`)
	want := []string{`Expr:m["}"]`, "Text: ${literal} ", "Expr:later"}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if e := doc.Children[2].(*ast.Expr); !e.Deferred {
		t.Error("#{...} should be deferred")
	}
}

func TestSourceRoundTrip(t *testing.T) {
	src := coreDecl + `
<html>
<%-- a comment --%>
<% int n = 0; %><%! int k; %>
<c:if test="${a > 1}">
  <b>${a}</b> &amp; <%= n %>
</c:if>
<c:set var="x" value='<%= "v" %>'/>
</html>
`
	doc := mustParse(t, Options{}, "p.jsp", src)
	if got := doc.Source(); got != src {
		t.Errorf("round trip mismatch:\n got %q\nwant %q", got, src)
	}

	var kinds []string
	ast.Walk(doc.Children, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.Script:
			kinds = append(kinds, n.Kind.String())
		case *ast.Element:
			for _, a := range n.Attrs {
				kinds = append(kinds, a.Name+"="+a.Kind.String())
			}
		}
		return true
	})
	want := []string{
		ast.Scriptlet.String(), ast.Declaration.String(),
		"test=" + ast.AttrExpression.String(),
		ast.ExpressionScript.String(),
		"var=" + ast.AttrLiteral.String(), "value=" + ast.AttrRuntime.String(),
	}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestFreeFormLeavesUnboundMarkupAsText(t *testing.T) {
	doc := mustParse(t, Options{}, "p.jsp", `<p class="x">a &amp; b</p><x:y/>`)
	want := []string{`Text:<p class="x">a &amp; b</p><x:y/>`}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

const jspRoot = `<jsp:root xmlns:jsp="http://java.sun.com/JSP/Page" version="2.1">`

func TestStrictEntities(t *testing.T) {
	src := jspRoot + `a &lt; b &#65;&#x42;<![CDATA[<raw>]]></jsp:root>`
	doc := mustParse(t, Options{}, "p.jspx", src)
	want := []string{"Text:a < b AB<raw>"}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if doc.Source() != src {
		t.Errorf("round trip mismatch: %q", doc.Source())
	}

	_, _, err := parse(t, Options{}, "bad.jspx", jspRoot+`&nbsp;</jsp:root>`)
	expectCode(t, err, "SCAN-0004")

	_, _, err = parse(t, Options{}, "bad.jspx", jspRoot+`&#0;</jsp:root>`)
	expectCode(t, err, "SCAN-0018")
}

func TestStrictLiteralMarkup(t *testing.T) {
	src := jspRoot + `<p class="${c}">hi</p></jsp:root>`
	doc := mustParse(t, Options{}, "p.jspx", src)
	want := []string{`Text:<p class="`, "Expr:c", `Text:">hi</p>`}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if doc.Source() != src {
		t.Errorf("round trip mismatch: %q", doc.Source())
	}
}

func TestStrictScriptsAndDirectives(t *testing.T) {
	src := jspRoot + `<jsp:directive.page isELIgnored="true"/>` +
		`<jsp:scriptlet>if (a &lt; b) {}</jsp:scriptlet>${not}</jsp:root>`
	doc := mustParse(t, Options{}, "p.jspx", src)
	// The empty text node carries the raw <jsp:root> start tag.
	want := []string{"Text:", "Directive:page", "scriptlet:if (a < b) {}", "Text:${not}"}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestStrictRejections(t *testing.T) {
	_, _, err := parse(t, Options{}, "p.jspx", jspRoot+`<x:y/></jsp:root>`)
	expectCode(t, err, "SCAN-0007")

	_, _, err = parse(t, Options{}, "p.jspx", jspRoot+`<p></q></jsp:root>`)
	expectCode(t, err, "SCAN-0006")

	_, _, err = parse(t, Options{}, "p.jspx", jspRoot+`<jsp:directive.page>x</jsp:directive.page></jsp:root>`)
	expectCode(t, err, "SCAN-0008")
}

func TestIncludeCycles(t *testing.T) {
	dir := t.TempDir()

	a := write(t, dir, "a.jsp", `<%@ include file="a.jsp" %>`)
	_, _, err := New(Options{Root: dir}).Parse(context.Background(), a)
	expectCode(t, err, "CYCLE-0001")

	write(t, dir, "b.jsp", `<%@ include file="c.jsp" %>`)
	write(t, dir, "c.jsp", `x<%@ include file="/b.jsp" %>`)
	_, _, err = New(Options{Root: dir}).Parse(context.Background(), filepath.Join(dir, "b.jsp"))
	se := expectCode(t, err, "CYCLE-0001")
	if se.File != filepath.Join(dir, "c.jsp") || se.Line != 1 {
		t.Errorf("cycle reported at %s:%d", se.File, se.Line)
	}
}

func TestSameFragmentIncludedTwice(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "f.jspf", "X")
	src := `<%@ include file="f.jspf" %>|<%@ include file="f.jspf" %>`
	p := write(t, dir, "p.jsp", src)

	doc, deps, err := New(Options{Root: dir}).Parse(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Directive:include", "Text:|", "Directive:include"}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	for _, i := range []int{0, 2} {
		d := doc.Children[i].(*ast.Directive)
		if diff := cmp.Diff([]string{"Text:X"}, outline(d.Children)); diff != "" {
			t.Errorf("include %d (-want +got):\n%s", i, diff)
		}
	}
	if doc.Source() != src {
		t.Errorf("included content leaked into source: %q", doc.Source())
	}
	if diff := cmp.Diff([]string{p, filepath.Join(dir, "f.jspf")}, deps.Paths()); diff != "" {
		t.Errorf("deps (-want +got):\n%s", diff)
	}
}

func TestMissingInclude(t *testing.T) {
	_, _, err := parse(t, Options{}, "p.jsp", "\n"+`<%@ include file="nope.jspf" %>`)
	se := expectCode(t, err, "IO-0001")
	if se.Line != 2 {
		t.Errorf("line = %d, want 2", se.Line)
	}
}

func TestMacroDesugaring(t *testing.T) {
	src := "#if($a)\nA\n#elseif($b)\nB\n#else\nC\n#end"
	doc := mustParse(t, Options{Macros: true}, "p.jsp", src)

	if len(doc.Children) != 1 {
		t.Fatalf("expected one node, got %v", outline(doc.Children))
	}
	choose := doc.Children[0].(*ast.Element)
	if choose.Name != (ast.QName{URI: taglib.CoreURI, Local: "choose"}) {
		t.Fatalf("got %v", choose.Name)
	}
	want := []string{"Element:c:when", "Element:c:when", "Element:c:otherwise"}
	if diff := cmp.Diff(want, outline(choose.Children)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	tests := []ast.Attr{
		{Name: "test", Value: "${a}", Kind: ast.AttrExpression},
		{Name: "test", Value: "${b}", Kind: ast.AttrExpression},
	}
	for i, w := range tests {
		got, _ := choose.Children[i].(*ast.Element).Attr("test")
		if got != w {
			t.Errorf("clause %d test = %+v", i, got)
		}
	}
	for i, body := range []string{"A\n", "B\n", "C\n"} {
		clause := choose.Children[i].(*ast.Element)
		if diff := cmp.Diff([]string{"Text:" + body}, outline(clause.Children)); diff != "" {
			t.Errorf("clause %d (-want +got):\n%s", i, diff)
		}
	}
	if doc.Source() != src {
		t.Errorf("round trip mismatch: %q", doc.Source())
	}
}

func TestForeachAndSetMacros(t *testing.T) {
	src := "#set($n = 3)\n#foreach($i in [1 .. $n])${i}#end"
	doc := mustParse(t, Options{Macros: true}, "p.jsp", src)
	want := []string{"Element:c:set", "Element:c:forEach"}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	loop := doc.Children[1].(*ast.Element)
	wantAttrs := []ast.Attr{
		{Name: "var", Value: "i", Kind: ast.AttrLiteral},
		{Name: "begin", Value: "${1}", Kind: ast.AttrExpression},
		{Name: "end", Value: "${n}", Kind: ast.AttrExpression},
	}
	if diff := cmp.Diff(wantAttrs, loop.Attrs); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestMacroErrors(t *testing.T) {
	_, _, err := parse(t, Options{Macros: true}, "p.jsp", "#else\n")
	expectCode(t, err, "SCAN-0017")

	_, _, err = parse(t, Options{Macros: true}, "p.jsp", "#if(a)\n#else\n#elseif(b)\n#end")
	expectCode(t, err, "SCAN-0013")

	_, _, err = parse(t, Options{Macros: true}, "p.jsp", "#if(a)\nx")
	expectCode(t, err, "SCAN-0014")

	doc := mustParse(t, Options{}, "p.jsp", "#if(a)")
	if diff := cmp.Diff([]string{"Text:#if(a)"}, outline(doc.Children)); diff != "" {
		t.Errorf("macros off (-want +got):\n%s", diff)
	}
}

func TestTagValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"unclosed", `<c:if test="${x}">`, "SCAN-0014"},
		{"mismatched", `<c:if test="${x}"></c:choose>`, "SCAN-0006"},
		{"unknown attribute", `<c:if tset="${x}"/>`, "SCAN-0009"},
		{"missing required", `<c:if/>`, "SCAN-0012"},
		{"unknown tag", `<c:iff test="${x}"/>`, "RESOLVE-0002"},
		{"unterminated value", `<c:if test="${x}/>`, "SCAN-0002"},
		{"unterminated span", `${x`, "SCAN-0003"},
		{"duplicate attribute", `<c:if test="a" test="b"/>`, "SCAN-0011"},
		{"empty body", `<jsp:param name="a" value="b">x</jsp:param>`, "SCAN-0008"},
		{"unknown directive", `<%@ paeg %>`, "SCAN-0005"},
		{"tag directive in page", `<%@ tag body-content="empty" %>`, "SCAN-0015"},
		{"unknown library", `<%@ taglib prefix="u" uri="urn:nowhere" %>`, "RESOLVE-0001"},
		{"bad boolean", `<%@ page isELIgnored="maybe" %>`, "SCAN-0013"},
		{"page attribute twice", `<%@ page session="true" %><%@ page session="false" %>`, "SCAN-0011"},
		{"unterminated scriptlet", `<% x++;`, "SCAN-0001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parse(t, Options{}, "p.jsp", coreDecl+tt.body)
			expectCode(t, err, tt.code)
		})
	}
}

const rawTLD = `<?xml version="1.0" encoding="UTF-8"?>
<taglib version="2.1">
  <tlib-version>1.0</tlib-version>
  <short-name>u</short-name>
  <tag>
    <name>raw</name>
    <body-content>tagdependent</body-content>
  </tag>
</taglib>`

const rawDecl = `<%@ taglib prefix="u" uri="/WEB-INF/u.tld" %>`

func TestTagDependentBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     []string
		children []string
	}{
		{
			name:     "markup scripts and spans",
			body:     `<u:raw>${y} <u:box/> <% x %></u:raw>after`,
			want:     []string{"Directive:taglib", "Element:u:raw", "Text:after"},
			children: []string{"Text:${y} <u:box/> <% x %>"},
		},
		{
			name:     "nested start tag",
			body:     `<u:raw><u:raw>in</u:raw>`,
			want:     []string{"Directive:taglib", "Element:u:raw"},
			children: []string{"Text:<u:raw>in"},
		},
		{
			name: "empty",
			body: `<u:raw></u:raw>`,
			want: []string{"Directive:taglib", "Element:u:raw"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			write(t, root, "WEB-INF/u.tld", rawTLD)
			src := rawDecl + tt.body
			doc := mustParse(t, Options{Root: root}, "p.jsp", src)

			if diff := cmp.Diff(tt.want, outline(doc.Children)); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
			el := doc.Children[1].(*ast.Element)
			if !el.Opaque {
				t.Error("element should be opaque")
			}
			if diff := cmp.Diff(tt.children, outline(el.Children)); diff != "" {
				t.Errorf("children (-want +got):\n%s", diff)
			}
			if got := doc.Source(); got != src {
				t.Errorf("round trip mismatch:\n got %q\nwant %q", got, src)
			}
		})
	}
}

func TestUnterminatedTagDependentBody(t *testing.T) {
	root := t.TempDir()
	write(t, root, "WEB-INF/u.tld", rawTLD)
	_, _, err := parse(t, Options{Root: root}, "p.jsp", rawDecl+`<u:raw>${y} </u:ra>`)
	expectCode(t, err, "SCAN-0014")
}

func TestUnknownAttributeSuggests(t *testing.T) {
	_, _, err := parse(t, Options{}, "p.jsp", coreDecl+"\n"+`<c:if tset="${x}"/>`)
	se := expectCode(t, err, "SCAN-0009")
	if se.Line != 2 {
		t.Errorf("line = %d, want 2", se.Line)
	}
	found := false
	for _, h := range se.Hints {
		found = found || strings.Contains(h, "`test`")
	}
	if !found {
		t.Errorf("expected a suggestion, got %v", se.Hints)
	}
}

func TestPageDirectiveEncoding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.jsp")
	data := append([]byte(`<%@ page pageEncoding="ISO-8859-1" %>caf`), 0xe9)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	doc, _, err := New(Options{Root: dir}).Parse(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Directive:page", "Text:café"}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestTrimDirectiveWhitespaces(t *testing.T) {
	doc := mustParse(t, Options{}, "p.jsp", `<%@ page trimDirectiveWhitespaces="true" %>`+"\n  \n"+`<% a(); %>`+"\n")
	want := []string{"Directive:page", "scriptlet: a(); "}
	if diff := cmp.Diff(want, outline(doc.Children)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestTagFileDirectives(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "WEB-INF/tags/box.tag",
		`<%@ tag body-content="empty" dynamic-attributes="extra" %>`+
			`<%@ attribute name="title" required="true" %>`+
			`<%@ variable name-given="count" %>`)

	tag := taglib.NewTagInfo(taglib.TagDirPrefix+"/WEB-INF/tags", "box", path)
	_, err := New(Options{Root: dir}).ParseTo(context.Background(), path, KindTagFile, tag, ast.NewTreeBuilder(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if tag.BodyContent != taglib.BodyEmpty || !tag.DynamicAttributes {
		t.Errorf("tag directive not applied: %+v", tag)
	}
	wantAttrs := []taglib.AttributeInfo{{Name: "title", Required: true, Runtime: true}}
	if diff := cmp.Diff(wantAttrs, tag.Attributes); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if len(tag.Variables) != 1 || tag.Variables[0].NameGiven != "count" {
		t.Errorf("variables = %+v", tag.Variables)
	}

	_, err = New(Options{Root: dir}).ParseTo(context.Background(), path, KindPage, nil, ast.NewTreeBuilder(), nil)
	expectCode(t, err, "SCAN-0015")
}

// stubTags hands out unresolved placeholders, as a compiler does for a tag
// that is still being compiled further up the stack.
type stubTags struct {
	calls []taglib.TagRef
}

func (s *stubTags) CompileTagFile(_ context.Context, ref taglib.TagRef, deps *depend.Set) (*taglib.TagInfo, error) {
	s.calls = append(s.calls, ref)
	if err := deps.Add(ref.Path); err != nil {
		return nil, err
	}
	tag := taglib.NewTagInfo(ref.URI, ref.Name, ref.Path)
	tag.Attributes = []taglib.AttributeInfo{{Name: "title"}}
	return tag, nil
}

func TestTagFileChecksAreDeferred(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "WEB-INF/tags/box.tag", "")
	page := write(t, dir, "p.jsp", `<%@ taglib prefix="t" tagdir="/WEB-INF/tags" %><t:box titel="x"/>`)

	stub := &stubTags{}
	p := New(Options{Root: dir, TagFiles: stub})
	res, err := p.ParseTo(context.Background(), page, KindPage, nil, ast.NewTreeBuilder(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(stub.calls) != 1 || stub.calls[0].Name != "box" {
		t.Fatalf("compiler calls = %+v", stub.calls)
	}
	if len(res.Deferred) != 1 {
		t.Fatalf("deferred = %+v", res.Deferred)
	}
	if !res.Deps.Has(filepath.Join(dir, "WEB-INF/tags/box.tag")) {
		t.Error("tag file missing from dependencies")
	}

	res.Deferred[0].Tag.MarkResolved()
	se := expectCode(t, RunDeferred(res.Deferred), "SCAN-0009")
	if se.File != page || se.Line != 1 {
		t.Errorf("deferred error at %s:%d", se.File, se.Line)
	}
}

func TestTagFileWithoutCompiler(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "WEB-INF/tags/box.tag", "")
	_, _, err := parse(t, Options{Root: dir}, "p.jsp", `<%@ taglib prefix="t" tagdir="/WEB-INF/tags" %><t:box/>`)
	expectCode(t, err, "RESOLVE-0004")
}

func TestCanceledContext(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "p.jsp", "text")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := New(Options{Root: dir}).Parse(ctx, path); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParseSyntax(t *testing.T) {
	for in, want := range map[string]Syntax{"": SyntaxAuto, "jsp": SyntaxFree, "XML": SyntaxStrict} {
		if got, ok := ParseSyntax(in); !ok || got != want {
			t.Errorf("ParseSyntax(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParseSyntax("yaml"); ok {
		t.Error("unknown syntax accepted")
	}
	if syntaxFor("a.tagx", SyntaxFree) != SyntaxStrict || syntaxFor("a.jsp", SyntaxAuto) != SyntaxFree {
		t.Error("syntax by extension")
	}
}

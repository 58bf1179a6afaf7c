package ast

import "github.com/sambeau/sage/pkg/sage/taglib"

// Builder receives the parse as a stream of events. SetLocation is reported
// before every node event; Text carries its own location.
type Builder interface {
	StartDocument(path string)
	EndDocument()
	SetLocation(path, filename string, line int)
	StartPrefixMapping(prefix, uri string)

	StartElement(name QName, prefix string, tag *taglib.TagInfo)
	Attribute(attr Attr)
	// EndAttributes ends the start tag; raw is its source text.
	EndAttributes(raw string)
	// EndElement closes the innermost element; raw is the end tag's source,
	// empty for a self-closing tag.
	EndElement(name QName, raw string)

	Text(value, raw, file string, startLine, endLine int)
	Directive(name string, attrs []Attr, raw string)
	// StartInclude and EndInclude bracket the nodes of a statically
	// included file. They follow the include directive's Directive event.
	StartInclude(path string)
	EndInclude()
	Script(kind ScriptKind, code, raw string)
	Expression(deferred bool, content, raw string)
}

// TreeBuilder is a Builder that assembles a Document.
type TreeBuilder struct {
	doc      *Document
	loc      Position
	pending  *Element
	stack    []*[]Node
	elements []*Element
}

// NewTreeBuilder creates an empty TreeBuilder.
func NewTreeBuilder() *TreeBuilder {
	return &TreeBuilder{}
}

// Document returns the built document.
func (b *TreeBuilder) Document() *Document {
	return b.doc
}

func (b *TreeBuilder) StartDocument(path string) {
	b.doc = &Document{Path: path, Prefixes: make(map[string]string)}
	b.stack = []*[]Node{&b.doc.Children}
	b.loc = Position{File: path, Line: 1}
}

func (b *TreeBuilder) EndDocument() {}

func (b *TreeBuilder) SetLocation(path, _ string, line int) {
	b.loc = Position{File: path, Line: line, EndLine: line}
}

func (b *TreeBuilder) StartPrefixMapping(prefix, uri string) {
	if _, ok := b.doc.Prefixes[prefix]; !ok {
		b.doc.Prefixes[prefix] = uri
	}
}

func (b *TreeBuilder) add(n Node) {
	top := b.stack[len(b.stack)-1]
	*top = append(*top, n)
}

func (b *TreeBuilder) StartElement(name QName, prefix string, tag *taglib.TagInfo) {
	b.pending = &Element{
		Position: b.loc,
		Name:     name,
		Prefix:   prefix,
		Tag:      tag,
		Opaque:   tag != nil && tag.BodyContent == taglib.BodyTagDependent,
	}
	b.add(b.pending)
}

func (b *TreeBuilder) Attribute(attr Attr) {
	b.pending.Attrs = append(b.pending.Attrs, attr)
}

func (b *TreeBuilder) EndAttributes(raw string) {
	el := b.pending
	b.pending = nil
	el.RawStart = raw
	b.elements = append(b.elements, el)
	b.stack = append(b.stack, &el.Children)
}

func (b *TreeBuilder) EndElement(_ QName, raw string) {
	el := b.elements[len(b.elements)-1]
	b.elements = b.elements[:len(b.elements)-1]
	b.stack = b.stack[:len(b.stack)-1]
	el.RawEnd = raw
	el.EndLine = b.loc.Line
}

func (b *TreeBuilder) Text(value, raw, file string, startLine, endLine int) {
	b.add(&Text{
		Position: Position{File: file, Line: startLine, EndLine: endLine},
		Value:    value,
		Raw:      raw,
	})
}

func (b *TreeBuilder) Directive(name string, attrs []Attr, raw string) {
	b.add(&Directive{Position: b.loc, Name: name, Attrs: attrs, Raw: raw})
}

func (b *TreeBuilder) StartInclude(string) {
	top := *b.stack[len(b.stack)-1]
	d := top[len(top)-1].(*Directive)
	b.stack = append(b.stack, &d.Children)
}

func (b *TreeBuilder) EndInclude() {
	b.stack = b.stack[:len(b.stack)-1]
}

func (b *TreeBuilder) Script(kind ScriptKind, code, raw string) {
	b.add(&Script{Position: b.loc, Kind: kind, Code: code, Raw: raw})
}

func (b *TreeBuilder) Expression(deferred bool, content, raw string) {
	b.add(&Expr{Position: b.loc, Deferred: deferred, Content: content, Raw: raw})
}

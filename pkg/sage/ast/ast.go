// Package ast defines the parse tree of a page and the Builder sink the
// parser reports it through.
package ast

import (
	"strings"

	"github.com/sambeau/sage/pkg/sage/taglib"
)

// QName is a namespace-qualified element name.
type QName struct {
	URI   string
	Local string
}

func (q QName) String() string {
	if q.URI == "" {
		return q.Local
	}
	return "{" + q.URI + "}" + q.Local
}

// Position locates a node in its source file.
type Position struct {
	File    string
	Line    int
	EndLine int
}

// Node is any node of the tree.
type Node interface {
	Pos() Position
	writeSource(sb *strings.Builder, file string)
}

// AttrKind tells how an attribute value is to be evaluated.
type AttrKind int

const (
	AttrLiteral    AttrKind = iota
	AttrExpression          // contains ${...} or #{...}
	AttrRuntime             // whole value is <%= ... %>
)

func (k AttrKind) String() string {
	switch k {
	case AttrExpression:
		return "expression"
	case AttrRuntime:
		return "runtime"
	}
	return "literal"
}

// Attr is one attribute of an element or directive.
type Attr struct {
	Name  string // as written, including any prefix
	URI   string
	Value string
	Kind  AttrKind
}

// ScriptKind distinguishes the three script fragments.
type ScriptKind int

const (
	Scriptlet ScriptKind = iota
	Declaration
	ExpressionScript
)

func (k ScriptKind) String() string {
	switch k {
	case Declaration:
		return "declaration"
	case ExpressionScript:
		return "expression"
	}
	return "scriptlet"
}

// Text is literal template text. Value is the decoded text, Raw the source
// it came from (including escapes, entities and comments).
type Text struct {
	Position
	Value string
	Raw   string
}

// Directive is a page, include, taglib, tag, attribute or variable directive.
// Children of an include directive are the nodes of the included file.
type Directive struct {
	Position
	Name     string
	Attrs    []Attr
	Raw      string
	Children []Node
}

// Script is a scriptlet, declaration or expression fragment.
type Script struct {
	Position
	Kind ScriptKind
	Code string
	Raw  string
}

// Expr is a ${...} or, when Deferred, #{...} expression span.
type Expr struct {
	Position
	Deferred bool
	Content  string
	Raw      string
}

// Element is a tag bound to a library.
type Element struct {
	Position
	Name     QName
	Prefix   string
	Attrs    []Attr
	Opaque   bool
	Children []Node
	Tag      *taglib.TagInfo
	RawStart string
	RawEnd   string
}

// Attr returns the value of the named attribute.
func (e *Element) Attr(name string) (Attr, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attr{}, false
}

// QualifiedName returns the element name as written.
func (e *Element) QualifiedName() string {
	if e.Prefix == "" {
		return e.Name.Local
	}
	return e.Prefix + ":" + e.Name.Local
}

func (p Position) Pos() Position { return p }

func (n *Text) writeSource(sb *strings.Builder, file string) {
	if n.File == file {
		sb.WriteString(n.Raw)
	}
}

func (n *Directive) writeSource(sb *strings.Builder, file string) {
	if n.File == file {
		sb.WriteString(n.Raw)
	}
}

func (n *Script) writeSource(sb *strings.Builder, file string) {
	if n.File == file {
		sb.WriteString(n.Raw)
	}
}

func (n *Expr) writeSource(sb *strings.Builder, file string) {
	if n.File == file {
		sb.WriteString(n.Raw)
	}
}

func (n *Element) writeSource(sb *strings.Builder, file string) {
	if n.File != file {
		return
	}
	sb.WriteString(n.RawStart)
	for _, c := range n.Children {
		c.writeSource(sb, file)
	}
	sb.WriteString(n.RawEnd)
}

// Document is the tree of one page or tag file.
type Document struct {
	Path     string
	Children []Node
	// Prefixes holds the first URI reported for each prefix.
	Prefixes map[string]string
}

// Source reproduces the document's own source text. Content spliced in from
// included files is omitted; a leading byte order mark is not restored.
func (d *Document) Source() string {
	var sb strings.Builder
	for _, c := range d.Children {
		c.writeSource(&sb, d.Path)
	}
	return sb.String()
}

// Walk calls fn for every node in depth-first order, including the nodes of
// included files. Returning false from fn skips the node's children.
func Walk(nodes []Node, fn func(Node) bool) {
	for _, n := range nodes {
		if !fn(n) {
			continue
		}
		switch n := n.(type) {
		case *Element:
			Walk(n.Children, fn)
		case *Directive:
			Walk(n.Children, fn)
		}
	}
}

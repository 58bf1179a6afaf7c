package ast

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Dump writes an indented outline of nodes, one node per line.
func Dump(w io.Writer, nodes []Node) {
	dump(w, nodes, 0)
}

func dump(w io.Writer, nodes []Node, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, n := range nodes {
		switch n := n.(type) {
		case *Text:
			fmt.Fprintf(w, "%sText %s\n", indent, strconv.Quote(n.Value))
		case *Expr:
			sigil := "$"
			if n.Deferred {
				sigil = "#"
			}
			fmt.Fprintf(w, "%sExpr %s{%s}\n", indent, sigil, n.Content)
		case *Script:
			fmt.Fprintf(w, "%sScript %s %s\n", indent, n.Kind, strconv.Quote(n.Code))
		case *Directive:
			fmt.Fprintf(w, "%sDirective %s%s\n", indent, n.Name, formatAttrs(n.Attrs))
			dump(w, n.Children, depth+1)
		case *Element:
			opaque := ""
			if n.Opaque {
				opaque = " opaque"
			}
			fmt.Fprintf(w, "%sElement %s%s%s\n", indent, n.QualifiedName(), formatAttrs(n.Attrs), opaque)
			dump(w, n.Children, depth+1)
		}
	}
}

func formatAttrs(attrs []Attr) string {
	var sb strings.Builder
	for _, a := range attrs {
		sb.WriteString(" ")
		sb.WriteString(a.Name)
		sb.WriteString("=")
		sb.WriteString(strconv.Quote(a.Value))
		if a.Kind != AttrLiteral {
			sb.WriteString("(" + a.Kind.String() + ")")
		}
	}
	return sb.String()
}

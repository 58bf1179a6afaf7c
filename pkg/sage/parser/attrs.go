package parser

import (
	"strings"

	"github.com/sambeau/sage/pkg/sage/ast"
	"github.com/sambeau/sage/pkg/sage/source"
)

type terminator int

const (
	termTag terminator = iota
	termDirective
)

// attr is a parsed attribute. spans records the expression spans of the
// value with their offsets in the raw source, for replaying literal markup.
type attr struct {
	name  string
	value string
	kind  ast.AttrKind
	line  int
	spans []valueSpan
}

type valueSpan struct {
	deferred bool
	content  string
	start    int
	end      int
	line     int
	endLine  int
}

func (a attr) astAttr() ast.Attr {
	return ast.Attr{Name: a.name, Value: a.value, Kind: a.kind}
}

func attrMap(attrs []attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.name] = a.value
	}
	return m
}

// attributes reads attributes up to the end of a start tag or directive and
// reports whether the tag was self-closing.
func (s *scanner) attributes(term terminator, owner string, openLine int) ([]attr, bool, error) {
	var attrs []attr
	seen := make(map[string]bool)
	for {
		s.skipSpace()
		ch := s.read()
		switch {
		case ch == source.EOF:
			return nil, false, s.errAt(openLine, "SCAN-0001", map[string]any{"Construct": owner})
		case term == termTag && ch == '>':
			return attrs, false, nil
		case term == termTag && ch == '/':
			if c := s.read(); c != '>' {
				return nil, false, s.expected("'>' after '/'", c)
			}
			return attrs, true, nil
		case term == termDirective && ch == '%':
			if c := s.read(); c != '>' {
				return nil, false, s.expected("'%>'", c)
			}
			return attrs, false, nil
		case term == termDirective && ch == '/':
			// tolerated: <%@ page ... /%>
		case isNameStart(ch):
			s.unread()
			a, err := s.attribute()
			if err != nil {
				return nil, false, err
			}
			if seen[a.name] {
				return nil, false, s.errAt(a.line, "SCAN-0011", map[string]any{"Attribute": a.name})
			}
			seen[a.name] = true
			attrs = append(attrs, a)
		default:
			return nil, false, s.expected("attribute name", ch)
		}
	}
}

func (s *scanner) attribute() (attr, error) {
	a := attr{line: s.src.Line()}
	a.name = s.readName()

	s.skipSpace()
	if ch := s.read(); ch != '=' {
		return a, s.expected("'=' after attribute "+a.name, ch)
	}
	s.skipSpace()
	quote := s.read()
	if quote != '"' && quote != '\'' {
		return a, s.expected("quoted value for attribute "+a.name, quote)
	}
	return a, s.attrValue(&a, quote)
}

// attrValue reads a quoted value after its opening quote.
func (s *scanner) attrValue(a *attr, quote rune) error {
	quoteLine := s.src.Line()
	unterminated := func() error {
		return s.errHere("SCAN-0002", map[string]any{"Quote": string(quote), "QuoteLine": quoteLine})
	}

	prefix, ok, err := s.runtimeValue(a, quote, unterminated)
	if ok || err != nil {
		return err
	}
	var value strings.Builder
	value.WriteString(prefix)

	for {
		ch := s.read()
		switch {
		case ch == source.EOF:
			return unterminated()
		case ch == quote:
			a.value = value.String()
			return nil
		case ch == '\\':
			switch n := s.read(); n {
			case '\\', '"', '\'', '$', '#':
				value.WriteRune(n)
			default:
				s.unread()
				value.WriteRune('\\')
			}
		case ch == '&':
			v, err := s.entity(true)
			if err != nil {
				return err
			}
			value.WriteString(v)
		case (ch == '$' || ch == '#') && s.spanEnabled(ch):
			start, line := len(s.raw)-s.lastLen, s.src.Line()
			if s.read() != '{' {
				s.unread()
				value.WriteRune(ch)
				continue
			}
			content, err := s.span(ch, line)
			if err != nil {
				return err
			}
			a.spans = append(a.spans, valueSpan{
				deferred: ch == '#',
				content:  content,
				start:    start,
				end:      len(s.raw),
				line:     line,
				endLine:  s.src.Line(),
			})
			value.WriteString(s.rawFrom(start))
			a.kind = ast.AttrExpression
		default:
			value.WriteRune(ch)
		}
	}
}

// runtimeValue reads a whole-value runtime expression: <%= e %> in free-form
// syntax, %= e % in strict syntax. When the value only starts like one, the
// consumed prefix is returned as literal text.
func (s *scanner) runtimeValue(a *attr, quote rune, unterminated func() error) (string, bool, error) {
	opener, closer := "<%=", "%>"
	if s.strict() {
		opener, closer = "%=", "%"
	}

	for i, want := range opener {
		if c := s.read(); c != want {
			s.unread()
			return opener[:i], false, nil
		}
	}

	var code strings.Builder
	for {
		ch := s.read()
		if ch == source.EOF {
			return "", true, unterminated()
		}
		if ch != '%' {
			code.WriteRune(ch)
			continue
		}
		next := s.read()
		if len(closer) == 1 && next == quote {
			break
		}
		if len(closer) == 2 && next == '>' {
			if q := s.read(); q != quote {
				return "", true, s.expected("closing quote after runtime expression", q)
			}
			break
		}
		s.unread()
		code.WriteRune(ch)
	}
	a.value = code.String()
	a.kind = ast.AttrRuntime
	return "", true, nil
}

package parser

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sambeau/sage/pkg/sage/ast"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/ns"
	"github.com/sambeau/sage/pkg/sage/source"
	"github.com/sambeau/sage/pkg/sage/taglib"
)

type elemKind int

const (
	elemTag          elemKind = iota // bound tag element
	elemLiteral                      // unprefixed markup in strict syntax
	elemTransparent                  // jsp:root, jsp:text
	elemMacroIf                      // c:choose opened by #if
	elemMacroClause                  // c:when or c:otherwise inside #if
	elemMacroForeach                 // c:forEach opened by #foreach
)

type openElement struct {
	kind      elemKind
	qname     string
	name      ast.QName
	tag       *taglib.TagInfo
	line      int
	scope     *ns.Scope
	supplied  map[string]bool
	content   bool
	otherwise bool
}

func (el *openElement) display() string {
	switch el.kind {
	case elemMacroIf, elemMacroClause:
		return "#if"
	case elemMacroForeach:
		return "#foreach"
	}
	return el.qname
}

// scanner holds the per-stream reading state of one parse.
type scanner struct {
	ctx  context.Context
	opts *Options
	src  *source.Reader
	b    ast.Builder
	st   *State

	// raw is the decoded source of the current stream read so far.
	raw     []byte
	lastLen int

	text     strings.Builder
	textMark int
	textLine int

	// base is the index in st.open of the first element opened by the
	// current stream.
	base int
}

func (s *scanner) read() rune {
	ch := s.src.Read()
	if ch == source.EOF {
		s.lastLen = 0
		return ch
	}
	n := len(s.raw)
	s.raw = utf8.AppendRune(s.raw, ch)
	s.lastLen = len(s.raw) - n
	return ch
}

func (s *scanner) unread() {
	s.src.Unread()
	s.raw = s.raw[:len(s.raw)-s.lastLen]
	s.lastLen = 0
}

func (s *scanner) pos() (int, int) {
	return len(s.raw), s.src.Line()
}

func (s *scanner) rawFrom(mark int) string {
	return string(s.raw[mark:])
}

func (s *scanner) strict() bool {
	return s.st.Syntax == SyntaxStrict
}

func (s *scanner) errAt(line int, code string, data map[string]any) *serrors.SageError {
	return s.src.ErrorAtLine(code, line, data)
}

func (s *scanner) errHere(code string, data map[string]any) *serrors.SageError {
	return s.src.Errorf(code, data)
}

// locate places errors raised outside the scanner at line.
func (s *scanner) locate(err error, line int) error {
	var se *serrors.SageError
	if stderrors.As(err, &se) && se.File == "" {
		return s.src.Locate(se, line)
	}
	return err
}

func (s *scanner) expected(what string, got rune) *serrors.SageError {
	return s.errHere("SCAN-0013", map[string]any{"Expected": what, "Got": describe(got)})
}

func describe(ch rune) string {
	if ch == source.EOF {
		return "end of file"
	}
	return strconv.QuoteRune(ch)
}

func (s *scanner) setLocation(line int) {
	path := s.src.Path()
	s.b.SetLocation(path, filepath.Base(path), line)
}

// resetText starts a new pending text node at the current position.
func (s *scanner) resetText() {
	s.restartText(len(s.raw), s.src.Line())
}

func (s *scanner) restartText(mark, line int) {
	s.text.Reset()
	s.textMark = mark
	s.textLine = line
}

// flushText reports the pending text that ends at mark.
func (s *scanner) flushText(mark, line int) {
	raw := string(s.raw[s.textMark:mark])
	value := s.text.String()
	start := s.textLine
	s.restartText(mark, line)
	if raw == "" {
		return
	}
	blank := strings.TrimSpace(value) == ""
	if blank && s.st.Trim {
		return
	}
	if !blank {
		s.markContent()
	}
	s.b.Text(value, raw, s.src.Path(), start, line)
}

func (s *scanner) markContent() {
	if n := len(s.st.open); n > 0 {
		s.st.open[n-1].content = true
	}
}

func (s *scanner) top() *openElement {
	if len(s.st.open) <= s.base {
		return nil
	}
	return s.st.open[len(s.st.open)-1]
}

func (s *scanner) push(el *openElement) {
	s.st.open = append(s.st.open, el)
}

func (s *scanner) pop() *openElement {
	el := s.st.open[len(s.st.open)-1]
	s.st.open = s.st.open[:len(s.st.open)-1]
	return el
}

func isNameStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isNameChar(ch rune) bool {
	return isNameStart(ch) || unicode.IsDigit(ch) || ch == '-' || ch == '.' || ch == ':'
}

func (s *scanner) readName() string {
	var sb strings.Builder
	for {
		ch := s.read()
		if ch == source.EOF || !isNameChar(ch) {
			s.unread()
			return sb.String()
		}
		sb.WriteRune(ch)
	}
}

func (s *scanner) skipSpace() {
	for {
		ch := s.read()
		if ch == source.EOF || !unicode.IsSpace(ch) {
			s.unread()
			return
		}
	}
}

// readUntil consumes input up to and including delim and returns what came
// before it. It reports false at end of file.
func (s *scanner) readUntil(delim string) (string, bool) {
	var sb strings.Builder
	for {
		ch := s.read()
		if ch == source.EOF {
			return sb.String(), false
		}
		sb.WriteRune(ch)
		if strings.HasSuffix(sb.String(), delim) {
			out := sb.String()
			return out[:len(out)-len(delim)], true
		}
	}
}

// parseStream scans the current stream to its end.
func (s *scanner) parseStream() error {
	s.resetText()
	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		mark, line := s.pos()
		ch := s.read()

		var err error
		switch ch {
		case source.EOF:
			return s.endStream()
		case '<':
			err = s.lessThan(mark, line)
		case '&':
			if s.strict() {
				var v string
				v, err = s.entity(false)
				s.text.WriteString(v)
			} else {
				s.text.WriteRune('&')
			}
		case '$', '#':
			err = s.dollarOrHash(ch, mark, line)
		case '\\':
			s.backslash()
		default:
			s.text.WriteRune(ch)
		}
		if err != nil {
			return err
		}
	}
}

func (s *scanner) endStream() error {
	mark, line := s.pos()
	s.flushText(mark, line)
	if el := s.top(); el != nil {
		return s.errHere("SCAN-0014", map[string]any{"Tag": el.display(), "OpenLine": el.line})
	}
	return nil
}

func (s *scanner) spanEnabled(ch rune) bool {
	if s.st.ELIgnored {
		return false
	}
	return ch == '$' || !s.st.DeferredLiteral
}

func (s *scanner) dollarOrHash(ch rune, mark, line int) error {
	next := s.read()
	if next == '{' && s.spanEnabled(ch) {
		content, err := s.span(ch, line)
		if err != nil {
			return err
		}
		s.flushText(mark, line)
		s.setLocation(line)
		s.b.Expression(ch == '#', content, s.rawFrom(mark))
		s.markContent()
		s.resetText()
		return nil
	}
	if ch == '#' && s.st.Macros && unicode.IsLetter(next) {
		s.unread()
		return s.macro(mark, line)
	}
	s.unread()
	s.text.WriteRune(ch)
	return nil
}

// span reads an expression body after its opening brace, honouring nested
// braces and quoted strings.
func (s *scanner) span(open rune, line int) (string, error) {
	unterminated := func() error {
		return s.errAt(line, "SCAN-0003", map[string]any{"Open": string(open) + "{", "OpenLine": line})
	}

	var sb strings.Builder
	depth := 0
	for {
		ch := s.read()
		switch ch {
		case source.EOF:
			return "", unterminated()
		case '"', '\'':
			sb.WriteRune(ch)
			for {
				c := s.read()
				if c == source.EOF {
					return "", unterminated()
				}
				sb.WriteRune(c)
				if c == '\\' {
					c2 := s.read()
					if c2 == source.EOF {
						return "", unterminated()
					}
					sb.WriteRune(c2)
					continue
				}
				if c == ch {
					break
				}
			}
		case '{':
			depth++
			sb.WriteRune(ch)
		case '}':
			if depth == 0 {
				return sb.String(), nil
			}
			depth--
			sb.WriteRune(ch)
		default:
			sb.WriteRune(ch)
		}
	}
}

func (s *scanner) backslash() {
	ch := s.read()
	switch {
	case ch == '\\':
		s.text.WriteRune('\\')
	case (ch == '$' || ch == '#') && s.spanEnabled(ch):
		if s.read() == '{' {
			s.text.WriteRune(ch)
			s.text.WriteRune('{')
			return
		}
		s.unread()
		s.text.WriteRune('\\')
		s.text.WriteRune(ch)
	default:
		s.unread()
		s.text.WriteRune('\\')
	}
}

// entity decodes a reference after '&'. Strict syntax knows the five XML
// entities and numeric references; free-form syntax decodes only &apos; and
// &quot; inside attribute values and leaves anything else literal.
func (s *scanner) entity(inAttr bool) (string, error) {
	strict := s.strict()

	var name strings.Builder
	for {
		ch := s.read()
		if ch == ';' {
			break
		}
		if ch != source.EOF && (ch == '#' || unicode.IsLetter(ch) || unicode.IsDigit(ch)) && name.Len() < 32 {
			name.WriteRune(ch)
			continue
		}
		s.unread()
		if strict {
			return "", s.errHere("SCAN-0004", map[string]any{"Entity": name.String()})
		}
		return "&" + name.String(), nil
	}

	n := name.String()
	if !strict {
		switch {
		case inAttr && n == "apos":
			return "'", nil
		case inAttr && n == "quot":
			return `"`, nil
		}
		return "&" + n + ";", nil
	}

	switch n {
	case "lt":
		return "<", nil
	case "gt":
		return ">", nil
	case "amp":
		return "&", nil
	case "apos":
		return "'", nil
	case "quot":
		return `"`, nil
	}
	if strings.HasPrefix(n, "#") {
		if r, ok := charRef(n[1:]); ok {
			return string(r), nil
		}
		return "", s.errHere("SCAN-0018", map[string]any{"Ref": n})
	}
	return "", s.errHere("SCAN-0004", map[string]any{"Entity": n})
}

func charRef(ref string) (rune, bool) {
	var v uint64
	var err error
	if strings.HasPrefix(ref, "x") || strings.HasPrefix(ref, "X") {
		v, err = strconv.ParseUint(ref[1:], 16, 32)
	} else {
		v, err = strconv.ParseUint(ref, 10, 32)
	}
	if err != nil || v == 0 || !utf8.ValidRune(rune(v)) {
		return 0, false
	}
	return rune(v), true
}

// decodeXMLText decodes entities and CDATA sections in the body of a strict
// script element.
func (s *scanner) decodeXMLText(body string, line int) (string, error) {
	var sb strings.Builder
	for len(body) > 0 {
		switch {
		case strings.HasPrefix(body, "<![CDATA["):
			end := strings.Index(body, "]]>")
			if end < 0 {
				return "", s.errAt(line, "SCAN-0001", map[string]any{"Construct": "CDATA section"})
			}
			sb.WriteString(body[len("<![CDATA["):end])
			body = body[end+3:]
		case body[0] == '&':
			semi := strings.IndexByte(body, ';')
			if semi < 0 {
				return "", s.errAt(line, "SCAN-0004", map[string]any{"Entity": body[1:min(len(body), 10)]})
			}
			ref := body[1:semi]
			switch ref {
			case "lt":
				sb.WriteByte('<')
			case "gt":
				sb.WriteByte('>')
			case "amp":
				sb.WriteByte('&')
			case "apos":
				sb.WriteByte('\'')
			case "quot":
				sb.WriteByte('"')
			default:
				if !strings.HasPrefix(ref, "#") {
					return "", s.errAt(line, "SCAN-0004", map[string]any{"Entity": ref})
				}
				r, ok := charRef(ref[1:])
				if !ok {
					return "", s.errAt(line, "SCAN-0018", map[string]any{"Ref": ref})
				}
				sb.WriteRune(r)
			}
			body = body[semi+1:]
		default:
			sb.WriteByte(body[0])
			body = body[1:]
		}
	}
	return sb.String(), nil
}

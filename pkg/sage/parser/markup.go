package parser

import (
	"regexp"
	"strings"

	"github.com/sambeau/sage/pkg/sage/ast"
	"github.com/sambeau/sage/pkg/sage/source"
)

// lessThan handles the markup that starts with '<'.
func (s *scanner) lessThan(mark, line int) error {
	ch := s.read()
	if s.strict() {
		switch {
		case ch == '!':
			return s.bang(mark, line)
		case ch == '?':
			return s.processingInstruction(line)
		case ch == '/':
			return s.endTag(mark, line)
		case isNameStart(ch):
			s.unread()
			return s.startTag(mark, line)
		}
		s.unread()
		return s.expected("markup after '<'", ch)
	}

	switch {
	case ch == '%':
		return s.percent(mark, line)
	case ch == '\\':
		if s.read() == '%' {
			s.text.WriteString("<%")
			return nil
		}
		s.unread()
		s.text.WriteString(`<\`)
		return nil
	case ch == '/':
		return s.endTag(mark, line)
	case isNameStart(ch):
		s.unread()
		return s.startTag(mark, line)
	}
	s.unread()
	s.text.WriteRune('<')
	return nil
}

// percent handles free-form markup after "<%".
func (s *scanner) percent(mark, line int) error {
	switch ch := s.read(); ch {
	case '-':
		if s.read() == '-' {
			if _, ok := s.readUntil("--%>"); !ok {
				return s.errAt(line, "SCAN-0001", map[string]any{"Construct": "comment"})
			}
			return nil
		}
		s.unread()
		return s.script(ast.Scriptlet, "-", mark, line)
	case '@':
		return s.freeDirective(mark, line)
	case '!':
		return s.script(ast.Declaration, "", mark, line)
	case '=':
		return s.script(ast.ExpressionScript, "", mark, line)
	default:
		s.unread()
		return s.script(ast.Scriptlet, "", mark, line)
	}
}

// script reads a free-form script body up to "%>". Inside it "%\>" stands
// for a literal "%>".
func (s *scanner) script(kind ast.ScriptKind, prefix string, mark, line int) error {
	var code strings.Builder
	code.WriteString(prefix)
	for {
		ch := s.read()
		if ch == source.EOF {
			return s.errAt(line, "SCAN-0001", map[string]any{"Construct": kind.String()})
		}
		if ch != '%' {
			code.WriteRune(ch)
			continue
		}
		next := s.read()
		if next == '>' {
			break
		}
		if next == '\\' {
			if s.read() == '>' {
				code.WriteString("%>")
				continue
			}
			s.unread()
			code.WriteString(`%\`)
			continue
		}
		s.unread()
		code.WriteRune('%')
	}

	s.flushText(mark, line)
	s.emitScript(kind, code.String(), mark, line)
	return nil
}

func (s *scanner) emitScript(kind ast.ScriptKind, code string, mark, line int) {
	s.setLocation(line)
	s.b.Script(kind, code, s.rawFrom(mark))
	s.markContent()
	s.resetText()
}

func (s *scanner) freeDirective(mark, line int) error {
	s.skipSpace()
	name := s.readName()
	if name == "" {
		ch := s.read()
		return s.expected("directive name", ch)
	}
	attrs, _, err := s.attributes(termDirective, "directive "+name, line)
	if err != nil {
		return err
	}
	s.flushText(mark, line)
	return s.directive(name, attrs, mark, line)
}

// bang handles strict markup after "<!": comments, CDATA and DOCTYPE.
func (s *scanner) bang(mark, line int) error {
	switch ch := s.read(); ch {
	case '-':
		if c := s.read(); c != '-' {
			return s.expected("'<!--'", c)
		}
		if _, ok := s.readUntil("-->"); !ok {
			return s.errAt(line, "SCAN-0001", map[string]any{"Construct": "comment"})
		}
		return nil
	case '[':
		for _, want := range "CDATA[" {
			if c := s.read(); c != want {
				return s.expected("'<![CDATA['", c)
			}
		}
		content, ok := s.readUntil("]]>")
		if !ok {
			return s.errAt(line, "SCAN-0001", map[string]any{"Construct": "CDATA section"})
		}
		s.text.WriteString(content)
		return nil
	default:
		s.unread()
		depth := 0
		for {
			c := s.read()
			switch c {
			case source.EOF:
				return s.errAt(line, "SCAN-0001", map[string]any{"Construct": "DOCTYPE"})
			case '[':
				depth++
			case ']':
				depth--
			case '>':
				if depth <= 0 {
					s.text.WriteString(s.rawFrom(mark))
					return nil
				}
			}
		}
	}
}

var xmlEncodingRe = regexp.MustCompile(`encoding\s*=\s*["']([^"']+)["']`)

// processingInstruction handles "<?...?>". The XML declaration's encoding is
// applied; other instructions are dropped.
func (s *scanner) processingInstruction(line int) error {
	target := s.readName()
	body, ok := s.readUntil("?>")
	if !ok {
		return s.errAt(line, "SCAN-0001", map[string]any{"Construct": "processing instruction"})
	}
	if strings.EqualFold(target, "xml") {
		if m := xmlEncodingRe.FindStringSubmatch(body); m != nil {
			if err := s.src.SetEncoding(m[1]); err != nil {
				return err
			}
		}
	}
	return nil
}


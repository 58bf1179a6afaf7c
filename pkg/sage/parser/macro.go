package parser

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/sambeau/sage/pkg/sage/ast"
	"github.com/sambeau/sage/pkg/sage/source"
	"github.com/sambeau/sage/pkg/sage/taglib"
)

// Control macros are shorthand for core tags:
//
//	#if(c) … #elseif(d) … #else … #end   c:choose with c:when and c:otherwise
//	#foreach($x in items) … #end         c:forEach var="x" items="${items}"
//	#foreach($i in [1 .. 5]) … #end      c:forEach var="i" begin="${1}" end="${5}"
//	#set($x = e)                         c:set var="x" value="${e}"
//
// A macro alone on its line takes the line with it.

var (
	foreachRe = regexp.MustCompile(`^\s*\$?([A-Za-z_]\w*)\s+in\s+(.+?)\s*$`)
	rangeRe   = regexp.MustCompile(`^\[\s*(.+?)\s*\.\.\s*(.+?)\s*\]$`)
	setRe     = regexp.MustCompile(`^\s*\$?([A-Za-z_]\w*)\s*=\s*(.+?)\s*$`)
)

func coreTag(name string) *taglib.TagInfo {
	lib, _ := taglib.Builtin(taglib.CoreURI)
	entry, _ := lib.Lookup(name)
	return entry.Tag
}

func (s *scanner) readWord() string {
	var sb strings.Builder
	for {
		ch := s.read()
		if ch == source.EOF || !unicode.IsLetter(ch) {
			s.unread()
			return sb.String()
		}
		sb.WriteRune(ch)
	}
}

// macro handles a control macro; '#' has been read and a letter follows.
func (s *scanner) macro(mark, line int) error {
	word := s.readWord()
	switch word {
	case "if", "elseif", "foreach", "set":
		args, err := s.macroArgs(word, line)
		if err != nil {
			return err
		}
		return s.applyMacro(word, args, mark, line)
	case "else", "end":
		return s.applyMacro(word, "", mark, line)
	}
	s.text.WriteString("#" + word)
	return nil
}

// macroArgs reads the parenthesised arguments of a macro.
func (s *scanner) macroArgs(keyword string, line int) (string, error) {
	for {
		ch := s.read()
		if ch == ' ' || ch == '\t' {
			continue
		}
		if ch != '(' {
			return "", s.expected("'(' after #"+keyword, ch)
		}
		break
	}

	var sb strings.Builder
	depth := 0
	var quote rune
	for {
		ch := s.read()
		switch {
		case ch == source.EOF:
			return "", s.errAt(line, "SCAN-0001", map[string]any{"Construct": "#" + keyword})
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '(':
			depth++
		case ch == ')':
			if depth == 0 {
				return sb.String(), nil
			}
			depth--
		}
		sb.WriteRune(ch)
	}
}

// swallowLine consumes trailing blanks and one line break after a macro.
// When something else follows the blanks are returned to be kept as text.
func (s *scanner) swallowLine() string {
	var blanks strings.Builder
	for {
		ch := s.read()
		switch ch {
		case ' ', '\t':
			blanks.WriteRune(ch)
			continue
		case '\n', source.EOF:
			if ch == source.EOF {
				s.unread()
			}
			return ""
		case '\r':
			if s.read() != '\n' {
				s.unread()
			}
			return ""
		}
		s.unread()
		return blanks.String()
	}
}

// trimPendingHorizontal drops the indentation before a macro that starts
// its line. Only the text value changes; the raw source is kept.
func (s *scanner) trimPendingHorizontal() {
	v := s.text.String()
	i := strings.LastIndexAny(v, "\r\n")
	if strings.Trim(v[i+1:], " \t") != "" {
		return
	}
	if i < 0 && s.textMark > 0 && !s.atLineStart(s.textMark) {
		return
	}
	s.text.Reset()
	s.text.WriteString(v[:i+1])
}

func (s *scanner) atLineStart(pos int) bool {
	c := s.raw[pos-1]
	return c == '\n' || c == '\r'
}

// variables strips the '$' sigil from names outside string literals.
func variables(expr string) string {
	var sb strings.Builder
	var quote rune
	runes := []rune(expr)
	for i, ch := range runes {
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '$' && i+1 < len(runes) && isNameStart(runes[i+1]):
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func exprAttr(name, expr string) ast.Attr {
	return ast.Attr{Name: name, Value: "${" + variables(expr) + "}", Kind: ast.AttrExpression}
}

func (s *scanner) applyMacro(word, args string, mark, line int) error {
	top := s.top()
	inClause := top != nil && top.kind == elemMacroClause

	switch word {
	case "elseif", "else":
		if !inClause {
			return s.errAt(line, "SCAN-0017", map[string]any{"Macro": word, "Opener": "if"})
		}
		if top.otherwise {
			return s.errAt(line, "SCAN-0013", map[string]any{"Expected": "#end after #else", "Got": "#" + word})
		}
	case "end":
		if !inClause && (top == nil || top.kind != elemMacroForeach) {
			return s.errAt(line, "SCAN-0017", map[string]any{"Macro": "end", "Opener": "if or #foreach"})
		}
	}

	var foreach, set []string
	switch word {
	case "foreach":
		if foreach = foreachRe.FindStringSubmatch(args); foreach == nil {
			return s.errAt(line, "SCAN-0013", map[string]any{"Expected": "'$name in expression' for #foreach", "Got": "'" + args + "'"})
		}
	case "set":
		if set = setRe.FindStringSubmatch(args); set == nil {
			return s.errAt(line, "SCAN-0013", map[string]any{"Expected": "'$name = expression' for #set", "Got": "'" + args + "'"})
		}
	}

	s.trimPendingHorizontal()
	s.flushText(mark, line)
	kept := s.swallowLine()
	s.setLocation(line)

	switch word {
	case "if":
		s.markContent()
		s.startMacro("choose", nil, "", line, elemMacroIf)
		s.startMacro("when", []ast.Attr{exprAttr("test", args)}, s.rawFrom(mark), line, elemMacroClause)
	case "elseif":
		s.endMacro("")
		s.startMacro("when", []ast.Attr{exprAttr("test", args)}, s.rawFrom(mark), line, elemMacroClause)
	case "else":
		s.endMacro("")
		s.startMacro("otherwise", nil, s.rawFrom(mark), line, elemMacroClause).otherwise = true
	case "end":
		if inClause {
			s.endMacro("")
		}
		s.endMacro(s.rawFrom(mark))
	case "foreach":
		s.markContent()
		attrs := []ast.Attr{{Name: "var", Value: foreach[1], Kind: ast.AttrLiteral}}
		if r := rangeRe.FindStringSubmatch(foreach[2]); r != nil {
			attrs = append(attrs, exprAttr("begin", r[1]), exprAttr("end", r[2]))
		} else {
			attrs = append(attrs, exprAttr("items", foreach[2]))
		}
		s.startMacro("forEach", attrs, s.rawFrom(mark), line, elemMacroForeach)
	case "set":
		s.markContent()
		attrs := []ast.Attr{
			{Name: "var", Value: set[1], Kind: ast.AttrLiteral},
			exprAttr("value", set[2]),
		}
		s.b.StartElement(ast.QName{URI: taglib.CoreURI, Local: "set"}, "c", coreTag("set"))
		for _, a := range attrs {
			s.b.Attribute(a)
		}
		s.b.EndAttributes(s.rawFrom(mark))
		s.b.EndElement(ast.QName{URI: taglib.CoreURI, Local: "set"}, "")
	}

	s.resetText()
	s.text.WriteString(kept)
	return nil
}

func (s *scanner) startMacro(local string, attrs []ast.Attr, raw string, line int, kind elemKind) *openElement {
	el := &openElement{
		kind:  kind,
		qname: "c:" + local,
		name:  ast.QName{URI: taglib.CoreURI, Local: local},
		tag:   coreTag(local),
		line:  line,
		scope: s.st.Scope,
	}
	s.b.StartElement(el.name, "c", el.tag)
	for _, a := range attrs {
		s.b.Attribute(a)
	}
	s.b.EndAttributes(raw)
	s.push(el)
	return el
}

func (s *scanner) endMacro(raw string) {
	el := s.pop()
	s.b.EndElement(el.name, raw)
}

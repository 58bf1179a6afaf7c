package parser

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/sambeau/sage/pkg/sage/ast"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/ns"
	"github.com/sambeau/sage/pkg/sage/taglib"
)

func splitQName(qname string) (string, string) {
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		return qname[:i], qname[i+1:]
	}
	return "", qname
}

func namespaceDecl(name string) (string, bool) {
	if name == "xmlns" {
		return "", true
	}
	return strings.CutPrefix(name, "xmlns:")
}

// boundTag reports whether a free-form tag name refers to a tag library.
// Anything else is template text.
func (s *scanner) boundTag(qname string) bool {
	prefix, _ := splitQName(qname)
	if prefix == "" {
		return false
	}
	_, ok := s.st.Scope.URI(prefix)
	return ok
}

// startTag handles an element start tag; '<' has been read.
func (s *scanner) startTag(mark, line int) error {
	qname := s.readName()
	if !s.strict() && !s.boundTag(qname) {
		s.text.WriteString(s.rawFrom(mark))
		return nil
	}

	attrs, selfClosing, err := s.attributes(termTag, "tag <"+qname+">", line)
	if err != nil {
		return err
	}

	saved := s.st.Scope
	var bindings []ns.Binding
	var plain []attr
	for _, a := range attrs {
		if p, ok := namespaceDecl(a.name); ok {
			s.st.Scope = s.st.Scope.Push(p, a.value)
			bindings = append(bindings, ns.Binding{Prefix: p, URI: a.value})
			continue
		}
		plain = append(plain, a)
	}

	prefix, local := splitQName(qname)
	uri, bound := s.st.Scope.URI(prefix)
	if prefix != "" && !bound {
		return s.errAt(line, "SCAN-0007", map[string]any{"Prefix": prefix})
	}
	if prefix == "" && (!bound || uri == "") {
		s.literalStart(mark, qname, attrs, selfClosing, saved, line)
		return nil
	}

	for _, b := range bindings {
		s.b.StartPrefixMapping(b.Prefix, b.URI)
	}

	if uri == taglib.JSPURI {
		if handled, err := s.jspElement(local, qname, plain, selfClosing, saved, mark, line); handled || err != nil {
			return err
		}
	}

	tag, err := s.resolveTag(uri, local, line)
	if err != nil {
		return err
	}

	el := &openElement{
		kind:     elemTag,
		qname:    qname,
		name:     ast.QName{URI: uri, Local: local},
		tag:      tag,
		line:     line,
		scope:    saved,
		supplied: make(map[string]bool),
	}

	s.flushText(mark, line)
	if uri == taglib.JSPURI && local == "attribute" {
		if parent := s.top(); parent != nil && parent.kind == elemTag {
			parent.supplied[attrMap(plain)["name"]] = true
		}
	} else {
		s.markContent()
	}

	s.setLocation(line)
	s.b.StartElement(el.name, prefix, tag)
	for _, a := range plain {
		s.b.Attribute(a.astAttr())
		el.supplied[a.name] = true
	}
	s.b.EndAttributes(s.rawFrom(mark))
	s.push(el)
	s.resetText()

	switch {
	case selfClosing:
		return s.closeElement(el, "")
	case tag.BodyContent == taglib.BodyTagDependent:
		return s.opaqueBody(el)
	}
	return nil
}

// literalStart replays an unprefixed strict start tag into the pending text,
// reporting the expression spans of its attribute values.
func (s *scanner) literalStart(mark int, qname string, attrs []attr, selfClosing bool, saved *ns.Scope, line int) {
	pos := mark
	for _, a := range attrs {
		for _, sp := range a.spans {
			s.text.Write(s.raw[pos:sp.start])
			s.flushText(sp.start, sp.line)
			s.setLocation(sp.line)
			s.b.Expression(sp.deferred, sp.content, string(s.raw[sp.start:sp.end]))
			s.markContent()
			s.restartText(sp.end, sp.endLine)
			pos = sp.end
		}
	}
	s.text.Write(s.raw[pos:])

	if selfClosing {
		s.st.Scope = saved
		return
	}
	s.push(&openElement{kind: elemLiteral, qname: qname, line: line, scope: saved})
}

// jspElement handles the standard elements that are not tags: the
// transparent root and text wrappers, scripts and directives.
func (s *scanner) jspElement(local, qname string, attrs []attr, selfClosing bool, saved *ns.Scope, mark, line int) (bool, error) {
	switch local {
	case "root", "text":
		if selfClosing {
			s.st.Scope = saved
		} else {
			s.push(&openElement{kind: elemTransparent, qname: qname, line: line, scope: saved})
		}
		return true, nil

	case "scriptlet", "expression", "declaration":
		kind := map[string]ast.ScriptKind{
			"scriptlet":   ast.Scriptlet,
			"expression":  ast.ExpressionScript,
			"declaration": ast.Declaration,
		}[local]
		code, err := s.elementBody(qname, selfClosing, line)
		if err != nil {
			return true, err
		}
		if s.strict() {
			if code, err = s.decodeXMLText(code, line); err != nil {
				return true, err
			}
		}
		s.flushText(mark, line)
		s.emitScript(kind, code, mark, line)
		s.st.Scope = saved
		return true, nil
	}

	name, ok := strings.CutPrefix(local, "directive.")
	if !ok {
		return false, nil
	}
	body, err := s.elementBody(qname, selfClosing, line)
	if err != nil {
		return true, err
	}
	if strings.TrimSpace(body) != "" {
		return true, s.errAt(line, "SCAN-0008", map[string]any{"Tag": qname})
	}
	s.flushText(mark, line)
	s.st.Scope = saved
	return true, s.directive(name, attrs, mark, line)
}

// elementBody reads everything up to the end tag of qname.
func (s *scanner) elementBody(qname string, selfClosing bool, line int) (string, error) {
	if selfClosing {
		return "", nil
	}
	body, ok := s.readUntil("</" + qname + ">")
	if !ok {
		return "", s.errHere("SCAN-0014", map[string]any{"Tag": qname, "OpenLine": line})
	}
	return body, nil
}

// opaqueBody passes the body of a tagdependent element through as text.
func (s *scanner) opaqueBody(el *openElement) error {
	line := s.src.Line()
	body, err := s.elementBody(el.qname, false, el.line)
	if err != nil {
		return err
	}
	if body != "" {
		s.b.Text(body, body, s.src.Path(), line, s.src.Line())
		el.content = true
	}
	return s.closeElement(el, "</"+el.qname+">")
}

// endTag handles "</name>"; "</" has been read.
func (s *scanner) endTag(mark, line int) error {
	qname := s.readName()
	s.skipSpace()
	if ch := s.read(); ch != '>' {
		if !s.strict() {
			s.unread()
			s.text.WriteString(s.rawFrom(mark))
			return nil
		}
		return s.expected("'>' to close </"+qname, ch)
	}
	if !s.strict() && !s.boundTag(qname) {
		s.text.WriteString(s.rawFrom(mark))
		return nil
	}

	el := s.top()
	if el == nil || el.qname != qname || el.kind >= elemMacroIf {
		expected := ""
		if el != nil {
			expected = el.display()
		}
		return s.errAt(line, "SCAN-0006", map[string]any{"Got": qname, "Expected": expected})
	}

	switch el.kind {
	case elemLiteral:
		s.pop()
		s.text.WriteString(s.rawFrom(mark))
		s.st.Scope = el.scope
		return nil
	case elemTransparent:
		s.pop()
		s.st.Scope = el.scope
		return nil
	}

	s.flushText(mark, line)
	if el.tag.BodyContent == taglib.BodyEmpty && el.content {
		return s.errAt(el.line, "SCAN-0008", map[string]any{"Tag": qname})
	}
	return s.closeElement(el, s.rawFrom(mark))
}

func (s *scanner) closeElement(el *openElement, raw string) error {
	if s.top() == el {
		s.pop()
	}
	s.setLocation(s.src.Line())
	s.b.EndElement(el.name, raw)
	s.st.Scope = el.scope
	s.resetText()
	return s.validate(el)
}

// validate checks the supplied attributes of a closed element. Checks
// against a tag still being compiled are deferred until it is complete.
func (s *scanner) validate(el *openElement) error {
	if el.tag == nil {
		return nil
	}
	if !el.tag.Resolved() {
		supplied := make([]string, 0, len(el.supplied))
		for name := range el.supplied {
			supplied = append(supplied, name)
		}
		sort.Strings(supplied)
		s.st.deferred = append(s.st.deferred, DeferredCheck{
			Tag:      el.tag,
			Element:  el.qname,
			Supplied: supplied,
			File:     s.src.Path(),
			Line:     el.line,
		})
		return nil
	}
	if err := checkAttributes(el.tag, el.qname, el.supplied); err != nil {
		return s.src.Locate(err, el.line)
	}
	return nil
}

func checkAttributes(tag *taglib.TagInfo, element string, supplied map[string]bool) *serrors.SageError {
	names := make([]string, 0, len(supplied))
	for name := range supplied {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.Contains(name, ":") {
			continue
		}
		if _, ok := tag.Attribute(name); ok || tag.DynamicAttributes {
			continue
		}
		err := serrors.New("SCAN-0009", map[string]any{"Tag": element, "Attribute": name})
		return serrors.DidYouMean(err, name, tag.AttributeNames())
	}
	for _, a := range tag.Attributes {
		if a.Required && !supplied[a.Name] {
			return serrors.New("SCAN-0012", map[string]any{"Tag": element, "Attribute": a.Name})
		}
	}
	return nil
}

// library resolves a tag library once per parse.
func (s *scanner) library(uri, declared string, line int) (*taglib.Library, error) {
	if lib, ok := s.st.libs[uri]; ok {
		return lib, nil
	}
	lib, err := s.opts.Libraries.Resolve(s.ctx, uri, declared, filepath.Dir(s.src.Path()))
	if err != nil {
		return nil, s.locate(err, line)
	}
	s.st.libs[uri] = lib
	return lib, nil
}

// resolveTag finds the descriptor of a tag, compiling it first when it is
// implemented by a tag file.
func (s *scanner) resolveTag(uri, local string, line int) (*taglib.TagInfo, error) {
	lib, err := s.library(uri, "", line)
	if err != nil {
		return nil, err
	}
	entry, ok := lib.Lookup(local)
	if !ok {
		return nil, s.src.Locate(taglib.UnknownTag(lib, uri, local), line)
	}
	if entry.Tag != nil {
		return entry.Tag, nil
	}
	if s.opts.TagFiles == nil {
		err := taglib.MissingTagFile(entry.File.Path).WithHint("no tag file compiler is configured")
		return nil, s.src.Locate(err, line)
	}
	tag, err := s.opts.TagFiles.CompileTagFile(s.ctx, *entry.File, s.st.Deps)
	if err != nil {
		return nil, s.locate(err, line)
	}
	return tag, nil
}

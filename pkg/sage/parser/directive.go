package parser

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/sambeau/sage/pkg/sage/ast"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/taglib"
)

var (
	pageDirectives = []string{"page", "include", "taglib"}
	tagDirectives  = []string{"tag", "attribute", "variable", "include", "taglib"}

	pageAttributes = []string{
		"language", "extends", "import", "session", "buffer", "autoFlush",
		"isThreadSafe", "info", "errorPage", "isErrorPage", "contentType",
		"pageEncoding", "isELIgnored", "deferredSyntaxAllowedAsLiteral",
		"trimDirectiveWhitespaces", "macros",
	}
	tagAttributes = []string{
		"display-name", "body-content", "dynamic-attributes", "small-icon",
		"large-icon", "description", "example", "language", "import",
		"pageEncoding", "isELIgnored", "deferredSyntaxAllowedAsLiteral",
		"trimDirectiveWhitespaces", "macros",
	}
	attributeAttributes = []string{
		"name", "required", "fragment", "rtexprvalue", "type", "description",
		"deferredValue", "deferredValueType", "deferredMethod", "deferredMethodSignature",
	}
	variableAttributes = []string{
		"name-given", "name-from-attribute", "alias", "variable-class",
		"declare", "scope", "description",
	}
)

// directive applies and reports a directive. Pending text has already been
// flushed; mark is where the directive's markup starts.
func (s *scanner) directive(name string, attrs []attr, mark, line int) error {
	allowed, other := pageDirectives, tagDirectives
	if s.st.Kind == KindTagFile {
		allowed, other = tagDirectives, pageDirectives
	}
	if !slices.Contains(allowed, name) {
		if slices.Contains(other, name) {
			return s.errAt(line, "SCAN-0015", map[string]any{"Directive": name, "Kind": s.st.Kind.String()})
		}
		err := s.errAt(line, "SCAN-0005", map[string]any{"What": "directive", "Name": name})
		return serrors.DidYouMean(err, name, allowed)
	}

	values := attrMap(attrs)
	var err error
	switch name {
	case "page":
		err = s.pageDirective(attrs, line)
	case "tag":
		err = s.tagDirective(attrs, line)
	case "attribute":
		err = s.attributeDirective(attrs, values, line)
	case "variable":
		err = s.variableDirective(attrs, values, line)
	case "taglib":
		err = s.taglibDirective(values, line)
	case "include":
		if values["file"] == "" {
			err = s.errAt(line, "SCAN-0012", map[string]any{"Tag": "include directive", "Attribute": "file"})
		}
	}
	if err != nil {
		return err
	}

	astAttrs := make([]ast.Attr, len(attrs))
	for i, a := range attrs {
		astAttrs[i] = ast.Attr{Name: a.name, Value: a.value, Kind: ast.AttrLiteral}
	}
	s.setLocation(line)
	s.b.Directive(name, astAttrs, s.rawFrom(mark))
	s.markContent()
	s.resetText()

	if name == "include" {
		return s.include(values["file"], line)
	}
	return nil
}

func (s *scanner) checkKnown(what string, attrs []attr, known []string) error {
	for _, a := range attrs {
		if !slices.Contains(known, a.name) {
			err := s.errAt(a.line, "SCAN-0005", map[string]any{"What": what, "Name": a.name})
			return serrors.DidYouMean(err, a.name, known)
		}
	}
	return nil
}

func (s *scanner) boolValue(a attr) (bool, error) {
	switch strings.ToLower(a.value) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, s.errAt(a.line, "SCAN-0013", map[string]any{
		"Expected": "true or false for " + a.name,
		"Got":      "'" + a.value + "'",
	})
}

// unitAttributes applies the attributes page and tag directives share. They
// may each be given once per translation unit, except import.
func (s *scanner) unitAttributes(attrs []attr) error {
	for _, a := range attrs {
		if a.name != "import" {
			if s.st.pageAttrs[a.name] {
				return s.errAt(a.line, "SCAN-0011", map[string]any{"Attribute": a.name})
			}
			s.st.pageAttrs[a.name] = true
		}

		var flag *bool
		switch a.name {
		case "isELIgnored":
			flag = &s.st.ELIgnored
		case "deferredSyntaxAllowedAsLiteral":
			flag = &s.st.DeferredLiteral
		case "trimDirectiveWhitespaces":
			flag = &s.st.Trim
		case "macros":
			flag = &s.st.Macros
		}
		if flag != nil {
			v, err := s.boolValue(a)
			if err != nil {
				return err
			}
			*flag = v
		}
	}

	values := attrMap(attrs)
	encoding := values["pageEncoding"]
	if encoding == "" {
		encoding = charsetOf(values["contentType"])
	}
	if encoding != "" {
		if err := s.src.SetEncoding(encoding); err != nil {
			return err
		}
	}
	return nil
}

// charsetOf extracts the charset parameter of a content type.
func charsetOf(contentType string) string {
	for _, param := range strings.Split(contentType, ";")[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), "charset") {
			return strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return ""
}

func (s *scanner) pageDirective(attrs []attr, line int) error {
	if err := s.checkKnown("page directive attribute", attrs, pageAttributes); err != nil {
		return err
	}
	return s.unitAttributes(attrs)
}

func (s *scanner) tagInfo() *taglib.TagInfo {
	if s.st.Tag == nil {
		s.st.Tag = taglib.NewTagInfo("", "", s.src.Path())
	}
	return s.st.Tag
}

func (s *scanner) tagDirective(attrs []attr, line int) error {
	if err := s.checkKnown("tag directive attribute", attrs, tagAttributes); err != nil {
		return err
	}
	if err := s.unitAttributes(attrs); err != nil {
		return err
	}

	tag := s.tagInfo()
	for _, a := range attrs {
		switch a.name {
		case "body-content":
			switch a.value {
			case "empty", "scriptless", "tagdependent":
				tag.BodyContent = taglib.ParseBodyContent(a.value)
			default:
				return s.errAt(a.line, "SCAN-0013", map[string]any{
					"Expected": "empty, scriptless or tagdependent for body-content",
					"Got":      "'" + a.value + "'",
				})
			}
		case "dynamic-attributes":
			tag.DynamicAttributes = a.value != ""
		case "description":
			tag.Description = a.value
		case "display-name":
			if tag.Description == "" {
				tag.Description = a.value
			}
		}
	}
	return nil
}

func (s *scanner) attributeDirective(attrs []attr, values map[string]string, line int) error {
	if err := s.checkKnown("attribute directive attribute", attrs, attributeAttributes); err != nil {
		return err
	}
	name := values["name"]
	if name == "" {
		return s.errAt(line, "SCAN-0012", map[string]any{"Tag": "attribute directive", "Attribute": "name"})
	}
	tag := s.tagInfo()
	if _, ok := tag.Attribute(name); ok {
		return s.errAt(line, "SCAN-0011", map[string]any{"Attribute": name})
	}

	info := taglib.AttributeInfo{
		Name:        name,
		Runtime:     true,
		Type:        values["type"],
		Description: values["description"],
	}
	for _, a := range attrs {
		var flag *bool
		switch a.name {
		case "required":
			flag = &info.Required
		case "fragment":
			flag = &info.Fragment
		case "rtexprvalue":
			flag = &info.Runtime
		}
		if flag == nil {
			continue
		}
		v, err := s.boolValue(a)
		if err != nil {
			return err
		}
		*flag = v
	}
	tag.Attributes = append(tag.Attributes, info)
	return nil
}

func (s *scanner) variableDirective(attrs []attr, values map[string]string, line int) error {
	if err := s.checkKnown("variable directive attribute", attrs, variableAttributes); err != nil {
		return err
	}
	given, fromAttr := values["name-given"], values["name-from-attribute"]
	if given == "" && fromAttr == "" {
		return s.errAt(line, "SCAN-0012", map[string]any{"Tag": "variable directive", "Attribute": "name-given"})
	}

	info := taglib.VariableInfo{
		NameGiven:         given,
		NameFromAttribute: fromAttr,
		Class:             values["variable-class"],
		Declare:           true,
		Scope:             values["scope"],
	}
	if info.Scope == "" {
		info.Scope = "NESTED"
	}
	for _, a := range attrs {
		if a.name != "declare" {
			continue
		}
		v, err := s.boolValue(a)
		if err != nil {
			return err
		}
		info.Declare = v
	}
	tag := s.tagInfo()
	tag.Variables = append(tag.Variables, info)
	return nil
}

// taglibDirective binds a prefix to a library for the rest of the
// translation unit.
func (s *scanner) taglibDirective(values map[string]string, line int) error {
	prefix := values["prefix"]
	if prefix == "" {
		return s.errAt(line, "SCAN-0012", map[string]any{"Tag": "taglib directive", "Attribute": "prefix"})
	}
	uri, dir := values["uri"], values["tagdir"]
	switch {
	case uri == "" && dir == "":
		return s.errAt(line, "SCAN-0012", map[string]any{"Tag": "taglib directive", "Attribute": "uri"})
	case uri != "" && dir != "":
		return s.errAt(line, "SCAN-0013", map[string]any{"Expected": "either uri or tagdir", "Got": "both"})
	case dir != "":
		uri = taglib.TagDirPrefix + dir
	}

	if _, err := s.library(uri, "", line); err != nil {
		return err
	}
	s.st.Scope = s.st.Scope.Push(prefix, uri)
	s.b.StartPrefixMapping(prefix, uri)
	return nil
}

// include parses another file in place. The included stream shares the
// parse state but elements must be balanced within it.
func (s *scanner) include(file string, line int) error {
	var path string
	if strings.HasPrefix(file, "/") {
		path = filepath.Join(s.opts.Root, file)
	} else {
		path = filepath.Join(filepath.Dir(s.src.Path()), file)
	}

	if err := s.src.PushInclude(path); err != nil {
		return s.locate(err, line)
	}
	if err := s.st.Deps.Add(s.src.Path()); err != nil {
		return serrors.New("IO-0001", map[string]any{"Path": s.src.Path(), "Reason": err.Error()}).WithCause(err)
	}

	savedRaw, savedBase, savedSyntax := s.raw, s.base, s.st.Syntax
	s.raw, s.lastLen = nil, 0
	s.base = len(s.st.open)
	s.st.Syntax = syntaxFor(s.src.Path(), savedSyntax)

	s.b.StartInclude(s.src.Path())
	err := s.parseStream()
	s.src.PopInclude()

	s.raw, s.lastLen, s.base, s.st.Syntax = savedRaw, 0, savedBase, savedSyntax
	if err != nil {
		return err
	}
	s.b.EndInclude()
	s.resetText()
	return nil
}

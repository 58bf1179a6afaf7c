package taglib

const (
	// JSPURI is the namespace of the standard actions, implicitly bound to "jsp".
	JSPURI = "http://java.sun.com/JSP/Page"
	// CoreURI is the namespace of the core library used by macro desugaring.
	CoreURI = "http://java.sun.com/jsp/jstl/core"
	// TagDirPrefix prefixes the URI of a tag directory library.
	TagDirPrefix = "urn:jsptagdir:"
)

type attr = AttributeInfo

func tag(name string, body BodyContent, attrs ...AttributeInfo) *TagInfo {
	return &TagInfo{Name: name, BodyContent: body, Attributes: attrs}
}

func opt(name string) AttributeInfo { return attr{Name: name, Runtime: true} }
func req(name string) AttributeInfo { return attr{Name: name, Required: true, Runtime: true} }

// Literal-only attribute.
func lit(name string) AttributeInfo { return attr{Name: name} }

func newJSPLibrary() *Library {
	lib := NewLibrary(JSPURI, "builtin:jsp")
	lib.ShortName = "jsp"
	lib.Version = "2.1"

	for _, t := range []*TagInfo{
		tag("root", BodyJSP, lit("version")),
		tag("text", BodyJSP),
		tag("scriptlet", BodyTagDependent),
		tag("expression", BodyTagDependent),
		tag("declaration", BodyTagDependent),
		tag("directive.page", BodyEmpty),
		tag("directive.include", BodyEmpty, attr{Name: "file", Required: true}),
		tag("directive.tag", BodyEmpty),
		tag("directive.attribute", BodyEmpty),
		tag("directive.variable", BodyEmpty),
		tag("attribute", BodyJSP, req("name"), lit("trim"), lit("omit")),
		tag("body", BodyJSP),
		tag("element", BodyJSP, req("name")),
		tag("include", BodyJSP, req("page"), lit("flush")),
		tag("forward", BodyJSP, req("page")),
		tag("param", BodyEmpty, req("name"), req("value")),
		tag("invoke", BodyEmpty, attr{Name: "fragment", Required: true}, lit("var"), lit("varReader"), lit("scope")),
		tag("doBody", BodyEmpty, lit("var"), lit("varReader"), lit("scope")),
		tag("useBean", BodyJSP, attr{Name: "id", Required: true}, lit("class"), lit("type"), opt("beanName"), lit("scope")),
		tag("setProperty", BodyEmpty, req("name"), req("property"), opt("value"), lit("param")),
		tag("getProperty", BodyEmpty, req("name"), req("property")),
		tag("output", BodyEmpty, lit("omit-xml-declaration"), lit("doctype-root-element"), lit("doctype-system"), lit("doctype-public")),
	} {
		lib.AddTag(t)
	}
	return lib
}

func newCoreLibrary() *Library {
	lib := NewLibrary(CoreURI, "builtin:core")
	lib.ShortName = "c"
	lib.Version = "1.2"

	for _, t := range []*TagInfo{
		tag("out", BodyJSP, req("value"), opt("default"), opt("escapeXml")),
		tag("set", BodyJSP, lit("var"), opt("value"), opt("target"), opt("property"), lit("scope")),
		tag("remove", BodyEmpty, attr{Name: "var", Required: true}, lit("scope")),
		tag("catch", BodyJSP, lit("var")),
		tag("if", BodyJSP, req("test"), lit("var"), lit("scope")),
		tag("choose", BodyJSP),
		tag("when", BodyJSP, req("test")),
		tag("otherwise", BodyJSP),
		tag("forEach", BodyJSP, opt("items"), opt("begin"), opt("end"), opt("step"), lit("var"), lit("varStatus")),
		tag("forTokens", BodyJSP, req("items"), req("delims"), opt("begin"), opt("end"), opt("step"), lit("var"), lit("varStatus")),
		tag("import", BodyJSP, req("url"), lit("var"), lit("scope"), lit("varReader"), opt("context"), opt("charEncoding")),
		tag("url", BodyJSP, req("value"), lit("var"), lit("scope"), opt("context")),
		tag("redirect", BodyJSP, req("url"), opt("context")),
		tag("param", BodyJSP, req("name"), opt("value")),
	} {
		lib.AddTag(t)
	}
	return lib
}

var builtins = map[string]*Library{
	JSPURI:  newJSPLibrary(),
	CoreURI: newCoreLibrary(),
}

// Builtin returns a built-in library by URI.
func Builtin(uri string) (*Library, bool) {
	lib, ok := builtins[uri]
	return lib, ok
}

package taglib

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor file suffixes.
const (
	ExtTLD  = ".tld"
	ExtYAML = ".taglib.yaml"
)

// IsDescriptor reports whether name looks like a descriptor file.
func IsDescriptor(name string) bool {
	return strings.HasSuffix(name, ExtTLD) || strings.HasSuffix(name, ExtYAML)
}

// tldFile mirrors a TLD document. Both the JSP 1.1 element names and the
// later hyphenated ones are accepted.
type tldFile struct {
	XMLName      xml.Name     `xml:"taglib"`
	Version      string       `xml:"tlib-version"`
	VersionOld   string       `xml:"tlibversion"`
	ShortName    string       `xml:"short-name"`
	ShortNameOld string       `xml:"shortname"`
	URI          string       `xml:"uri"`
	Description  string       `xml:"description"`
	Info         string       `xml:"info"`
	Tags         []tldTag     `xml:"tag"`
	TagFiles     []tldTagFile `xml:"tag-file"`
	Functions    []tldFunc    `xml:"function"`
}

type tldTag struct {
	Name              string         `xml:"name"`
	TagClass          string         `xml:"tag-class"`
	TagClassOld       string         `xml:"tagclass"`
	BodyContent       string         `xml:"body-content"`
	BodyContentOld    string         `xml:"bodycontent"`
	Description       string         `xml:"description"`
	Attributes        []tldAttribute `xml:"attribute"`
	Variables         []tldVariable  `xml:"variable"`
	DynamicAttributes string         `xml:"dynamic-attributes"`
}

type tldAttribute struct {
	Name        string `xml:"name"`
	Required    string `xml:"required"`
	RTExprValue string `xml:"rtexprvalue"`
	Fragment    string `xml:"fragment"`
	Type        string `xml:"type"`
	Description string `xml:"description"`
}

type tldVariable struct {
	NameGiven         string `xml:"name-given"`
	NameFromAttribute string `xml:"name-from-attribute"`
	Class             string `xml:"variable-class"`
	Declare           string `xml:"declare"`
	Scope             string `xml:"scope"`
}

type tldTagFile struct {
	Name string `xml:"name"`
	Path string `xml:"path"`
}

type tldFunc struct {
	Name      string `xml:"name"`
	Class     string `xml:"function-class"`
	Signature string `xml:"function-signature"`
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// resolveTagFilePath maps a descriptor's tag-file path to a storage path:
// absolute paths are relative to root, others to the descriptor's directory.
func resolveTagFilePath(p, root, descriptorDir string) string {
	if strings.HasPrefix(p, "/") {
		return filepath.Join(root, filepath.FromSlash(p))
	}
	return filepath.Join(descriptorDir, filepath.FromSlash(path.Clean(p)))
}

// ParseTLD parses a TLD document.
func ParseTLD(data []byte, location, root string) (*Library, error) {
	var f tldFile
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}

	lib := NewLibrary(strings.TrimSpace(f.URI), location)
	lib.ShortName = firstNonEmpty(f.ShortName, f.ShortNameOld)
	lib.Version = firstNonEmpty(f.Version, f.VersionOld)
	lib.Description = firstNonEmpty(f.Description, f.Info)

	for _, t := range f.Tags {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("tag without a name")
		}
		info := &TagInfo{
			Name:              name,
			BodyContent:       ParseBodyContent(firstNonEmpty(t.BodyContent, t.BodyContentOld)),
			Handler:           firstNonEmpty(t.TagClass, t.TagClassOld),
			Description:       strings.TrimSpace(t.Description),
			DynamicAttributes: truthy(t.DynamicAttributes),
		}
		for _, a := range t.Attributes {
			info.Attributes = append(info.Attributes, AttributeInfo{
				Name:        strings.TrimSpace(a.Name),
				Required:    truthy(a.Required),
				Runtime:     truthy(a.RTExprValue),
				Fragment:    truthy(a.Fragment),
				Type:        strings.TrimSpace(a.Type),
				Description: strings.TrimSpace(a.Description),
			})
		}
		for _, v := range t.Variables {
			info.Variables = append(info.Variables, VariableInfo{
				NameGiven:         strings.TrimSpace(v.NameGiven),
				NameFromAttribute: strings.TrimSpace(v.NameFromAttribute),
				Class:             strings.TrimSpace(v.Class),
				Declare:           v.Declare == "" || truthy(v.Declare),
				Scope:             strings.TrimSpace(v.Scope),
			})
		}
		lib.AddTag(info)
	}

	dir := filepath.Dir(location)
	for _, tf := range f.TagFiles {
		name, p := strings.TrimSpace(tf.Name), strings.TrimSpace(tf.Path)
		if name == "" || p == "" {
			return nil, fmt.Errorf("tag-file needs a name and a path")
		}
		lib.AddTagFile(name, resolveTagFilePath(p, root, dir))
	}

	for _, fn := range f.Functions {
		name := strings.TrimSpace(fn.Name)
		lib.Functions[name] = FunctionInfo{
			Name:      name,
			Class:     strings.TrimSpace(fn.Class),
			Signature: strings.TrimSpace(fn.Signature),
		}
	}
	return lib, nil
}

type yamlLibrary struct {
	URI         string         `yaml:"uri"`
	ShortName   string         `yaml:"short_name"`
	Version     string         `yaml:"version"`
	Description string         `yaml:"description"`
	Tags        []yamlTag      `yaml:"tags"`
	TagFiles    []tldTagFile   `yaml:"tag_files"`
	Functions   []FunctionInfo `yaml:"functions"`
}

type yamlTag struct {
	Name              string          `yaml:"name"`
	BodyContent       string          `yaml:"body_content"`
	Handler           string          `yaml:"handler"`
	Description       string          `yaml:"description"`
	DynamicAttributes bool            `yaml:"dynamic_attributes"`
	Attributes        []AttributeInfo `yaml:"attributes"`
	Variables         []VariableInfo  `yaml:"variables"`
}

// ParseYAML parses a YAML tag library descriptor:
//
//	uri: urn:example:ui
//	short_name: ui
//	tags:
//	  - name: card
//	    body_content: scriptless
//	    attributes:
//	      - {name: title, required: true, runtime: true}
//	tag_files:
//	  - {name: button, path: tags/button.tag}
func ParseYAML(data []byte, location, root string) (*Library, error) {
	var y yamlLibrary
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, err
	}

	lib := NewLibrary(y.URI, location)
	lib.ShortName = y.ShortName
	lib.Version = y.Version
	lib.Description = y.Description

	for _, t := range y.Tags {
		if t.Name == "" {
			return nil, fmt.Errorf("tag without a name")
		}
		lib.AddTag(&TagInfo{
			Name:              t.Name,
			BodyContent:       ParseBodyContent(t.BodyContent),
			Handler:           t.Handler,
			Description:       t.Description,
			DynamicAttributes: t.DynamicAttributes,
			Attributes:        t.Attributes,
			Variables:         t.Variables,
		})
	}

	dir := filepath.Dir(location)
	for _, tf := range y.TagFiles {
		if tf.Name == "" || tf.Path == "" {
			return nil, fmt.Errorf("tag file needs a name and a path")
		}
		lib.AddTagFile(tf.Name, resolveTagFilePath(tf.Path, root, dir))
	}
	for _, fn := range y.Functions {
		lib.Functions[fn.Name] = fn
	}
	return lib, nil
}

// Parse dispatches on the location's suffix.
func Parse(data []byte, location, root string) (*Library, error) {
	if strings.HasSuffix(location, ExtYAML) {
		return ParseYAML(data, location, root)
	}
	return ParseTLD(data, location, root)
}

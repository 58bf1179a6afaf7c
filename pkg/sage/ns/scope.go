// Package ns implements the namespace scope used while scanning pages: an
// immutable list of prefix to tag library URI bindings.
package ns

// Scope is one binding in an immutable cons list. The nil *Scope is the
// empty scope and is ready to use.
//
// Pushing never mutates an existing scope, so a saved *Scope can be restored
// by simply assigning it back.
type Scope struct {
	prefix string
	uri    string
	next   *Scope
	depth  int
}

// Push returns a new scope binding prefix to uri in front of s.
func (s *Scope) Push(prefix, uri string) *Scope {
	return &Scope{prefix: prefix, uri: uri, next: s, depth: s.Depth() + 1}
}

// Pop returns the scope without its innermost binding.
func (s *Scope) Pop() *Scope {
	if s == nil {
		return nil
	}
	return s.next
}

// Depth returns the number of bindings in the scope.
func (s *Scope) Depth() int {
	if s == nil {
		return 0
	}
	return s.depth
}

// URI returns the URI bound to prefix by the innermost binding.
func (s *Scope) URI(prefix string) (string, bool) {
	for f := s; f != nil; f = f.next {
		if f.prefix == prefix {
			return f.uri, true
		}
	}
	return "", false
}

// Prefix returns the innermost prefix bound to uri that is not shadowed by
// a later binding of the same prefix.
func (s *Scope) Prefix(uri string) (string, bool) {
	for f := s; f != nil; f = f.next {
		if f.uri != uri {
			continue
		}
		if bound, _ := s.URI(f.prefix); bound == uri {
			return f.prefix, true
		}
	}
	return "", false
}

// Bindings returns the visible bindings, innermost first.
func (s *Scope) Bindings() []Binding {
	var out []Binding
	seen := map[string]bool{}
	for f := s; f != nil; f = f.next {
		if seen[f.prefix] {
			continue
		}
		seen[f.prefix] = true
		out = append(out, Binding{Prefix: f.prefix, URI: f.uri})
	}
	return out
}

// Binding is a single prefix to URI mapping.
type Binding struct {
	Prefix string
	URI    string
}

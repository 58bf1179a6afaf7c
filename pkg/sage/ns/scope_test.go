package ns

import "testing"

func TestEmptyScope(t *testing.T) {
	var s *Scope
	if _, ok := s.URI("c"); ok {
		t.Error("empty scope should not resolve anything")
	}
	if s.Depth() != 0 || s.Pop() != nil {
		t.Error("empty scope should have depth 0 and pop to nil")
	}
}

func TestPushShadowsAndPopRestores(t *testing.T) {
	var base *Scope
	outer := base.Push("c", "urn:core").Push("t", "urn:tags")
	inner := outer.Push("c", "urn:other")

	if uri, _ := inner.URI("c"); uri != "urn:other" {
		t.Errorf("inner c = %q, want urn:other", uri)
	}
	if uri, _ := outer.URI("c"); uri != "urn:core" {
		t.Errorf("outer scope was mutated: c = %q", uri)
	}
	if uri, _ := inner.Pop().URI("c"); uri != "urn:core" {
		t.Errorf("after pop c = %q, want urn:core", uri)
	}
	if inner.Depth() != 3 {
		t.Errorf("depth = %d, want 3", inner.Depth())
	}
}

func TestPrefixReverseLookup(t *testing.T) {
	var s *Scope
	s = s.Push("a", "urn:x").Push("b", "urn:y")
	if p, ok := s.Prefix("urn:x"); !ok || p != "a" {
		t.Errorf("Prefix(urn:x) = %q, %v", p, ok)
	}

	// a is rebound, so urn:x no longer has a visible prefix
	s = s.Push("a", "urn:z")
	if p, ok := s.Prefix("urn:x"); ok {
		t.Errorf("shadowed binding should not be visible, got %q", p)
	}
}

func TestBindings(t *testing.T) {
	var s *Scope
	s = s.Push("a", "urn:1").Push("b", "urn:2").Push("a", "urn:3")
	got := s.Bindings()
	if len(got) != 2 || got[0] != (Binding{"a", "urn:3"}) || got[1] != (Binding{"b", "urn:2"}) {
		t.Errorf("Bindings() = %v", got)
	}
}

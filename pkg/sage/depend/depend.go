// Package depend records the source files an artifact was compiled from and
// decides whether any of them changed since.
package depend

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Mode selects how a file is fingerprinted.
type Mode string

const (
	// ModeMTime fingerprints by modification time and size.
	ModeMTime Mode = "mtime"
	// ModeDigest fingerprints by a BLAKE2b-256 digest of the content.
	ModeDigest Mode = "digest"
)

const (
	prefixMTime  = "mtime:"
	prefixDigest = "blake2b:"
	missing      = "missing"
)

// ParseMode converts a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeMTime:
		return ModeMTime, nil
	case ModeDigest:
		return ModeDigest, nil
	}
	return "", fmt.Errorf("unknown fingerprint mode %q (use mtime or digest)", s)
}

// Fingerprint returns the current fingerprint of path. A file that does not
// exist has the fingerprint "missing".
func Fingerprint(path string, mode Mode) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return missing, nil
	}
	if err != nil {
		return "", err
	}

	if mode != ModeDigest {
		return prefixMTime + strconv.FormatInt(info.ModTime().UnixNano(), 10) + ":" + strconv.FormatInt(info.Size(), 10), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return prefixDigest + hex.EncodeToString(h.Sum(nil)), nil
}

func modeOf(fingerprint string) Mode {
	if strings.HasPrefix(fingerprint, prefixDigest) {
		return ModeDigest
	}
	return ModeMTime
}

// Dependency is one recorded file.
type Dependency struct {
	Path        string
	Fingerprint string
}

// Set is an ordered set of dependencies. It is safe for concurrent use.
type Set struct {
	mode Mode

	mu    sync.Mutex
	order []string
	deps  map[string]string
}

// NewSet creates an empty set that fingerprints new files with mode.
func NewSet(mode Mode) *Set {
	if mode == "" {
		mode = ModeMTime
	}
	return &Set{mode: mode, deps: make(map[string]string)}
}

// Mode returns the fingerprint mode for files added with Add.
func (s *Set) Mode() Mode {
	return s.mode
}

// Add fingerprints path and records it. Adding a path twice keeps the
// first fingerprint.
func (s *Set) Add(path string) error {
	path = filepath.Clean(path)

	s.mu.Lock()
	_, ok := s.deps[path]
	s.mu.Unlock()
	if ok {
		return nil
	}

	fp, err := Fingerprint(path, s.mode)
	if err != nil {
		return err
	}
	s.AddFingerprint(path, fp)
	return nil
}

// AddFingerprint records path with a known fingerprint.
func (s *Set) AddFingerprint(path, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deps[path]; ok {
		return
	}
	s.deps[path] = fingerprint
	s.order = append(s.order, path)
}

// Merge adds every dependency of other that s does not already have.
func (s *Set) Merge(other *Set) {
	if other == nil || other == s {
		return
	}
	for _, d := range other.All() {
		s.AddFingerprint(d.Path, d.Fingerprint)
	}
}

// Has reports whether path is recorded.
func (s *Set) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.deps[filepath.Clean(path)]
	return ok
}

// Len returns the number of recorded files.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// All returns the dependencies in the order they were added.
func (s *Set) All() []Dependency {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Dependency, len(s.order))
	for i, p := range s.order {
		out[i] = Dependency{Path: p, Fingerprint: s.deps[p]}
	}
	return out
}

// Paths returns the recorded paths in the order they were added.
func (s *Set) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Stale reports whether any recorded file changed, returning the first
// changed path. A file that cannot be inspected counts as changed.
func (s *Set) Stale() (bool, string) {
	for _, d := range s.All() {
		fp, err := Fingerprint(d.Path, modeOf(d.Fingerprint))
		if err != nil || fp != d.Fingerprint {
			return true, d.Path
		}
	}
	return false, ""
}

// WriteTo writes the set in record form: one `"<path>" "<fingerprint>"`
// line per dependency.
func (s *Set) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, d := range s.All() {
		m, err := fmt.Fprintf(bw, "%s %s\n", strconv.Quote(d.Path), strconv.Quote(d.Fingerprint))
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// Read parses a dependency record.
func Read(r io.Reader) (*Set, error) {
	s := NewSet(ModeMTime)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		path, rest, err := unquoteField(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		fp, rest, err := unquoteField(strings.TrimLeft(rest, " \t"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if strings.TrimSpace(rest) != "" {
			return nil, fmt.Errorf("line %d: unexpected trailing text %q", lineNo, rest)
		}
		s.AddFingerprint(path, fp)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func unquoteField(s string) (string, string, error) {
	prefix, err := strconv.QuotedPrefix(s)
	if err != nil {
		return "", "", fmt.Errorf("expected quoted string at %q", s)
	}
	value, err := strconv.Unquote(prefix)
	if err != nil {
		return "", "", err
	}
	return value, s[len(prefix):], nil
}

// WriteFile writes the record to path atomically.
func (s *Set) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".depend-*")
	if err != nil {
		return err
	}
	if _, err := s.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile reads a record written by WriteFile.
func ReadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// RecordPath maps a logical document key to its record file below workDir.
func RecordPath(workDir, key string) string {
	key = strings.TrimLeft(filepath.ToSlash(key), "/")
	return filepath.Join(workDir, filepath.FromSlash(key)+".depend")
}

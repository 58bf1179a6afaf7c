// Package source provides the character reader used by the page scanner.
//
// A Reader decodes one or more nested source streams (the page plus the
// files it statically includes), sniffs byte order marks, tracks line and
// column positions and offers a single rune of pushback.
package source

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

// EOF is returned by Read at the end of the current stream.
const EOF rune = -1

const (
	bomUTF8    = "\xEF\xBB\xBF"
	bomUTF16BE = "\xFE\xFF"
	bomUTF16LE = "\xFF\xFE"
)

type mode int

const (
	modeUTF8 mode = iota
	modeUTF16BE
	modeUTF16LE
	modeCharmap
)

// Options configures a Reader.
type Options struct {
	// Encoding used when a stream has no byte order mark. Defaults to UTF-8.
	Encoding string
	// ReadFile loads a stream's bytes. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Location is a position inside one stream of the include stack.
type Location struct {
	Path   string
	Line   int
	Column int
}

// position is the part of a stream's state restored by Unread.
type position struct {
	pos    int
	line   int
	col    int
	lastCR bool
}

type stream struct {
	path string
	raw  []byte
	position

	mode     mode
	cmap     *charmap.Charmap
	encoding string
	locked   bool
	bom      bool

	saved     position
	canUnread bool
}

// Reader reads runes from a stack of source streams.
type Reader struct {
	opts    Options
	streams []*stream
}

// Open creates a Reader positioned at the start of path.
func Open(path string, opts Options) (*Reader, error) {
	r := newReader(opts)
	if err := r.PushInclude(path); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenBytes creates a Reader over in-memory content that reports path as
// its location. Includes are still read through Options.ReadFile.
func OpenBytes(path string, data []byte, opts Options) (*Reader, error) {
	r := newReader(opts)
	s, err := r.newStream(cleanPath(path), data)
	if err != nil {
		return nil, err
	}
	r.streams = append(r.streams, s)
	return r, nil
}

func newReader(opts Options) *Reader {
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	if opts.Encoding == "" {
		opts.Encoding = "UTF-8"
	}
	return &Reader{opts: opts}
}

func cleanPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// PushInclude opens path on top of the stream stack. Opening a path that is
// already open anywhere on the stack is an include cycle.
func (r *Reader) PushInclude(path string) error {
	path = cleanPath(path)
	for _, s := range r.streams {
		if s.path == path {
			return r.cycleError(path)
		}
	}

	data, err := r.opts.ReadFile(path)
	if err != nil {
		return r.errorAt("IO-0001", map[string]any{"Path": path, "Reason": ioReason(err)}).WithCause(err)
	}
	s, err := r.newStream(path, data)
	if err != nil {
		return err
	}
	r.streams = append(r.streams, s)
	return nil
}

// PopInclude closes the innermost stream.
func (r *Reader) PopInclude() {
	if n := len(r.streams); n > 0 {
		r.streams[n-1].raw = nil
		r.streams = r.streams[:n-1]
	}
}

// Close closes every open stream.
func (r *Reader) Close() {
	for len(r.streams) > 0 {
		r.PopInclude()
	}
}

// Depth returns the number of open streams.
func (r *Reader) Depth() int {
	return len(r.streams)
}

func (r *Reader) cycleError(path string) *serrors.SageError {
	chain := make([]string, 0, len(r.streams)+1)
	for _, s := range r.streams {
		chain = append(chain, s.path)
	}
	chain = append(chain, path)
	return r.errorAt("CYCLE-0001", map[string]any{
		"Path":  path,
		"Chain": strings.Join(chain, " -> "),
	})
}

func ioReason(err error) string {
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err.Error()
	}
	return err.Error()
}

func (r *Reader) newStream(path string, data []byte) (*stream, error) {
	s := &stream{path: path, raw: data}
	s.line = 1

	switch {
	case strings.HasPrefix(string(data[:min(3, len(data))]), bomUTF8):
		s.pos = len(bomUTF8)
		s.mode, s.encoding = modeUTF8, "UTF-8"
	case strings.HasPrefix(string(data[:min(2, len(data))]), bomUTF16BE):
		s.pos = len(bomUTF16BE)
		s.mode, s.encoding = modeUTF16BE, "UTF-16BE"
	case strings.HasPrefix(string(data[:min(2, len(data))]), bomUTF16LE):
		s.pos = len(bomUTF16LE)
		s.mode, s.encoding = modeUTF16LE, "UTF-16LE"
	default:
		if err := r.applyEncoding(s, r.opts.Encoding); err != nil {
			return nil, err
		}
		// Only a multi-byte default needs transcoding, which fixes it.
		s.locked = s.mode == modeUTF8 && s.encoding != "UTF-8"
		return s, nil
	}

	s.bom = true
	s.locked = true
	return s, nil
}

func (r *Reader) top() *stream {
	if len(r.streams) == 0 {
		return nil
	}
	return r.streams[len(r.streams)-1]
}

// Read returns the next rune of the innermost stream, or EOF.
func (r *Reader) Read() rune {
	s := r.top()
	if s == nil {
		return EOF
	}
	s.saved = s.position
	s.canUnread = true

	if s.pos >= len(s.raw) {
		return EOF
	}

	ch, n := s.decode()
	s.pos += n

	switch {
	case ch == '\r':
		s.line++
		s.col = 0
		s.lastCR = true
	case ch == '\n':
		if !s.lastCR {
			s.line++
		}
		s.col = 0
		s.lastCR = false
	default:
		s.col++
		s.lastCR = false
	}
	return ch
}

// Unread pushes back the rune returned by the last Read. Only one rune of
// pushback is available.
func (r *Reader) Unread() {
	s := r.top()
	if s == nil {
		return
	}
	if !s.canUnread {
		panic("source: Unread without a preceding Read")
	}
	s.position = s.saved
	s.canUnread = false
}

// Peek returns the next rune without consuming it.
func (r *Reader) Peek() rune {
	ch := r.Read()
	r.Unread()
	return ch
}

func (s *stream) decode() (rune, int) {
	switch s.mode {
	case modeUTF16BE, modeUTF16LE:
		u, ok := s.unit(s.pos)
		if !ok {
			return utf8.RuneError, len(s.raw) - s.pos
		}
		if utf16.IsSurrogate(rune(u)) {
			if u2, ok := s.unit(s.pos + 2); ok {
				if ch := utf16.DecodeRune(rune(u), rune(u2)); ch != utf8.RuneError {
					return ch, 4
				}
			}
			return utf8.RuneError, 2
		}
		return rune(u), 2
	case modeCharmap:
		return s.cmap.DecodeByte(s.raw[s.pos]), 1
	default:
		ch, n := utf8.DecodeRune(s.raw[s.pos:])
		return ch, n
	}
}

func (s *stream) unit(at int) (uint16, bool) {
	if at+1 >= len(s.raw) {
		return 0, false
	}
	b0, b1 := uint16(s.raw[at]), uint16(s.raw[at+1])
	if s.mode == modeUTF16BE {
		return b0<<8 | b1, true
	}
	return b1<<8 | b0, true
}

// SetEncoding switches the innermost stream to the named encoding for the
// rest of its content. The encoding of a document can be fixed at most once;
// a byte order mark counts as fixing it.
func (r *Reader) SetEncoding(name string) error {
	s := r.top()
	if s == nil {
		return nil
	}
	if s.locked {
		enc, canonical, err := lookupEncoding(name)
		if err != nil || enc == nil {
			return r.errorAt("SCAN-0016", map[string]any{"Encoding": name})
		}
		if !sameEncoding(canonical, s.encoding) {
			return r.errorAt("SCAN-0010", map[string]any{"New": name, "Old": s.encoding})
		}
		return nil
	}
	if err := r.applyEncoding(s, name); err != nil {
		return err
	}
	s.locked = true
	s.canUnread = false
	return nil
}

func (r *Reader) applyEncoding(s *stream, name string) error {
	enc, canonical, err := lookupEncoding(name)
	if err != nil || enc == nil {
		return r.errorAt("SCAN-0016", map[string]any{"Encoding": name})
	}

	s.encoding = canonical
	switch {
	case canonical == "UTF-8":
		s.mode = modeUTF8
	case canonical == "UTF-16BE" || canonical == "UTF-16":
		s.mode = modeUTF16BE
	case canonical == "UTF-16LE":
		s.mode = modeUTF16LE
	default:
		if cm, ok := enc.(*charmap.Charmap); ok {
			s.mode = modeCharmap
			s.cmap = cm
			return nil
		}
		rest, err := enc.NewDecoder().Bytes(s.raw[s.pos:])
		if err != nil {
			return r.errorAt("IO-0001", map[string]any{"Path": s.path, "Reason": err.Error()}).WithCause(err)
		}
		s.raw = rest
		s.pos = 0
		s.mode = modeUTF8
	}
	return nil
}

func lookupEncoding(name string) (encoding.Encoding, string, error) {
	name = strings.TrimSpace(name)
	enc, err := ianaindex.IANA.Encoding(name)
	if err == nil && enc != nil {
		canonical, nerr := ianaindex.IANA.Name(enc)
		if nerr != nil {
			canonical = strings.ToUpper(name)
		}
		return enc, canonical, nil
	}
	enc, err = htmlindex.Get(name)
	if err != nil {
		return nil, "", err
	}
	canonical, err := htmlindex.Name(enc)
	if err != nil {
		canonical = strings.ToUpper(name)
	}
	return enc, strings.ToUpper(canonical), nil
}

func sameEncoding(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Encoding returns the canonical name of the innermost stream's encoding.
func (r *Reader) Encoding() string {
	if s := r.top(); s != nil {
		return s.encoding
	}
	return ""
}

// HasBOM reports whether the innermost stream started with a byte order mark.
func (r *Reader) HasBOM() bool {
	if s := r.top(); s != nil {
		return s.bom
	}
	return false
}

// EncodingLocked reports whether the innermost stream's encoding is fixed.
func (r *Reader) EncodingLocked() bool {
	if s := r.top(); s != nil {
		return s.locked
	}
	return false
}

// Path returns the path of the innermost stream.
func (r *Reader) Path() string {
	if s := r.top(); s != nil {
		return s.path
	}
	return ""
}

// Line returns the 1-based line of the next rune in the innermost stream.
func (r *Reader) Line() int {
	if s := r.top(); s != nil {
		return s.line
	}
	return 0
}

// Column returns the 1-based column of the next rune in the innermost stream.
func (r *Reader) Column() int {
	if s := r.top(); s != nil {
		return s.col + 1
	}
	return 0
}

// Trail returns the include stack, outermost first.
func (r *Reader) Trail() []Location {
	out := make([]Location, len(r.streams))
	for i, s := range r.streams {
		out[i] = Location{Path: s.path, Line: s.line, Column: s.col + 1}
	}
	return out
}

// Errorf builds a catalog error located at the innermost stream's current
// position, with the including streams listed as hints.
func (r *Reader) Errorf(code string, data map[string]any) *serrors.SageError {
	return r.errorAt(code, data)
}

// ErrorAtLine is like Errorf but reports an explicit line of the innermost stream.
func (r *Reader) ErrorAtLine(code string, line int, data map[string]any) *serrors.SageError {
	err := r.errorAt(code, data)
	err.Line = line
	err.Column = 0
	return err
}

func (r *Reader) errorAt(code string, data map[string]any) *serrors.SageError {
	err := serrors.New(code, data)
	if s := r.top(); s != nil {
		r.locate(err, s.line, s.col+1)
	}
	return err
}

// Locate returns a copy of err placed at line of the innermost stream, with
// the include trail as hints. Errors that already carry a file are returned
// unchanged.
func (r *Reader) Locate(err *serrors.SageError, line int) *serrors.SageError {
	if err.File != "" || len(r.streams) == 0 {
		return err
	}
	c := err.WithPosition(line, 0)
	r.locate(c, line, 0)
	return c
}

func (r *Reader) locate(err *serrors.SageError, line, col int) {
	trail := r.Trail()
	err.File = trail[len(trail)-1].Path
	err.Line = line
	err.Column = col
	err.Hints = append([]string(nil), err.Hints...)
	for i := len(trail) - 2; i >= 0; i-- {
		err.Hints = append(err.Hints, "included from "+trail[i].Path+":"+strconv.Itoa(trail[i].Line))
	}
}

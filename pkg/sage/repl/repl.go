// Package repl is an interactive shell that parses page snippets and prints
// the resulting node tree.
package repl

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/sambeau/sage/pkg/sage/ast"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/parser"
)

const (
	PROMPT              = "sage> "
	PROMPT_STRICT       = "sage:xml> "
	CONTINUATION_PROMPT = "   .. "
)

// Words offered by tab completion.
var completionWords = []string{
	// Directives
	"<%@", "page", "include", "taglib", "prefix=", "uri=", "tagdir=",
	"isELIgnored=", "trimDirectiveWhitespaces=", "macros=",
	// Standard actions
	"<jsp:root", "<jsp:text", "<jsp:scriptlet", "<jsp:expression", "<jsp:declaration",
	"<jsp:attribute", "<jsp:body", "<jsp:element", "<jsp:include", "<jsp:param",
	// Core tags
	"<c:out", "<c:set", "<c:if", "<c:choose", "<c:when", "<c:otherwise", "<c:forEach",
	// Macros
	"#if", "#elseif", "#else", "#end", "#foreach", "#set",
}

// Session holds the REPL state between snippets.
type Session struct {
	opts       parser.Options
	prelude    []string // taglib directives carried into later snippets
	showSource bool
}

// NewSession creates a session parsing with opts. Snippets are parsed as if
// they were a page in opts.Root.
func NewSession(opts parser.Options) *Session {
	if opts.Root == "" {
		opts.Root, _ = os.Getwd()
	}
	return &Session{opts: opts}
}

func (s *Session) prompt() string {
	if s.opts.Syntax == parser.SyntaxStrict {
		return PROMPT_STRICT
	}
	return PROMPT
}

// Start runs the REPL with line editing, history, and tab completion until
// the user quits.
func Start(out io.Writer, opts parser.Options, version string) {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(filterCompletions)

	historyFile := filepath.Join(os.TempDir(), ".sage_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	s := NewSession(opts)
	fmt.Fprintln(out, "sage shell", version)
	fmt.Fprintln(out, "Type a page snippet to see its node tree; ':help' for commands, Ctrl+D to quit")
	fmt.Fprintln(out, "")

	var buf strings.Builder
	for {
		prompt := s.prompt()
		if buf.Len() > 0 {
			prompt = CONTINUATION_PROMPT
		}
		input, err := line.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted {
				if buf.Len() > 0 {
					fmt.Fprintln(out, "^C (cleared)")
				} else {
					fmt.Fprintln(out, "^C")
				}
				buf.Reset()
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}

		trimmed := strings.TrimSpace(input)
		if buf.Len() == 0 {
			if trimmed == "exit" || trimmed == "quit" {
				fmt.Fprintln(out, "Goodbye!")
				return
			}
			if strings.HasPrefix(trimmed, ":") {
				s.Command(out, trimmed)
				continue
			}
			if trimmed == "" {
				continue
			}
		}

		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(input)
		snippet := buf.String()
		if needsMoreInput(snippet) {
			continue
		}

		line.AppendHistory(snippet)
		s.Eval(context.Background(), out, snippet)
		buf.Reset()
	}
}

// Command handles a ':' command.
func (s *Session) Command(out io.Writer, cmd string) {
	switch cmd {
	case ":help", ":h", ":?":
		fmt.Fprintln(out, "REPL Commands:")
		fmt.Fprintln(out, "  :help, :h, :?   Show this help")
		fmt.Fprintln(out, "  :free           Parse snippets as free-form pages")
		fmt.Fprintln(out, "  :strict         Parse snippets as well-formed XML documents")
		fmt.Fprintln(out, "  :macros         Toggle #if/#foreach/#set macros")
		fmt.Fprintln(out, "  :trim           Toggle whitespace trimming")
		fmt.Fprintln(out, "  :source         Toggle echoing the reconstructed source")
		fmt.Fprintln(out, "  :taglibs        Show the taglib directives carried between snippets")
		fmt.Fprintln(out, "  :reset          Forget carried taglib directives")
		fmt.Fprintln(out, "  exit, quit      Exit the REPL")

	case ":free":
		s.opts.Syntax = parser.SyntaxFree
		fmt.Fprintln(out, "Free-form syntax")

	case ":strict":
		s.opts.Syntax = parser.SyntaxStrict
		fmt.Fprintln(out, "Strict syntax")

	case ":macros":
		s.opts.Macros = !s.opts.Macros
		fmt.Fprintln(out, "Macros", onOff(s.opts.Macros))

	case ":trim":
		s.opts.TrimWhitespace = !s.opts.TrimWhitespace
		fmt.Fprintln(out, "Whitespace trimming", onOff(s.opts.TrimWhitespace))

	case ":source":
		s.showSource = !s.showSource
		fmt.Fprintln(out, "Source echo", onOff(s.showSource))

	case ":taglibs":
		if len(s.prelude) == 0 {
			fmt.Fprintln(out, "(no taglib directives)")
		}
		for _, d := range s.prelude {
			fmt.Fprintln(out, "  "+d)
		}

	case ":reset":
		s.prelude = nil
		fmt.Fprintln(out, "Taglib directives cleared")

	default:
		fmt.Fprintf(out, "Unknown command: %s (type :help for commands)\n", cmd)
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// Eval parses snippet and writes its node tree, or the error, to out.
func (s *Session) Eval(ctx context.Context, out io.Writer, snippet string) {
	name := "snippet.jsp"
	prelude := ""
	if s.opts.Syntax == parser.SyntaxStrict {
		name = "snippet.jspx"
	} else {
		prelude = strings.Join(s.prelude, "")
	}
	path := filepath.Join(s.opts.Root, name)

	doc, _, err := parser.New(s.opts).ParseBytes(ctx, path, []byte(prelude+snippet))
	if err != nil {
		printError(out, err)
		return
	}

	nodes := skipPrelude(doc.Children, len(prelude))
	ast.Dump(out, nodes)
	if s.showSource {
		fmt.Fprintf(out, "-- source --\n%s\n", strings.TrimPrefix(doc.Source(), prelude))
	}
	s.remember(nodes)
}

// skipPrelude drops the nodes parsed from the first n bytes of source.
func skipPrelude(nodes []ast.Node, n int) []ast.Node {
	for len(nodes) > 0 && n > 0 {
		switch v := nodes[0].(type) {
		case *ast.Directive:
			n -= len(v.Raw)
		case *ast.Text:
			if len(v.Raw) > n {
				return nodes
			}
			n -= len(v.Raw)
		default:
			return nodes
		}
		nodes = nodes[1:]
	}
	for len(nodes) > 0 {
		if t, ok := nodes[0].(*ast.Text); !ok || t.Raw != "" {
			break
		}
		nodes = nodes[1:]
	}
	return nodes
}

// remember carries the taglib directives of a snippet into later ones.
func (s *Session) remember(nodes []ast.Node) {
	if s.opts.Syntax == parser.SyntaxStrict {
		return
	}
	for _, n := range nodes {
		if d, ok := n.(*ast.Directive); ok && d.Name == "taglib" {
			s.prelude = append(s.prelude, d.Raw)
		}
	}
}

func printError(out io.Writer, err error) {
	var se *serrors.SageError
	if stderrors.As(err, &se) {
		io.WriteString(out, se.PrettyString())
		io.WriteString(out, "\n")
		return
	}
	fmt.Fprintf(out, "error: %v\n", err)
}

// filterCompletions returns completion suggestions for the word being typed.
func filterCompletions(line string) []string {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if last := line[len(line)-1]; last == ' ' || last == '\t' {
		return nil
	}
	words := strings.Fields(line)
	lastWord := words[len(words)-1]
	prefix := line[:len(line)-len(lastWord)]

	var matches []string
	for _, word := range completionWords {
		if strings.HasPrefix(word, lastWord) {
			matches = append(matches, prefix+word)
		}
	}
	return matches
}

// needsMoreInput reports whether a snippet has unclosed scripts, comments,
// tags or macro blocks.
func needsMoreInput(input string) bool {
	if strings.Count(input, "<%") > strings.Count(input, "%>") {
		return true
	}

	depth := 0
	macros := 0
	for i := 0; i < len(input); i++ {
		switch input[i] {
		case '<':
			if i+1 >= len(input) {
				return true
			}
			next := input[i+1]
			switch {
			case next == '/':
				if strings.Contains(tagName(input[i+2:]), ":") {
					depth--
				}
			case isTagNameStart(next):
				end := findTagEnd(input, i)
				if end < 0 {
					return true
				}
				// Only prefixed tags have to be closed; HTML is text.
				if input[end-1] != '/' && strings.Contains(tagName(input[i+1:]), ":") {
					depth++
				}
				i = end
			}
		case '#':
			rest := input[i+1:]
			switch {
			case strings.HasPrefix(rest, "if"), strings.HasPrefix(rest, "foreach"):
				macros++
			case strings.HasPrefix(rest, "end"):
				macros--
			}
		}
	}
	return depth > 0 || macros > 0
}

func tagName(s string) string {
	if i := strings.IndexAny(s, " \t\r\n/>"); i >= 0 {
		return s[:i]
	}
	return s
}

func isTagNameStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

// findTagEnd finds the '>' closing the tag that starts at pos.
func findTagEnd(input string, pos int) int {
	var quote byte
	for i := pos + 1; i < len(input); i++ {
		ch := input[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			quote = ch
			continue
		}
		if ch == '>' {
			return i
		}
	}
	return -1
}

package server

import (
	"bufio"
	"errors"
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	serrors "github.com/sambeau/sage/pkg/sage/errors"
)

// DevError holds information about a compile error to display.
type DevError struct {
	Class    string   // "scan", "resolve", "cycle", "io", or "compile" for unclassified errors
	Code     string   // Catalog code such as SCAN-0012 (empty if unknown)
	File     string   // Full path to the file
	Line     int      // Line number (0 if unknown)
	Column   int      // Column number (0 if unknown)
	Message  string   // Error message
	Hints    []string // Suggestions for fixing the error
	BasePath string   // Base path for making paths relative (document root)
}

// newDevError creates a DevError, taking location and hints from a
// SageError anywhere in err's chain.
func newDevError(err error, basePath string) *DevError {
	var se *serrors.SageError
	if errors.As(err, &se) {
		return &DevError{
			Class:    string(se.Class),
			Code:     se.Code,
			File:     se.File,
			Line:     se.Line,
			Column:   se.Column,
			Message:  se.Message,
			Hints:    se.Hints,
			BasePath: basePath,
		}
	}
	return &DevError{
		Class:    "compile",
		Message:  err.Error(),
		BasePath: basePath,
	}
}

// SourceLine represents a line of source code for display.
type SourceLine struct {
	Number  int
	Content string
	IsError bool
}

// errorPageStyles contains the inline CSS for the error and 404 pages.
const errorPageStyles = `
<style>
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
    background: #1d2021;
    color: #ebdbb2;
    min-height: 100vh;
    padding: 2rem;
  }
  .container { max-width: 900px; margin: 0 auto; }
  h1 { font-size: 1.5rem; margin-bottom: 1.5rem; color: #fb4934; }
  h1.not-found { color: #fabd2f; }
  .badge {
    display: inline-block;
    background: #fb4934;
    color: #1d2021;
    padding: 0.2rem 0.5rem;
    border-radius: 4px;
    font-size: 0.75rem;
    font-weight: 600;
    text-transform: uppercase;
    margin-right: 0.5rem;
  }
  .box {
    background: #282828;
    border-radius: 8px;
    padding: 1rem 1.25rem;
    margin-bottom: 1rem;
    border-left: 4px solid #fb4934;
  }
  .mono, .message, .source-line {
    font-family: 'SF Mono', Monaco, 'Courier New', monospace;
  }
  .file-path { color: #a89984; font-size: 0.875rem; word-break: break-all; }
  .line-info { color: #fe8019; font-weight: 600; }
  .message {
    font-size: 0.9rem;
    line-height: 1.6;
    color: #fb4934;
    white-space: pre-wrap;
    word-break: break-word;
  }
  .hint { border-left-color: #b8bb26; color: #b8bb26; font-size: 0.9rem; }
  .hint div { margin-top: 0.25rem; }
  .source { background: #1d2021; border: 1px solid #3c3836; border-radius: 8px; overflow: hidden; }
  .source-header { background: #282828; padding: 0.75rem 1rem; font-size: 0.8rem; color: #a89984; }
  .source-lines { padding: 1rem 0; overflow-x: auto; }
  .source-line { display: flex; font-size: 0.875rem; line-height: 1.6; }
  .source-line.error-line { background: rgba(251, 73, 52, 0.15); }
  .line-number { width: 4rem; text-align: right; padding-right: 1rem; color: #665c54; flex-shrink: 0; }
  .error-line .line-number { color: #fb4934; }
  .line-marker { width: 1.5rem; color: #fb4934; flex-shrink: 0; }
  .line-content { flex: 1; white-space: pre; padding-right: 1rem; }
  .dir { color: #d3869b; }
  .el { color: #83a598; }
  .tag { color: #8ec07c; }
  .str { color: #b8bb26; }
  .comment { color: #928374; font-style: italic; }
  .macro { color: #fe8019; }
  ul.checked { margin-top: 0.5rem; padding-left: 1rem; list-style: none; color: #a89984; }
  .footer { margin-top: 2rem; padding-top: 1rem; border-top: 1px solid #3c3836; font-size: 0.8rem; color: #928374; }
</style>
`

// Dev404Info holds information about a 404 to display.
type Dev404Info struct {
	RequestPath  string   // The URL path that was requested
	Root         string   // The document root
	CheckedPaths []string // Page keys that were looked for
	Private      bool     // The path is inside WEB-INF, META-INF or a dot directory
}

// renderDev404Page writes a styled 404 page.
func renderDev404Page(w http.ResponseWriter, info Dev404Info) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	sb.WriteString("<title>404 Not Found - Sage</title>\n")
	sb.WriteString(errorPageStyles)
	sb.WriteString("</head>\n<body>\n<div class=\"container\">\n")
	sb.WriteString("<h1 class=\"not-found\"><span class=\"badge\">404</span>Page not found</h1>\n")

	sb.WriteString("<div class=\"box\"><div class=\"mono\">")
	sb.WriteString(html.EscapeString(info.RequestPath))
	sb.WriteString("</div>\n")
	if info.Private {
		sb.WriteString("<p>WEB-INF, META-INF and dot directories are never served.</p>\n")
	}
	if len(info.CheckedPaths) > 0 {
		sb.WriteString("<ul class=\"checked mono\">\n")
		for _, p := range info.CheckedPaths {
			sb.WriteString("<li>")
			sb.WriteString(html.EscapeString(p))
			sb.WriteString("</li>\n")
		}
		sb.WriteString("</ul>\n")
	}
	sb.WriteString("</div>\n")

	sb.WriteString("<div class=\"footer\">Document root: <span class=\"mono\">")
	sb.WriteString(html.EscapeString(info.Root))
	sb.WriteString("</span></div>\n")
	sb.WriteString("</div>\n</body>\n</html>")

	w.Write([]byte(sb.String()))
}

func makeRelativePath(path, basePath string) string {
	if basePath == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(basePath, path)
	if err != nil {
		return path
	}
	// Prefix with ./ for clarity if it doesn't start with ../
	if !strings.HasPrefix(rel, "..") && !strings.HasPrefix(rel, ".") {
		rel = "./" + rel
	}
	return rel
}

// makeMessageRelative replaces absolute paths in an error message with relative paths.
func makeMessageRelative(message, basePath string) string {
	if basePath == "" {
		return message
	}
	baseWithSlash := strings.TrimSuffix(basePath, string(filepath.Separator)) + string(filepath.Separator)
	message = strings.ReplaceAll(message, baseWithSlash, "./")
	return message
}

// renderDevErrorPage generates an HTML error page for a failed compile.
func renderDevErrorPage(w http.ResponseWriter, devErr *DevError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)

	var sourceLines []SourceLine
	if devErr.File != "" && devErr.Line > 0 {
		sourceLines = getSourceContext(devErr.File, devErr.Line, 5)
	}

	displayFile := makeRelativePath(devErr.File, devErr.BasePath)
	displayMessage := makeMessageRelative(devErr.Message, devErr.BasePath)

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	sb.WriteString("<meta charset=\"utf-8\">\n")
	sb.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	sb.WriteString("<title>Compile Error - Sage</title>\n")
	sb.WriteString(errorPageStyles)
	sb.WriteString("</head>\n<body>\n")
	sb.WriteString("<div class=\"container\">\n")
	sb.WriteString("<h1>Compile Error</h1>\n")

	sb.WriteString("<div class=\"box\">\n")
	sb.WriteString(fmt.Sprintf("<span class=\"badge\">%s</span>\n", html.EscapeString(devErr.Class)))
	if devErr.Code != "" {
		sb.WriteString(fmt.Sprintf("<span class=\"mono line-info\">%s</span>\n", html.EscapeString(devErr.Code)))
	}
	if displayFile != "" {
		sb.WriteString("<span class=\"mono file-path\">")
		sb.WriteString(html.EscapeString(displayFile))
		if devErr.Line > 0 {
			sb.WriteString(fmt.Sprintf(" : <span class=\"line-info\">%d</span>", devErr.Line))
			if devErr.Column > 0 {
				sb.WriteString(fmt.Sprintf(" : <span class=\"line-info\">%d</span>", devErr.Column))
			}
		}
		sb.WriteString("</span>\n")
	}
	sb.WriteString("</div>\n")

	sb.WriteString("<div class=\"box message\">")
	sb.WriteString(html.EscapeString(displayMessage))
	sb.WriteString("</div>\n")

	if len(devErr.Hints) > 0 {
		sb.WriteString("<div class=\"box hint\">\n<strong>Hint</strong>\n")
		for _, h := range devErr.Hints {
			sb.WriteString("<div class=\"mono\">")
			sb.WriteString(html.EscapeString(makeMessageRelative(h, devErr.BasePath)))
			sb.WriteString("</div>\n")
		}
		sb.WriteString("</div>\n")
	}

	if len(sourceLines) > 0 {
		sb.WriteString("<div class=\"source\">\n")
		sb.WriteString("<div class=\"source-header\">Source</div>\n")
		sb.WriteString("<div class=\"source-lines\">\n")

		for _, line := range sourceLines {
			errorClass := ""
			marker := "  "
			if line.IsError {
				errorClass = " error-line"
				marker = "→ "
			}

			sb.WriteString(fmt.Sprintf("<div class=\"source-line%s\">", errorClass))
			sb.WriteString(fmt.Sprintf("<span class=\"line-number\">%d</span>", line.Number))
			sb.WriteString(fmt.Sprintf("<span class=\"line-marker\">%s</span>", marker))
			sb.WriteString("<span class=\"line-content\">")
			sb.WriteString(highlightPage(line.Content))
			sb.WriteString("</span>")
			sb.WriteString("</div>\n")
		}

		sb.WriteString("</div>\n</div>\n")
	}

	sb.WriteString("<div class=\"footer\">Fix the error and save. This page reloads by itself.</div>\n")
	sb.WriteString("</div>\n</body>\n</html>")

	w.Write([]byte(sb.String()))
}

// getSourceContext reads a file and returns lines around the error line.
func getSourceContext(filePath string, errorLine, contextLines int) []SourceLine {
	file, err := os.Open(filePath)
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []SourceLine
	scanner := bufio.NewScanner(file)
	lineNum := 0

	startLine := max(errorLine-contextLines, 1)
	endLine := errorLine + contextLines

	for scanner.Scan() {
		lineNum++
		if lineNum < startLine {
			continue
		}
		if lineNum > endLine {
			break
		}

		lines = append(lines, SourceLine{
			Number:  lineNum,
			Content: scanner.Text(),
			IsError: lineNum == errorLine,
		})
	}

	return lines
}

// Regex patterns for page highlighting, in priority order
var highlightPatterns = []struct {
	re    *regexp.Regexp
	class string
}{
	{regexp.MustCompile(`<%--.*?--%>|<!--.*?-->`), "comment"},
	{regexp.MustCompile(`<%[@!=]?|%>`), "dir"},
	{regexp.MustCompile(`[$#]\{[^}]*\}`), "el"},
	{regexp.MustCompile(`#(?:if|elseif|else|end|foreach|set)\b`), "macro"},
	{regexp.MustCompile(`</?[A-Za-z_][\w.-]*:[\w.-]+`), "tag"},
	{regexp.MustCompile(`"[^"]*"|'[^']*'`), "str"},
}

// highlightPage applies syntax highlighting to a line of page source. It
// finds every token, drops overlaps in favour of the earlier pattern and
// escapes everything else.
func highlightPage(code string) string {
	type highlight struct {
		start, end int
		class      string
	}

	var highlights []highlight
	for _, p := range highlightPatterns {
		for _, loc := range p.re.FindAllStringIndex(code, -1) {
			highlights = append(highlights, highlight{loc[0], loc[1], p.class})
		}
	}

	// Keep the first pattern's match where tokens overlap
	var kept []highlight
	for _, h := range highlights {
		overlaps := false
		for _, k := range kept {
			if h.start < k.end && k.start < h.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, h)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })

	var sb strings.Builder
	pos := 0
	for _, h := range kept {
		sb.WriteString(html.EscapeString(code[pos:h.start]))
		sb.WriteString("<span class=\"" + h.class + "\">")
		sb.WriteString(html.EscapeString(code[h.start:h.end]))
		sb.WriteString("</span>")
		pos = h.end
	}
	sb.WriteString(html.EscapeString(code[pos:]))
	return sb.String()
}

// Package errors provides structured error types for the Sage page compiler.
//
// This package defines SageError, a single error type used by the scanner,
// the tag library resolver, the compile coordinator and the artifact cache.
// Every error carries a class used by callers to decide whether a failed
// compile may be retried, plus the source location it was raised at.
package errors

import (
	"bytes"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// ErrorClass categorizes errors for filtering and retry decisions.
type ErrorClass string

const (
	ClassScan    ErrorClass = "scan"    // Malformed source; never retried
	ClassResolve ErrorClass = "resolve" // Tag library or tag cannot be found; may be transient
	ClassCycle   ErrorClass = "cycle"   // Include cycle
	ClassBusy    ErrorClass = "busy"    // Timed out waiting for another compile of the same key
	ClassIO      ErrorClass = "io"      // File operations
	ClassConfig  ErrorClass = "config"  // Invalid configuration
)

// SageError represents any error raised while compiling a page.
type SageError struct {
	Class   ErrorClass     `json:"class"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hints   []string       `json:"hints,omitempty"`
	File    string         `json:"file,omitempty"`
	Line    int            `json:"line"`
	Column  int            `json:"column"`
	Data    map[string]any `json:"data,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *SageError) Error() string {
	return e.String()
}

// Unwrap returns the underlying cause, if any.
func (e *SageError) Unwrap() error {
	return e.cause
}

// String returns a formatted string representation of the error.
func (e *SageError) String() string {
	var sb strings.Builder

	if e.File != "" {
		sb.WriteString(e.File)
		sb.WriteString(":")
		if e.Line > 0 {
			sb.WriteString(fmt.Sprintf("%d:", e.Line))
		}
		sb.WriteString(" ")
	} else if e.Line > 0 {
		sb.WriteString(fmt.Sprintf("line %d: ", e.Line))
	}

	sb.WriteString(e.Message)

	for _, hint := range e.Hints {
		sb.WriteString("\n  ")
		sb.WriteString(hint)
	}

	return sb.String()
}

// PrettyString returns a multi-line formatted string for terminals.
func (e *SageError) PrettyString() string {
	var sb strings.Builder

	switch e.Class {
	case ClassScan:
		sb.WriteString("Syntax error")
	case ClassResolve:
		sb.WriteString("Tag library error")
	case ClassCycle:
		sb.WriteString("Include cycle")
	case ClassBusy:
		sb.WriteString("Compile busy")
	case ClassConfig:
		sb.WriteString("Configuration error")
	default:
		sb.WriteString("Compile error")
	}
	if e.Code != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Code)
		sb.WriteString("]")
	}

	if e.File != "" {
		sb.WriteString(":\n  in: ")
		sb.WriteString(e.File)
		if e.Line > 0 {
			sb.WriteString(fmt.Sprintf("\n  at: line %d", e.Line))
			if e.Column > 0 {
				sb.WriteString(fmt.Sprintf(", column %d", e.Column))
			}
		}
		sb.WriteString("\n  ")
	} else {
		sb.WriteString(":\n  ")
	}

	sb.WriteString(e.Message)

	for _, hint := range e.Hints {
		sb.WriteString("\n  ")
		sb.WriteString(hint)
	}

	return sb.String()
}

// ToJSON returns the error as JSON bytes.
func (e *SageError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// WithFile returns a copy of the error with the file path set.
func (e *SageError) WithFile(file string) *SageError {
	copy := *e
	copy.File = file
	return &copy
}

// WithPosition returns a copy of the error with line and column set.
func (e *SageError) WithPosition(line, column int) *SageError {
	copy := *e
	copy.Line = line
	copy.Column = column
	return &copy
}

// WithCause returns a copy of the error wrapping cause.
func (e *SageError) WithCause(cause error) *SageError {
	copy := *e
	copy.cause = cause
	return &copy
}

// WithHint returns a copy of the error with an extra hint appended.
func (e *SageError) WithHint(hint string) *SageError {
	copy := *e
	copy.Hints = append(append([]string(nil), e.Hints...), hint)
	return &copy
}

// Retryable reports whether the whole compile may succeed if retried later.
// Only resolution failures (a library not yet deployed) and busy waits are.
func (e *SageError) Retryable() bool {
	return e.Class == ClassResolve || e.Class == ClassBusy
}

// ErrorDef defines an error in the catalog.
type ErrorDef struct {
	Class    ErrorClass
	Template string
	Hints    []string
}

// ErrorCatalog maps error codes to their definitions.
var ErrorCatalog = map[string]ErrorDef{
	// ========================================
	// Scan errors (SCAN-0xxx)
	// ========================================
	"SCAN-0001": {
		Class:    ClassScan,
		Template: "unexpected end of file in {{.Construct}}",
	},
	"SCAN-0002": {
		Class:    ClassScan,
		Template: "unterminated attribute value: quote {{.Quote}} opened on line {{.QuoteLine}} is never closed",
	},
	"SCAN-0003": {
		Class:    ClassScan,
		Template: "unterminated expression span '{{.Open}}' opened on line {{.OpenLine}}",
	},
	"SCAN-0004": {
		Class:    ClassScan,
		Template: "unknown entity '&{{.Entity}};'",
		Hints:    []string{"strict syntax only knows &lt; &gt; &amp; &apos; &quot; and numeric references"},
	},
	"SCAN-0005": {
		Class:    ClassScan,
		Template: "unknown {{.What}} '{{.Name}}'",
	},
	"SCAN-0006": {
		Class:    ClassScan,
		Template: "unmatched closing tag '</{{.Got}}>'{{if .Expected}}, expected '</{{.Expected}}>'{{end}}",
	},
	"SCAN-0007": {
		Class:    ClassScan,
		Template: "element prefix '{{.Prefix}}' is not bound to a namespace",
		Hints:    []string{"declare it with xmlns:{{.Prefix}}=\"...\""},
	},
	"SCAN-0008": {
		Class:    ClassScan,
		Template: "tag '{{.Tag}}' must have an empty body",
	},
	"SCAN-0009": {
		Class:    ClassScan,
		Template: "tag '{{.Tag}}' does not accept attribute '{{.Attribute}}'",
	},
	"SCAN-0010": {
		Class:    ClassScan,
		Template: "encoding '{{.New}}' conflicts with encoding '{{.Old}}' already fixed for this document",
	},
	"SCAN-0011": {
		Class:    ClassScan,
		Template: "duplicate attribute '{{.Attribute}}'",
	},
	"SCAN-0012": {
		Class:    ClassScan,
		Template: "tag '{{.Tag}}' is missing required attribute '{{.Attribute}}'",
	},
	"SCAN-0013": {
		Class:    ClassScan,
		Template: "expected {{.Expected}}, got {{.Got}}",
	},
	"SCAN-0014": {
		Class:    ClassScan,
		Template: "missing closing tag for '<{{.Tag}}>' opened on line {{.OpenLine}}",
	},
	"SCAN-0015": {
		Class:    ClassScan,
		Template: "directive '{{.Directive}}' is not allowed in a {{.Kind}}",
	},
	"SCAN-0016": {
		Class:    ClassScan,
		Template: "unknown encoding '{{.Encoding}}'",
	},
	"SCAN-0017": {
		Class:    ClassScan,
		Template: "macro '#{{.Macro}}' without a matching '#{{.Opener}}'",
	},
	"SCAN-0018": {
		Class:    ClassScan,
		Template: "invalid character reference '&{{.Ref}};'",
	},

	// ========================================
	// Resolution errors (RESOLVE-0xxx)
	// ========================================
	"RESOLVE-0001": {
		Class:    ClassResolve,
		Template: "cannot resolve tag library '{{.URI}}'",
	},
	"RESOLVE-0002": {
		Class:    ClassResolve,
		Template: "tag library '{{.URI}}' has no tag '{{.Tag}}'",
	},
	"RESOLVE-0003": {
		Class:    ClassResolve,
		Template: "invalid tag library descriptor {{.Location}}: {{.Reason}}",
	},
	"RESOLVE-0004": {
		Class:    ClassResolve,
		Template: "tag file {{.Path}} not found",
	},

	// ========================================
	// Cycle errors (CYCLE-0xxx)
	// ========================================
	"CYCLE-0001": {
		Class:    ClassCycle,
		Template: "include cycle: {{.Path}} is already being parsed",
		Hints:    []string{"include chain: {{.Chain}}"},
	},

	// ========================================
	// Busy errors (BUSY-0xxx)
	// ========================================
	"BUSY-0001": {
		Class:    ClassBusy,
		Template: "timed out after {{.Wait}} waiting for {{.Key}} to finish compiling",
	},

	// ========================================
	// IO errors (IO-0xxx)
	// ========================================
	"IO-0001": {
		Class:    ClassIO,
		Template: "cannot read {{.Path}}: {{.Reason}}",
	},
	"IO-0002": {
		Class:    ClassIO,
		Template: "cannot write {{.Path}}: {{.Reason}}",
	},

	// ========================================
	// Config errors (CONFIG-0xxx)
	// ========================================
	"CONFIG-0001": {
		Class:    ClassConfig,
		Template: "no config file found (tried {{.Tried}})",
		Hints:    []string{"pass --config or create sage.yaml in the current directory"},
	},
	"CONFIG-0002": {
		Class:    ClassConfig,
		Template: "configuration errors:\n  - {{.Problems}}",
	},
	"CONFIG-0003": {
		Class:    ClassConfig,
		Template: "cannot parse {{.Path}}: {{.Reason}}",
	},
}

// New creates a SageError from a catalog code and template data.
func New(code string, data map[string]any) *SageError {
	def, ok := ErrorCatalog[code]
	if !ok {
		msg := code
		if m, ok := data["message"].(string); ok {
			msg = m
		}
		return &SageError{
			Class:   ClassScan,
			Code:    code,
			Message: msg,
			Data:    data,
		}
	}

	msg := renderTemplate(def.Template, data)

	var hints []string
	for _, hintTmpl := range def.Hints {
		rendered := renderTemplate(hintTmpl, data)
		if rendered != "" {
			hints = append(hints, rendered)
		}
	}

	return &SageError{
		Class:   def.Class,
		Code:    code,
		Message: msg,
		Hints:   hints,
		Data:    data,
	}
}

// NewAt creates a SageError with location information.
func NewAt(code, file string, line int, data map[string]any) *SageError {
	err := New(code, data)
	err.File = file
	err.Line = line
	return err
}

// NewSimple creates an error without using the catalog.
func NewSimple(class ErrorClass, message string) *SageError {
	return &SageError{
		Class:   class,
		Message: message,
	}
}

// renderTemplate renders a Go template with the given data.
func renderTemplate(tmplStr string, data map[string]any) string {
	if data == nil {
		return tmplStr
	}

	tmpl, err := template.New("").Parse(tmplStr)
	if err != nil {
		return tmplStr
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return tmplStr
	}

	return buf.String()
}

// ClassOf returns the class of the first SageError in err's chain, or "".
func ClassOf(err error) ErrorClass {
	var se *SageError
	if stderrors.As(err, &se) {
		return se.Class
	}
	return ""
}

// IsScan reports whether err is a scan error.
func IsScan(err error) bool { return ClassOf(err) == ClassScan }

// IsResolution reports whether err is a tag library resolution error.
func IsResolution(err error) bool { return ClassOf(err) == ClassResolve }

// IsCycle reports whether err is an include cycle error.
func IsCycle(err error) bool { return ClassOf(err) == ClassCycle }

// IsBusy reports whether err is a cache busy error.
func IsBusy(err error) bool { return ClassOf(err) == ClassBusy }

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return ClassOf(err) == ClassConfig }

// ============================================================================
// Fuzzy Matching - "Did you mean?" suggestions
// ============================================================================

// levenshteinDistance computes the edit distance between two strings.
func levenshteinDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			matrix[i][j] = min(
				matrix[i-1][j]+1,
				matrix[i][j-1]+1,
				matrix[i-1][j-1]+cost,
			)
		}
	}

	return matrix[len(a)][len(b)]
}

// FindClosestMatch finds the closest match to input among candidates.
// Returns "" when nothing is within the length-dependent threshold.
func FindClosestMatch(input string, candidates []string) string {
	if len(input) == 0 || len(candidates) == 0 {
		return ""
	}

	inputLower := strings.ToLower(input)

	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	var bestMatch string
	bestDistance := -1

	for _, candidate := range sorted {
		dist := levenshteinDistance(inputLower, strings.ToLower(candidate))
		if bestDistance == -1 || dist < bestDistance {
			bestDistance = dist
			bestMatch = candidate
		}
	}

	// Short words (1-3): max 1 edit, medium (4-6): 2, longer: 3
	threshold := 1
	if len(input) >= 4 && len(input) <= 6 {
		threshold = 2
	} else if len(input) >= 7 {
		threshold = 3
	}

	if bestDistance <= 0 || bestDistance > threshold {
		return ""
	}

	return bestMatch
}

// DidYouMean appends a "Did you mean" hint to err when a close candidate exists.
func DidYouMean(err *SageError, input string, candidates []string) *SageError {
	if suggestion := FindClosestMatch(input, candidates); suggestion != "" {
		err.Hints = append(err.Hints, "Did you mean `"+suggestion+"`?")
	}
	return err
}

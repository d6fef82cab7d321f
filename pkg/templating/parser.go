package templating

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/CTAG07/Quill/pkg/sandbox"
	"github.com/CTAG07/Quill/pkg/store"
)

var (
	commentPattern  = regexp.MustCompile(`(?s)<%#(.*?)%>`)
	scriptPattern   = regexp.MustCompile(`(?s)<%(.*?)%>`)
	variablePattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
)

// Complexity buckets.
const (
	ComplexitySimple      = "simple"
	ComplexityModerate    = "moderate"
	ComplexityComplex     = "complex"
	ComplexityVeryComplex = "very-complex"
)

// VariableRef is one {{...}} variable reference.
type VariableRef struct {
	FullMatch string   `json:"full_match"`
	Name      string   `json:"name"`
	Filters   []string `json:"filters"`
	// DefaultValue is nil when the reference has no || default.
	DefaultValue *string `json:"default_value"`
	Position     int     `json:"position"`
}

// ScriptBlock is one <% ... %> fragment.
type ScriptBlock struct {
	FullMatch    string `json:"full_match"`
	Code         string `json:"code"`
	Position     int    `json:"position"`
	IsExpression bool   `json:"is_expression"`
}

// CommentBlock is one <%# ... %> comment.
type CommentBlock struct {
	FullMatch string `json:"full_match"`
	Content   string `json:"content"`
	Position  int    `json:"position"`
}

// ParsedTemplate lists the directives of a template in source order.
type ParsedTemplate struct {
	Variables []VariableRef  `json:"variables"`
	Scripts   []ScriptBlock  `json:"scripts"`
	Comments  []CommentBlock `json:"comments"`
}

// ValidationResult is returned by every Validate function. It never carries
// an error value; problems are reported as messages.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func newValidationResult() ValidationResult {
	return ValidationResult{Valid: true, Errors: []string{}, Warnings: []string{}}
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// merge appends the messages of other that r does not already hold.
func (r *ValidationResult) merge(other ValidationResult) {
	for _, msg := range other.Errors {
		if !containsString(r.Errors, msg) {
			r.Errors = append(r.Errors, msg)
		}
	}
	for _, msg := range other.Warnings {
		if !containsString(r.Warnings, msg) {
			r.Warnings = append(r.Warnings, msg)
		}
	}
	r.Valid = len(r.Errors) == 0
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Parse extracts the variables, scripts and comments of content. It is a
// pure function of its input. Loop and include markers are not variables.
func Parse(content string) *ParsedTemplate {
	pt := &ParsedTemplate{
		Variables: []VariableRef{},
		Scripts:   []ScriptBlock{},
		Comments:  []CommentBlock{},
	}

	commentSpans := commentPattern.FindAllStringSubmatchIndex(content, -1)
	for _, m := range commentSpans {
		pt.Comments = append(pt.Comments, CommentBlock{
			FullMatch: content[m[0]:m[1]],
			Content:   strings.TrimSpace(content[m[2]:m[3]]),
			Position:  m[0],
		})
	}

	for _, m := range scriptPattern.FindAllStringSubmatchIndex(content, -1) {
		raw := content[m[2]:m[3]]
		if strings.HasPrefix(raw, "#") {
			continue
		}
		code := strings.TrimSpace(raw)
		pt.Scripts = append(pt.Scripts, ScriptBlock{
			FullMatch:    content[m[0]:m[1]],
			Code:         code,
			Position:     m[0],
			IsExpression: sandbox.IsExpression(code),
		})
	}

	for _, m := range variablePattern.FindAllStringSubmatchIndex(content, -1) {
		inner := content[m[2]:m[3]]
		if isMarker(inner) || inSpans(m[0], commentSpans) {
			continue
		}
		ref := parseVariableRef(inner)
		ref.FullMatch = content[m[0]:m[1]]
		ref.Position = m[0]
		pt.Variables = append(pt.Variables, ref)
	}
	return pt
}

// isMarker reports whether the inside of a {{...}} is a loop or include
// directive rather than a variable.
func isMarker(inner string) bool {
	inner = strings.TrimSpace(inner)
	return strings.HasPrefix(inner, "include:") || strings.HasPrefix(inner, "#") || strings.HasPrefix(inner, "/")
}

func inSpans(pos int, spans [][]int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}

// parseVariableRef splits "name || default | f1 | f2". The default is split
// off first; everything after the next top-level pipe is a filter.
func parseVariableRef(inner string) VariableRef {
	inner = strings.TrimSpace(inner)
	ref := VariableRef{Filters: []string{}}
	if i := indexTopLevel(inner, "||"); i >= 0 {
		ref.Name = strings.TrimSpace(inner[:i])
		parts := splitPipes(inner[i+2:])
		def := unquote(strings.TrimSpace(parts[0]))
		ref.DefaultValue = &def
		ref.Filters = nonEmpty(parts[1:])
		return ref
	}
	parts := splitPipes(inner)
	ref.Name = strings.TrimSpace(parts[0])
	ref.Filters = nonEmpty(parts[1:])
	return ref
}

// indexTopLevel returns the index of the first sep outside quotes, or -1.
func indexTopLevel(s, sep string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			continue
		}
		if strings.HasPrefix(s[i:], sep) {
			return i
		}
	}
	return -1
}

// splitPipes splits on single '|' characters outside quotes.
func splitPipes(s string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'':
			quote = c
		case c == '|' && i+1 < len(s) && s[i+1] == '|':
			i++
		case c == '|':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func nonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// unquote strips one pair of matching single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		inner := s[1 : len(s)-1]
		return strings.ReplaceAll(inner, `\`+string(s[0]), string(s[0]))
	}
	return s
}

func lineOf(content string, pos int) int {
	return strings.Count(content[:pos], "\n") + 1
}

// Validate checks directive syntax. Unclosed openers are errors; stray
// closers, empty references, unknown filters and scripts that use forbidden
// constructs are warnings.
func Validate(content string) ValidationResult {
	res := newValidationResult()
	checkMarkers(&res, content, "{{", "}}")
	checkMarkers(&res, content, "<%", "%>")

	pt := Parse(content)
	for _, v := range pt.Variables {
		line := lineOf(content, v.Position)
		if v.Name == "" {
			res.addWarning("Empty variable reference %s at line %d", v.FullMatch, line)
		}
		for _, raw := range v.Filters {
			if name, _, _ := splitFilter(raw); !knownFilter(name) {
				res.addWarning("Unknown filter '%s' in %s at line %d", name, v.FullMatch, line)
			}
		}
	}
	for _, s := range pt.Scripts {
		if err := sandbox.CheckViolations(s.Code); err != nil {
			res.addWarning("Script at line %d uses a forbidden construct: %v", lineOf(content, s.Position), err)
		}
		if s.Code == "" {
			res.addWarning("Empty script block at line %d", lineOf(content, s.Position))
		}
	}
	return res
}

func checkMarkers(res *ValidationResult, content, open, closer string) {
	var stack []int
	for i := 0; i < len(content); {
		switch {
		case strings.HasPrefix(content[i:], open):
			stack = append(stack, i)
			i += len(open)
		case strings.HasPrefix(content[i:], closer):
			if len(stack) == 0 {
				res.addWarning("Unmatched '%s' at line %d", closer, lineOf(content, i))
			} else {
				stack = stack[:len(stack)-1]
			}
			i += len(closer)
		default:
			i++
		}
	}
	for _, pos := range stack {
		res.addError("Unclosed '%s' at line %d", open, lineOf(content, pos))
	}
}

// Stats summarizes the directives of a template.
type Stats struct {
	Variables          int            `json:"variables"`
	UniqueVariables    []string       `json:"unique_variables"`
	FilteredVariables  int            `json:"filtered_variables"`
	DefaultedVariables int            `json:"defaulted_variables"`
	FilterUsage        map[string]int `json:"filter_usage"`
	Scripts            int            `json:"scripts"`
	Expressions        int            `json:"expressions"`
	Statements         int            `json:"statements"`
	Comments           int            `json:"comments"`
	Includes           int            `json:"includes"`
	Loops              int            `json:"loops"`
	Lines              int            `json:"lines"`
	Characters         int            `json:"characters"`
	ComplexityScore    int            `json:"complexity_score"`
	Complexity         string         `json:"complexity"`
}

// Statistics computes Stats for content. The complexity score weighs each
// variable 1 (+1 filtered, +2 defaulted) and each script 3 (+2 statement).
func Statistics(content string) Stats {
	pt := Parse(content)
	st := Stats{
		Variables:   len(pt.Variables),
		FilterUsage: map[string]int{},
		Scripts:     len(pt.Scripts),
		Comments:    len(pt.Comments),
		Includes:    len(ExtractIncludes(content)),
		Loops:       len(loopOpenPattern.FindAllStringIndex(content, -1)),
		Characters:  len([]rune(content)),
	}
	if content != "" {
		st.Lines = strings.Count(content, "\n") + 1
	}

	unique := map[string]struct{}{}
	for _, v := range pt.Variables {
		if v.Name != "" {
			unique[rootName(v.Name)] = struct{}{}
		}
		if len(v.Filters) > 0 {
			st.FilteredVariables++
		}
		if v.DefaultValue != nil {
			st.DefaultedVariables++
		}
		for _, raw := range v.Filters {
			name, _, _ := splitFilter(raw)
			st.FilterUsage[name]++
		}
	}
	st.UniqueVariables = make([]string, 0, len(unique))
	for name := range unique {
		st.UniqueVariables = append(st.UniqueVariables, name)
	}
	sort.Strings(st.UniqueVariables)

	for _, s := range pt.Scripts {
		if s.IsExpression {
			st.Expressions++
		} else {
			st.Statements++
		}
	}

	st.ComplexityScore = st.Variables + st.FilteredVariables + 2*st.DefaultedVariables +
		3*st.Scripts + 2*st.Statements
	st.Complexity = complexityBucket(st.ComplexityScore)
	return st
}

func complexityBucket(score int) string {
	switch {
	case score < 10:
		return ComplexitySimple
	case score < 25:
		return ComplexityModerate
	case score < 50:
		return ComplexityComplex
	default:
		return ComplexityVeryComplex
	}
}

// StoreStats converts s into the snapshot persisted with a template.
func (s Stats) StoreStats() store.Stats {
	return store.Stats{
		Variables:       s.Variables,
		Scripts:         s.Scripts,
		Comments:        s.Comments,
		Includes:        s.Includes,
		Loops:           s.Loops,
		ComplexityScore: s.ComplexityScore,
		Complexity:      s.Complexity,
	}
}

// rootName returns the first segment of a dotted path.
func rootName(path string) string {
	if i := strings.IndexAny(path, ".["); i >= 0 {
		return path[:i]
	}
	return path
}

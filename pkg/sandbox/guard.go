package sandbox

import (
	"regexp"
	"strings"
)

type forbiddenPattern struct {
	re     *regexp.Regexp
	reason string
}

// forbiddenPatterns are matched against the fragment with string literal
// contents blanked out, so quoting a word is never a violation.
var forbiddenPatterns = []forbiddenPattern{
	{regexp.MustCompile(`\beval\s*\(`), "dynamic code evaluation is not allowed"},
	{regexp.MustCompile(`\bnew\s+Function\b|\bFunction\s*\(`), "dynamic function construction is not allowed"},
	{regexp.MustCompile(`\bconstructor\b|__proto__|\bprototype\b`), "reflective access to constructors is not allowed"},
	{regexp.MustCompile(`\bglobalThis\b|\bwindow\b|\barguments\s*\.\s*callee\b`), "access to the enclosing scope is not allowed"},
	{regexp.MustCompile(`\brequire\s*\(|\bimport\b`), "module loading is not allowed"},
	{regexp.MustCompile(`\bprocess\b|\bchild_process\b|\bexec(Sync|File)?\s*\(|\bos\s*\.`), "process access is not allowed"},
	{regexp.MustCompile(`\bfs\s*\.|\breadFile\w*\b|\bwriteFile\w*\b`), "file system access is not allowed"},
	{regexp.MustCompile(`\bfetch\s*\(|\bXMLHttpRequest\b|\bWebSocket\b`), "network access is not allowed"},
	{regexp.MustCompile(`\bsetTimeout\b|\bsetInterval\b|\bsetImmediate\b`), "timer scheduling is not allowed"},
}

// statementKeywords mark a fragment as a statement block rather than an expression.
var statementKeywords = regexp.MustCompile(`\b(return|let|const|var|if|else|for|while|do|function|switch|try|throw|class)\b`)

// CheckViolations reports the first sandbox-escape construct found in code, if any.
func CheckViolations(code string) error {
	stripped := blankStrings(code)
	for _, p := range forbiddenPatterns {
		if p.re.MatchString(stripped) {
			return violation(p.reason)
		}
	}
	return nil
}

// IsExpression reports whether code is a single expression: no statement
// separators and no control-flow or declaration keywords.
func IsExpression(code string) bool {
	stripped := blankStrings(code)
	if strings.Contains(stripped, ";") {
		return false
	}
	return !statementKeywords.MatchString(stripped)
}

// blankStrings replaces the contents of quoted literals with spaces, keeping
// the quotes and the overall length so positions still line up.
func blankStrings(code string) string {
	out := []byte(code)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote == 0 {
			if c == '"' || c == '\'' || c == '`' {
				quote = c
			}
			continue
		}
		if c == '\\' && quote != '`' && i+1 < len(out) {
			out[i], out[i+1] = ' ', ' '
			i++
			continue
		}
		if c == quote {
			quote = 0
			continue
		}
		if c != '\n' {
			out[i] = ' '
		}
	}
	return string(out)
}

package templating

import (
	"encoding/json"
	"html"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/CTAG07/Quill/pkg/sandbox"
)

// filterFunc transforms a resolved value. Filters never fail: a filter that
// cannot handle its input returns it unchanged.
type filterFunc func(value any, arg string, hasArg bool) any

var filters map[string]filterFunc

func init() {
	filters = map[string]filterFunc{
		"trim":       stringFilter(strings.TrimSpace),
		"upper":      stringFilter(strings.ToUpper),
		"lower":      stringFilter(strings.ToLower),
		"capitalize": stringFilter(sandbox.Capitalize),
		"title":      stringFilter(sandbox.TitleCase),
		"slugify":    stringFilter(sandbox.Slugify),
		"escape":     stringFilter(html.EscapeString),
		"join":       filterJoin,
		"length":     filterLength,
		"round":      filterRound,
		"default":    filterDefault,
		"truncate":   filterTruncate,
		"json":       filterJSON,
		"first":      filterFirst,
		"last":       filterLast,
		"reverse":    filterReverse,
	}
}

// FilterNames returns the registered filter names in sorted order.
func FilterNames() []string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func knownFilter(name string) bool {
	_, ok := filters[name]
	return ok
}

// splitFilter splits "name:arg" into its parts. The argument is unquoted.
func splitFilter(raw string) (name, arg string, hasArg bool) {
	raw = strings.TrimSpace(raw)
	i := strings.IndexByte(raw, ':')
	if i < 0 {
		return raw, "", false
	}
	return strings.TrimSpace(raw[:i]), unquote(strings.TrimSpace(raw[i+1:])), true
}

// applyFilters runs the filters left to right. Unknown filters are skipped
// and returned so the caller can decide how to report them.
func applyFilters(value any, raw []string) (any, []string) {
	var unknown []string
	for _, f := range raw {
		name, arg, hasArg := splitFilter(f)
		fn, ok := filters[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		value = fn(value, arg, hasArg)
	}
	return value, unknown
}

func hasDefaultFilter(raw []string) bool {
	for _, f := range raw {
		if name, _, _ := splitFilter(f); name == "default" {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func stringFilter(fn func(string) string) filterFunc {
	return func(value any, _ string, _ bool) any {
		return fn(FormatValue(value))
	}
}

func filterJoin(value any, arg string, hasArg bool) any {
	sep := ", "
	if hasArg {
		sep = arg
	}
	switch t := value.(type) {
	case []any:
		return sandbox.JoinValues(t, sep)
	case []string:
		return strings.Join(t, sep)
	}
	return value
}

func filterLength(value any, _ string, _ bool) any {
	switch t := value.(type) {
	case nil:
		return 0
	case string:
		return utf8.RuneCountInString(t)
	case []any:
		return len(t)
	case []string:
		return len(t)
	case map[string]any:
		return len(t)
	}
	return utf8.RuneCountInString(FormatValue(value))
}

func filterRound(value any, arg string, hasArg bool) any {
	f, err := sandbox.ToFloat(value)
	if err != nil || value == nil {
		return value
	}
	places := 0
	if hasArg {
		if places, err = strconv.Atoi(arg); err != nil {
			return value
		}
	}
	return sandbox.Number(sandbox.RoundTo(f, places))
}

func filterDefault(value any, arg string, _ bool) any {
	if isEmpty(value) {
		return arg
	}
	return value
}

func filterTruncate(value any, arg string, hasArg bool) any {
	if !hasArg {
		return value
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return value
	}
	return sandbox.Truncate(FormatValue(value), n, "...")
}

func filterJSON(value any, _ string, _ bool) any {
	data, err := json.Marshal(value)
	if err != nil {
		return FormatValue(value)
	}
	return string(data)
}

func filterFirst(value any, _ string, _ bool) any {
	switch t := value.(type) {
	case []any:
		if len(t) > 0 {
			return t[0]
		}
		return nil
	case []string:
		if len(t) > 0 {
			return t[0]
		}
		return nil
	case string:
		r, _ := utf8.DecodeRuneInString(t)
		if r == utf8.RuneError {
			return ""
		}
		return string(r)
	}
	return value
}

func filterLast(value any, _ string, _ bool) any {
	switch t := value.(type) {
	case []any:
		if len(t) > 0 {
			return t[len(t)-1]
		}
		return nil
	case []string:
		if len(t) > 0 {
			return t[len(t)-1]
		}
		return nil
	case string:
		r, _ := utf8.DecodeLastRuneInString(t)
		if r == utf8.RuneError {
			return ""
		}
		return string(r)
	}
	return value
}

func filterReverse(value any, _ string, _ bool) any {
	switch t := value.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[len(t)-1-i] = item
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[len(t)-1-i] = item
		}
		return out
	case string:
		r := []rune(t)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r)
	}
	return value
}

// renderVariable produces the output text for ref given the looked-up value.
// The || default applies when the value is missing, nil or empty; filters
// then run on whichever value was chosen. resolved is false when nothing
// could be produced and the reference must be reported.
func renderVariable(ref VariableRef, value any, found bool) (text string, resolved bool, unknown []string) {
	if ref.DefaultValue != nil && (!found || isEmpty(value)) {
		value, found = *ref.DefaultValue, true
	}
	if !found && !hasDefaultFilter(ref.Filters) {
		return ref.FullMatch, false, nil
	}
	value, unknown = applyFilters(value, ref.Filters)
	return FormatValue(value), true, unknown
}

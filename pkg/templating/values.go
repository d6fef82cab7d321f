package templating

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/CTAG07/Quill/pkg/sandbox"
)

var bracketIndex = regexp.MustCompile(`\[(\d+)\]`)

// Resolve looks up a dotted path such as "user.addresses.0.city" in vars.
// Map segments are keys, list segments are indexes, and "length" on a list
// or string yields its size. A key that literally contains dots wins over
// descending.
func Resolve(vars map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || vars == nil {
		return nil, false
	}
	if v, ok := vars[path]; ok {
		return v, true
	}
	path = bracketIndex.ReplaceAllString(path, ".$1")
	var current any = vars
	for _, segment := range strings.Split(path, ".") {
		next, ok := step(current, segment)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// ResolveValue resolves path against an arbitrary value rather than a bag.
func ResolveValue(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	if m, ok := v.(map[string]any); ok {
		return Resolve(m, path)
	}
	current := v
	for _, segment := range strings.Split(bracketIndex.ReplaceAllString(path, ".$1"), ".") {
		next, ok := step(current, segment)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(v any, segment string) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		next, ok := t[segment]
		return next, ok
	case map[string]string:
		next, ok := t[segment]
		return next, ok
	case []any:
		if segment == "length" {
			return len(t), true
		}
		return index(len(t), segment, func(i int) any { return t[i] })
	case []string:
		if segment == "length" {
			return len(t), true
		}
		return index(len(t), segment, func(i int) any { return t[i] })
	case string:
		if segment == "length" {
			return len([]rune(t)), true
		}
	}
	return nil, false
}

func index(n int, segment string, at func(int) any) (any, bool) {
	i, err := strconv.Atoi(segment)
	if err != nil || i < 0 || i >= n {
		return nil, false
	}
	return at(i), true
}

// FormatValue renders a value for substitution into output text: strings
// as-is, integral numbers without decimals, lists joined by ", ", maps as
// JSON and nil as the empty string.
func FormatValue(v any) string {
	switch t := v.(type) {
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = FormatValue(item)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	}
	return sandbox.Stringify(v)
}

// mergeVars returns a new bag holding base overlaid with overrides.
func mergeVars(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

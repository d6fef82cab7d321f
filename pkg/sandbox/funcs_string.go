package sandbox

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	slugSeparators     = regexp.MustCompile(`[^a-z0-9]+`)
	formatPlaceholders = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)
)

// Slugify lowercases s, strips diacritics and joins the remaining
// alphanumeric runs with hyphens.
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = slugSeparators.ReplaceAllString(strings.ToLower(folded), "-")
	return strings.Trim(folded, "-")
}

// TitleCase capitalizes the first letter of every word.
func TitleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

// Capitalize upper-cases the first rune of s and leaves the rest alone.
func Capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func stringArg(name string, args []any) (string, error) {
	if err := arity(name, args, 1, 1); err != nil {
		return "", err
	}
	return Stringify(args[0]), nil
}

func helperUpper(args ...any) (any, error) {
	s, err := stringArg("upper", args)
	return strings.ToUpper(s), err
}

func helperLower(args ...any) (any, error) {
	s, err := stringArg("lower", args)
	return strings.ToLower(s), err
}

func helperTrim(args ...any) (any, error) {
	s, err := stringArg("trim", args)
	return strings.TrimSpace(s), err
}

func helperCapitalize(args ...any) (any, error) {
	s, err := stringArg("capitalize", args)
	return Capitalize(s), err
}

func helperTitleCase(args ...any) (any, error) {
	s, err := stringArg("titleCase", args)
	return TitleCase(s), err
}

func helperSlugify(args ...any) (any, error) {
	s, err := stringArg("slugify", args)
	return Slugify(s), err
}

// helperFormat substitutes {0}, {1}... with positional arguments, or {name}
// with keys of a single map argument. Unknown placeholders are kept.
func helperFormat(args ...any) (any, error) {
	if err := arity("format", args, 1, -1); err != nil {
		return nil, err
	}
	pattern := Stringify(args[0])
	rest := args[1:]
	var named map[string]any
	if len(rest) == 1 {
		named, _ = rest[0].(map[string]any)
	}
	return formatPlaceholders.ReplaceAllStringFunc(pattern, func(m string) string {
		key := m[1 : len(m)-1]
		if named != nil {
			if v, ok := named[key]; ok {
				return Stringify(v)
			}
			return m
		}
		idx, err := toInt(key)
		if err != nil || idx < 0 || idx >= len(rest) {
			return m
		}
		return Stringify(rest[idx])
	}), nil
}

func padArgs(name string, args []any) (string, int, string, error) {
	if err := arity(name, args, 2, 3); err != nil {
		return "", 0, "", err
	}
	width, err := toInt(args[1])
	if err != nil {
		return "", 0, "", err
	}
	pad := " "
	if len(args) == 3 {
		if pad = Stringify(args[2]); pad == "" {
			pad = " "
		}
	}
	return Stringify(args[0]), width, pad, nil
}

func (s *Sandbox) padding(name, str string, width int, pad string) (string, error) {
	missing := width - utf8.RuneCountInString(str)
	if missing <= 0 {
		return "", nil
	}
	copies := missing/utf8.RuneCountInString(pad) + 1
	if err := s.checkOutput(name, copies, len(pad)); err != nil {
		return "", err
	}
	fill := strings.Repeat(pad, copies)
	return string([]rune(fill)[:missing]), nil
}

// helperPadLeft pads s on the left to width runes.
func (s *Sandbox) helperPadLeft(args ...any) (any, error) {
	str, width, pad, err := padArgs("padLeft", args)
	if err != nil {
		return nil, err
	}
	fill, err := s.padding("padLeft", str, width, pad)
	if err != nil {
		return nil, err
	}
	return fill + str, nil
}

// helperPadRight pads s on the right to width runes.
func (s *Sandbox) helperPadRight(args ...any) (any, error) {
	str, width, pad, err := padArgs("padRight", args)
	if err != nil {
		return nil, err
	}
	fill, err := s.padding("padRight", str, width, pad)
	if err != nil {
		return nil, err
	}
	return str + fill, nil
}

// helperTruncate shortens s to n runes, appending the optional suffix when it cuts.
func helperTruncate(args ...any) (any, error) {
	if err := arity("truncate", args, 2, 3); err != nil {
		return nil, err
	}
	n, err := toInt(args[1])
	if err != nil {
		return nil, err
	}
	suffix := ""
	if len(args) == 3 {
		suffix = Stringify(args[2])
	}
	return Truncate(Stringify(args[0]), n, suffix), nil
}

// Truncate shortens s to n runes and appends suffix when anything was removed.
func Truncate(s string, n int, suffix string) string {
	if n < 0 {
		n = 0
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + suffix
}

// helperReplace replaces every occurrence of old with new.
func helperReplace(args ...any) (any, error) {
	if err := arity("replace", args, 3, 3); err != nil {
		return nil, err
	}
	return strings.ReplaceAll(Stringify(args[0]), Stringify(args[1]), Stringify(args[2])), nil
}

// helperRepeat returns s repeated n times.
func (s *Sandbox) helperRepeat(args ...any) (any, error) {
	if err := arity("repeat", args, 2, 2); err != nil {
		return nil, err
	}
	n, err := toInt(args[1])
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	str := Stringify(args[0])
	if err = s.checkOutput("repeat", n, len(str)); err != nil {
		return nil, err
	}
	return strings.Repeat(str, n), nil
}

// helperIncludes reports whether a string contains a substring or a list contains a value.
func helperIncludes(args ...any) (any, error) {
	if err := arity("includes", args, 2, 2); err != nil {
		return nil, err
	}
	if items, err := toList(args[0]); err == nil && args[0] != nil {
		needle := Stringify(args[1])
		for _, item := range items {
			if Stringify(item) == needle {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(Stringify(args[0]), Stringify(args[1])), nil
}

// helperJoin joins the elements of a list with sep (default ", ").
func helperJoin(args ...any) (any, error) {
	if err := arity("join", args, 1, 2); err != nil {
		return nil, err
	}
	items, err := toList(args[0])
	if err != nil {
		return nil, err
	}
	sep := ", "
	if len(args) == 2 {
		sep = Stringify(args[1])
	}
	return JoinValues(items, sep), nil
}

// JoinValues stringifies every element and joins them with sep.
func JoinValues(items []any, sep string) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = Stringify(item)
	}
	return strings.Join(parts, sep)
}

func helperToString(args ...any) (any, error) {
	return stringArg("toString", args)
}

func helperToNumber(args ...any) (any, error) {
	if err := arity("toNumber", args, 1, 1); err != nil {
		return nil, err
	}
	f, err := ToFloat(args[0])
	if err != nil {
		return nil, err
	}
	return Number(f), nil
}

package sandbox

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultDateLayout is used by formatDate and today when no layout is given.
const DefaultDateLayout = "YYYY-MM-DD"

// dateTokens maps human date tokens to Go reference-time layout elements.
// Longer tokens come first so they win over their prefixes.
var dateTokens = strings.NewReplacer(
	"YYYY", "2006",
	"MMMM", "January",
	"dddd", "Monday",
	"MMM", "Jan",
	"ddd", "Mon",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"hh", "03",
	"mm", "04",
	"ss", "05",
	"A", "PM",
)

var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// goLayout converts a token layout such as "YYYY-MM-DD HH:mm" to a Go
// layout. Layouts that already use the reference time pass through.
func goLayout(layout string) string {
	if strings.Contains(layout, "2006") {
		return layout
	}
	return dateTokens.Replace(layout)
}

// toTime accepts time values, parseable strings and unix seconds.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range parseLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a date", t)
	}
	secs, err := ToFloat(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot use %T as a date", v)
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

// helperNow returns the current time.
func (s *Sandbox) helperNow(args ...any) (any, error) {
	if err := arity("now", args, 0, 0); err != nil {
		return nil, err
	}
	return s.now(), nil
}

// helperToday returns the current date formatted with the optional layout.
func (s *Sandbox) helperToday(args ...any) (any, error) {
	if err := arity("today", args, 0, 1); err != nil {
		return nil, err
	}
	layout := DefaultDateLayout
	if len(args) == 1 {
		layout = Stringify(args[0])
	}
	return s.now().Format(goLayout(layout)), nil
}

// helperFormatDate formats a date with a token layout (default YYYY-MM-DD).
func helperFormatDate(args ...any) (any, error) {
	if err := arity("formatDate", args, 1, 2); err != nil {
		return nil, err
	}
	t, err := toTime(args[0])
	if err != nil {
		return nil, err
	}
	layout := DefaultDateLayout
	if len(args) == 2 {
		layout = Stringify(args[1])
	}
	return t.Format(goLayout(layout)), nil
}

func helperParseDate(args ...any) (any, error) {
	if err := arity("parseDate", args, 1, 1); err != nil {
		return nil, err
	}
	return toTime(args[0])
}

func shiftDate(name string, args []any, unit time.Duration) (any, error) {
	if err := arity(name, args, 2, 2); err != nil {
		return nil, err
	}
	t, err := toTime(args[0])
	if err != nil {
		return nil, err
	}
	n, err := ToFloat(args[1])
	if err != nil {
		return nil, err
	}
	return t.Add(time.Duration(n * float64(unit))), nil
}

// helperAddDays returns the date shifted by n days.
func helperAddDays(args ...any) (any, error) {
	return shiftDate("addDays", args, 24*time.Hour)
}

// helperAddHours returns the date shifted by n hours.
func helperAddHours(args ...any) (any, error) {
	return shiftDate("addHours", args, time.Hour)
}

// helperDiffDays returns the whole days from a to b.
func helperDiffDays(args ...any) (any, error) {
	if err := arity("diffDays", args, 2, 2); err != nil {
		return nil, err
	}
	a, err := toTime(args[0])
	if err != nil {
		return nil, err
	}
	b, err := toTime(args[1])
	if err != nil {
		return nil, err
	}
	return int(math.Trunc(b.Sub(a).Hours() / 24)), nil
}

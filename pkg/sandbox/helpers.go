package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// makeHelpers builds the helper library exposed to scripts.
func (s *Sandbox) makeHelpers() map[string]Helper {
	return map[string]Helper{
		// Math
		"add":   helperAdd,
		"sub":   helperSub,
		"mult":  helperMult,
		"div":   helperDiv,
		"mod":   helperMod,
		"min":   helperMin,
		"max":   helperMax,
		"abs":   helperAbs,
		"round": helperRound,
		"floor": helperFloor,
		"ceil":  helperCeil,
		"sum":   helperSum,
		"avg":   helperAvg,
		"inc":   helperInc,
		"dec":   helperDec,

		// Logic and collections
		"list":         helperList,
		"isSet":        helperIsSet,
		"coalesce":     helperCoalesce,
		"length":       helperLength,
		"randomChoice": helperRandomChoice,
		"randomInt":    helperRandomInt,
		"seq":          s.helperSeq,

		// Strings
		"upper":      helperUpper,
		"lower":      helperLower,
		"trim":       helperTrim,
		"capitalize": helperCapitalize,
		"titleCase":  helperTitleCase,
		"slugify":    helperSlugify,
		"format":     helperFormat,
		"padLeft":    s.helperPadLeft,
		"padRight":   s.helperPadRight,
		"truncate":   helperTruncate,
		"replace":    helperReplace,
		"repeat":     s.helperRepeat,
		"includes":   helperIncludes,
		"join":       helperJoin,
		"toString":   helperToString,
		"toNumber":   helperToNumber,

		// Dates
		"now":        s.helperNow,
		"today":      s.helperToday,
		"formatDate": helperFormatDate,
		"parseDate":  helperParseDate,
		"addDays":    helperAddDays,
		"addHours":   helperAddHours,
		"diffDays":   helperDiffDays,

		// Identifiers
		"uuid":    helperUUID,
		"shortId": helperShortID,
	}
}

// checkOutput rejects a helper result of count units of unit bytes each when
// it would exceed MaxOutputLength. The check runs before anything is allocated.
func (s *Sandbox) checkOutput(name string, count, unit int) error {
	limit := s.Config().MaxOutputLength
	if limit <= 0 || count <= 0 || unit <= 0 {
		return nil
	}
	if count > limit/unit {
		return runtimeErr(fmt.Sprintf("%s result exceeds maximum output length of %d bytes", name, limit), nil)
	}
	return nil
}

func arity(name string, args []any, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		switch {
		case max < 0:
			return fmt.Errorf("%s expects at least %d arguments, got %d", name, min, len(args))
		case min == max:
			return fmt.Errorf("%s expects %d arguments, got %d", name, min, len(args))
		default:
			return fmt.Errorf("%s expects %d to %d arguments, got %d", name, min, max, len(args))
		}
	}
	return nil
}

// ToFloat converts numbers and numeric strings to float64.
func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("cannot use %T as a number", v)
}

func toInt(v any) (int, error) {
	f, err := ToFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Number returns an int when f is integral so results print without a
// fractional part.
func Number(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return int(f)
	}
	return f
}

// toList accepts the slice shapes that appear in decoded variables.
func toList(v any) ([]any, error) {
	switch l := v.(type) {
	case []any:
		return l, nil
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, nil
	case []float64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("cannot use %T as a list", v)
}

// Stringify renders a value the way scripts and templates display it:
// nil is empty, integral floats drop their fraction and collections are JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case time.Time:
		return t.Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	case []any, map[string]any, []string:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
	return fmt.Sprint(v)
}

package sandbox

import (
	"math/rand"
	"reflect"
	"unicode/utf8"
)

// helperList returns a slice containing all the arguments passed to it.
func helperList(args ...any) (any, error) {
	return append([]any{}, args...), nil
}

// helperIsSet returns true if a value is not its zero value.
func helperIsSet(args ...any) (any, error) {
	if err := arity("isSet", args, 1, 1); err != nil {
		return nil, err
	}
	return isSet(args[0]), nil
}

func isSet(val any) bool {
	v := reflect.ValueOf(val)
	if !v.IsValid() {
		return false
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	}
	return !v.IsZero()
}

// helperCoalesce returns the first argument that is set.
func helperCoalesce(args ...any) (any, error) {
	for _, arg := range args {
		if isSet(arg) {
			return arg, nil
		}
	}
	return nil, nil
}

// helperLength returns the number of characters in a string or elements in a collection.
func helperLength(args ...any) (any, error) {
	if err := arity("length", args, 1, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case nil:
		return 0, nil
	case string:
		return utf8.RuneCountInString(v), nil
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	}
	rv := reflect.ValueOf(args[0])
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return len(Stringify(args[0])), nil
}

// helperRandomChoice selects and returns a single random element from a list.
func helperRandomChoice(args ...any) (any, error) {
	if err := arity("randomChoice", args, 1, 1); err != nil {
		return nil, err
	}
	items, err := toList(args[0])
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[rand.Intn(len(items))], nil
}

// helperRandomInt returns a random integer within the range [min, max).
func helperRandomInt(args ...any) (any, error) {
	if err := arity("randomInt", args, 2, 2); err != nil {
		return nil, err
	}
	lo, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	hi, err := toInt(args[1])
	if err != nil {
		return nil, err
	}
	if lo >= hi {
		return lo, nil
	}
	return rand.Intn(hi-lo) + lo, nil
}

// helperSeq returns the integers from 0 to count-1.
func (s *Sandbox) helperSeq(args ...any) (any, error) {
	if err := arity("seq", args, 1, 1); err != nil {
		return nil, err
	}
	count, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	if count < 0 {
		count = 0
	}
	if err = s.checkOutput("seq", count, 1); err != nil {
		return nil, err
	}
	seq := make([]any, count)
	for i := range seq {
		seq[i] = i
	}
	return seq, nil
}

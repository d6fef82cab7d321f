package sandbox

import (
	"errors"
	"math"
)

// helperAdd returns the sum of all arguments.
func helperAdd(args ...any) (any, error) {
	if err := arity("add", args, 2, -1); err != nil {
		return nil, err
	}
	return fold(args, func(a, b float64) float64 { return a + b })
}

// helperSub returns a - b.
func helperSub(args ...any) (any, error) {
	if err := arity("sub", args, 2, 2); err != nil {
		return nil, err
	}
	return fold(args, func(a, b float64) float64 { return a - b })
}

// helperMult returns the product of all arguments.
func helperMult(args ...any) (any, error) {
	if err := arity("mult", args, 2, -1); err != nil {
		return nil, err
	}
	return fold(args, func(a, b float64) float64 { return a * b })
}

// helperDiv returns a / b. Returns 0 if b is 0.
func helperDiv(args ...any) (any, error) {
	if err := arity("div", args, 2, 2); err != nil {
		return nil, err
	}
	return fold(args, func(a, b float64) float64 {
		if b == 0 {
			return 0
		}
		return a / b
	})
}

// helperMod returns a % b. Returns 0 if b is 0.
func helperMod(args ...any) (any, error) {
	if err := arity("mod", args, 2, 2); err != nil {
		return nil, err
	}
	return fold(args, func(a, b float64) float64 {
		if b == 0 {
			return 0
		}
		return math.Mod(a, b)
	})
}

// helperMin returns the smallest argument, or the smallest element of a single list.
func helperMin(args ...any) (any, error) {
	return extreme("min", args, func(a, b float64) bool { return a < b })
}

// helperMax returns the largest argument, or the largest element of a single list.
func helperMax(args ...any) (any, error) {
	return extreme("max", args, func(a, b float64) bool { return a > b })
}

func helperAbs(args ...any) (any, error) {
	return unary("abs", args, math.Abs)
}

// helperRound rounds to the given number of decimal places (default 0).
func helperRound(args ...any) (any, error) {
	if err := arity("round", args, 1, 2); err != nil {
		return nil, err
	}
	f, err := ToFloat(args[0])
	if err != nil {
		return nil, err
	}
	places := 0
	if len(args) == 2 {
		if places, err = toInt(args[1]); err != nil {
			return nil, err
		}
	}
	return Number(RoundTo(f, places)), nil
}

// RoundTo rounds f half away from zero to the given number of decimal places.
func RoundTo(f float64, places int) float64 {
	if places <= 0 {
		return math.Round(f)
	}
	scale := math.Pow(10, float64(places))
	return math.Round(f*scale) / scale
}

func helperFloor(args ...any) (any, error) {
	return unary("floor", args, math.Floor)
}

func helperCeil(args ...any) (any, error) {
	return unary("ceil", args, math.Ceil)
}

// helperSum adds up the elements of a list.
func helperSum(args ...any) (any, error) {
	if err := arity("sum", args, 1, 1); err != nil {
		return nil, err
	}
	items, err := toList(args[0])
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, item := range items {
		f, err := ToFloat(item)
		if err != nil {
			return nil, err
		}
		total += f
	}
	return Number(total), nil
}

// helperAvg returns the mean of a list, or 0 for an empty list.
func helperAvg(args ...any) (any, error) {
	if err := arity("avg", args, 1, 1); err != nil {
		return nil, err
	}
	items, err := toList(args[0])
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	total, err := helperSum(items)
	if err != nil {
		return nil, err
	}
	f, _ := ToFloat(total)
	return Number(f / float64(len(items))), nil
}

// helperInc returns i + 1.
func helperInc(args ...any) (any, error) {
	return unary("inc", args, func(f float64) float64 { return f + 1 })
}

// helperDec returns i - 1.
func helperDec(args ...any) (any, error) {
	return unary("dec", args, func(f float64) float64 { return f - 1 })
}

func unary(name string, args []any, fn func(float64) float64) (any, error) {
	if err := arity(name, args, 1, 1); err != nil {
		return nil, err
	}
	f, err := ToFloat(args[0])
	if err != nil {
		return nil, err
	}
	return Number(fn(f)), nil
}

func fold(args []any, fn func(a, b float64) float64) (any, error) {
	acc, err := ToFloat(args[0])
	if err != nil {
		return nil, err
	}
	for _, arg := range args[1:] {
		f, err := ToFloat(arg)
		if err != nil {
			return nil, err
		}
		acc = fn(acc, f)
	}
	return Number(acc), nil
}

func extreme(name string, args []any, better func(a, b float64) bool) (any, error) {
	if err := arity(name, args, 1, -1); err != nil {
		return nil, err
	}
	if len(args) == 1 {
		items, err := toList(args[0])
		if err != nil {
			return nil, err
		}
		args = items
	}
	if len(args) == 0 {
		return nil, errors.New(name + " of an empty list")
	}
	best, err := ToFloat(args[0])
	if err != nil {
		return nil, err
	}
	for _, arg := range args[1:] {
		f, err := ToFloat(arg)
		if err != nil {
			return nil, err
		}
		if better(f, best) {
			best = f
		}
	}
	return Number(best), nil
}

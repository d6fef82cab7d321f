package sandbox

import (
	"errors"
	"fmt"
)

// Kind distinguishes an attempted escape from an ordinary evaluation failure.
type Kind int

const (
	// Runtime is a legitimate evaluation failure (undefined helper, type error, timeout).
	Runtime Kind = iota
	// Violation is an attempt to reach a capability the sandbox does not expose.
	Violation
)

func (k Kind) String() string {
	if k == Violation {
		return "violation"
	}
	return "runtime"
}

var (
	// ErrViolation matches every Violation error via errors.Is.
	ErrViolation = errors.New("sandbox violation")
	// ErrRuntime matches every Runtime error via errors.Is.
	ErrRuntime = errors.New("sandbox runtime error")
)

// Error is returned by Execute for every failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	prefix := "sandbox runtime error"
	if e.Kind == Violation {
		prefix = "sandbox violation"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrViolation:
		return e.Kind == Violation
	case ErrRuntime:
		return e.Kind == Runtime
	}
	return false
}

func violation(reason string) *Error {
	return &Error{Kind: Violation, Reason: reason}
}

func runtimeErr(reason string, err error) *Error {
	return &Error{Kind: Runtime, Reason: reason, Err: err}
}

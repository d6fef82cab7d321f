package templating

import (
	"errors"
	"fmt"

	"github.com/CTAG07/Quill/pkg/sandbox"
)

// Kind classifies engine errors.
type Kind int

const (
	SyntaxError Kind = iota + 1
	TemplateNotFound
	CircularInclude
	MaxDepthExceeded
	MaxInclusionsExceeded
	MaxIterationsExceeded
	SandboxViolation
	SandboxRuntimeError
	UnresolvedVariable
)

// Sentinels for errors.Is, one per Kind.
var (
	ErrSyntax             = errors.New("syntax error")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrCircularInclude    = errors.New("circular include")
	ErrMaxDepth           = errors.New("maximum inclusion depth exceeded")
	ErrMaxInclusions      = errors.New("maximum number of inclusions exceeded")
	ErrMaxIterations      = errors.New("maximum loop iterations exceeded")
	ErrSandboxViolation   = errors.New("sandbox violation")
	ErrSandboxRuntime     = errors.New("sandbox runtime error")
	ErrUnresolvedVariable = errors.New("unresolved variable")
)

var kindNames = map[Kind]string{
	SyntaxError:           "SyntaxError",
	TemplateNotFound:      "TemplateNotFound",
	CircularInclude:       "CircularInclude",
	MaxDepthExceeded:      "MaxDepthExceeded",
	MaxInclusionsExceeded: "MaxInclusionsExceeded",
	MaxIterationsExceeded: "MaxIterationsExceeded",
	SandboxViolation:      "SandboxViolation",
	SandboxRuntimeError:   "SandboxRuntimeError",
	UnresolvedVariable:    "UnresolvedVariable",
}

var kindSentinels = map[Kind]error{
	SyntaxError:           ErrSyntax,
	TemplateNotFound:      ErrTemplateNotFound,
	CircularInclude:       ErrCircularInclude,
	MaxDepthExceeded:      ErrMaxDepth,
	MaxInclusionsExceeded: ErrMaxInclusions,
	MaxIterationsExceeded: ErrMaxIterations,
	SandboxViolation:      ErrSandboxViolation,
	SandboxRuntimeError:   ErrSandboxRuntime,
	UnresolvedVariable:    ErrUnresolvedVariable,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Fatal reports whether errors of this kind propagate regardless of strict
// mode. Structural and budget errors and sandbox violations are always fatal;
// content-resolution errors only in strict mode.
func (k Kind) Fatal() bool {
	switch k {
	case SyntaxError, CircularInclude, MaxDepthExceeded, MaxInclusionsExceeded,
		MaxIterationsExceeded, SandboxViolation:
		return true
	}
	return false
}

// Error is the single error type returned by the engine.
type Error struct {
	Kind    Kind
	Message string
	// TemplateID names the template being expanded when the error occurred, if any.
	TemplateID string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of an engine error, or 0 if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// fromSandbox maps a sandbox failure into the engine taxonomy.
func fromSandbox(err error, code string) *Error {
	kind := SandboxRuntimeError
	if errors.Is(err, sandbox.ErrViolation) {
		kind = SandboxViolation
	}
	return &Error{Kind: kind, Message: fmt.Sprintf("script %q failed", abbreviate(code, 60)), Err: err}
}

func abbreviate(s string, n int) string {
	return sandbox.Truncate(s, n, "...")
}

// Diagnostic is a non-fatal problem recorded in non-strict mode.
type Diagnostic struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	TemplateID string `json:"template_id,omitempty"`
	// Text is the directive that was left verbatim in the output.
	Text string `json:"text,omitempty"`
}

package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
)

// Helper is the signature of every function exposed to scripts.
type Helper = func(params ...any) (any, error)

// VarsName is the identifier under which the whole variable bag is exposed,
// so variables whose names are not valid identifiers stay reachable.
const VarsName = "vars"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedNames cannot be bound as identifiers because the expression
// language treats them as operators or literals.
var reservedNames = map[string]struct{}{
	"in": {}, "not": {}, "and": {}, "or": {}, "matches": {}, "contains": {},
	"startsWith": {}, "endsWith": {}, "let": {}, "nil": {}, "true": {}, "false": {},
	"if": {}, "else": {}, VarsName: {},
}

// Sandbox evaluates script fragments with a fixed helper library and no
// access to the host. All methods are concurrent-safe.
type Sandbox struct {
	logger  *slog.Logger
	config  Config
	helpers map[string]Helper
	now     func() time.Time
	mu      sync.RWMutex
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithClock overrides the time source used by the date helpers.
func WithClock(now func() time.Time) Option {
	return func(s *Sandbox) {
		s.now = now
	}
}

// New creates a Sandbox. A nil logger discards output.
func New(logger *slog.Logger, config Config, opts ...Option) *Sandbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Sandbox{
		logger: logger,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.helpers = s.makeHelpers()
	return s
}

// Config returns the current limits.
func (s *Sandbox) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig replaces the limits for subsequent Execute calls.
func (s *Sandbox) SetConfig(config Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
}

// HelperNames returns the names of the helper functions available to scripts.
func (s *Sandbox) HelperNames() []string {
	names := make([]string, 0, len(s.helpers))
	for name := range s.helpers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute evaluates code against vars. An expression yields its value; a
// statement block yields the value of its first executed return, or nil.
// vars is never modified. Escape attempts are rejected before anything runs.
func (s *Sandbox) Execute(ctx context.Context, code string, vars map[string]any) (any, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	cfg := s.Config()
	if cfg.MaxCodeLength > 0 && len(code) > cfg.MaxCodeLength {
		return nil, runtimeErr(fmt.Sprintf("script exceeds maximum length of %d bytes", cfg.MaxCodeLength), nil)
	}
	if err := CheckViolations(code); err != nil {
		s.logger.Warn("Rejected script", "error", err, "length", len(code))
		return nil, err
	}

	expression := IsExpression(code)
	var stmts []statement
	if !expression {
		var err error
		if stmts, err = parseStatements(code); err != nil {
			return nil, runtimeErr("syntax error", err)
		}
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: runtimeErr("script panicked", fmt.Errorf("%v", r))}
			}
		}()
		env := s.environment(vars)
		if expression {
			v, err := s.evaluate(code, env)
			done <- outcome{value: v, err: err}
			return
		}
		in := &interpreter{
			sb:     s,
			ctx:    ctx,
			base:   env,
			locals: make(map[string]any),
			consts: make(map[string]bool),
			limit:  cfg.MaxStatements,
		}
		v, _, err := in.run(stmts)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, runtimeErr("script timed out or was cancelled", ctx.Err())
	case o := <-done:
		if o.err != nil {
			s.logger.Debug("Script failed", "error", o.err)
		}
		return o.value, o.err
	}
}

// environment binds identifier-safe variables directly and the whole bag
// under VarsName. Helper names take precedence over variables.
func (s *Sandbox) environment(vars map[string]any) map[string]any {
	if vars == nil {
		vars = map[string]any{}
	}
	env := make(map[string]any, len(vars)+1)
	for name, value := range vars {
		if !identPattern.MatchString(name) {
			continue
		}
		if _, reserved := reservedNames[name]; reserved {
			continue
		}
		if _, isHelper := s.helpers[name]; isHelper {
			continue
		}
		env[name] = value
	}
	env[VarsName] = vars
	return env
}

func (s *Sandbox) evaluate(src string, env map[string]any) (any, error) {
	opts := make([]expr.Option, 0, len(s.helpers)+1)
	opts = append(opts, expr.Env(env))
	for name, fn := range s.helpers {
		opts = append(opts, expr.Function(name, fn))
	}
	program, err := expr.Compile(normalizeOperators(src), opts...)
	if err != nil {
		return nil, runtimeErr("compile failed", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, runtimeErr("evaluation failed", err)
	}
	return out, nil
}

// normalizeOperators rewrites strict equality operators to their plain form
// outside string literals.
func normalizeOperators(src string) string {
	if !strings.Contains(src, "==") {
		return src
	}
	var b strings.Builder
	b.Grow(len(src))
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				b.WriteByte(src[i])
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'' || c == '`':
			quote = c
			b.WriteByte(c)
		case strings.HasPrefix(src[i:], "==="):
			b.WriteString("==")
			i += 2
		case strings.HasPrefix(src[i:], "!=="):
			b.WriteString("!=")
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Truthy reports whether v counts as true in a condition: nil, false, zero,
// the empty string and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case float32:
		return t != 0
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
